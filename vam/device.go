package vam

//go:generate mockgen -package mocks -destination mocks/device.go github.com/vkngwrapper/suballoc/vam Device

// MemoryBlockID identifies a single block of memory obtained from a Device. It is only meaningful
// to the Device that issued it.
type MemoryBlockID uint64

// MemoryType describes one category of device memory, as reported by the device
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags `json:"propertyFlags"`
	HeapIndex     int                 `json:"heapIndex"`
}

// Device is the raw memory source the allocators carve allocations out of. Implementations exist
// for vulkan devices (package vulkan) and plain host memory (package hostmem).
//
// A Device is called from a single goroutine at a time unless the allocator that owns it was
// created with AllocatorCreateSynchronized, in which case calls are serialized by the allocator.
type Device interface {
	// MemoryTypes returns every memory type the device exposes. The index of each entry is its
	// memory type index.
	MemoryTypes() []MemoryType
	// AllocateMemory obtains a new block of size bytes from the requested memory type
	AllocateMemory(memoryTypeIndex int, size uint64) (MemoryBlockID, error)
	// FreeMemory returns a block previously obtained from AllocateMemory
	FreeMemory(memoryTypeIndex int, block MemoryBlockID, size uint64)
}
