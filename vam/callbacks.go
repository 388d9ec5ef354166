package vam

// AllocateDeviceMemoryCallback is called after a new block of device memory has been obtained
type AllocateDeviceMemoryCallback func(
	allocator MemoryAllocator,
	memoryType int,
	block MemoryBlockID,
	size uint64,
	userData interface{},
)

// FreeDeviceMemoryCallback is called before a block of device memory is returned to the device
type FreeDeviceMemoryCallback func(
	allocator MemoryAllocator,
	memoryType int,
	block MemoryBlockID,
	size uint64,
	userData interface{},
)

// MemoryCallbackOptions holds callbacks that are executed when real device memory is allocated or
// freed. Allocations made by callers do not map 1:1 with device allocations, so these fire far less
// often than Allocate and Deallocate.
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator MemoryAllocator
}

func (c *memoryCallbacks) Allocate(
	memoryType int,
	block MemoryBlockID,
	size uint64,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memoryType, block, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryType int,
	block MemoryBlockID,
	size uint64,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memoryType, block, size, c.Callbacks.UserData)
	}
}
