// Package hostmem provides a vam.Device backed by anonymous host memory mappings, so the allocators
// can run without a GPU. Allocations can be read and written through Device.Slice.
package hostmem

import (
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/suballoc/vam"
)

// ErrHeapBudgetExceeded is returned by AllocateMemory when a block would take a heap past its budget
var ErrHeapBudgetExceeded = errors.New("heap budget exceeded")

// Options contains the settings used to create a Device
type Options struct {
	// MemoryTypes are the memory types the Device will report. If left empty, DefaultMemoryTypes is used.
	MemoryTypes []vam.MemoryType `json:"memoryTypes,omitempty"`
	// HeapBudgets can be left empty. If it is provided, each entry is the maximum number of bytes
	// that may be mapped for the corresponding heap, or 0 indicating no limit.
	HeapBudgets []uint64 `json:"heapBudgets,omitempty"`
}

// DefaultMemoryTypes resembles a discrete GPU: one device-local type on heap 0, and two host-visible
// types on heap 1, the second of which is cached
func DefaultMemoryTypes() []vam.MemoryType {
	return []vam.MemoryType{
		{
			PropertyFlags: vam.MemoryPropertyDeviceLocal,
			HeapIndex:     0,
		},
		{
			PropertyFlags: vam.MemoryPropertyHostVisible | vam.MemoryPropertyHostCoherent,
			HeapIndex:     1,
		},
		{
			PropertyFlags: vam.MemoryPropertyHostVisible | vam.MemoryPropertyHostCoherent | vam.MemoryPropertyHostCached,
			HeapIndex:     1,
		},
	}
}

type hostBlock struct {
	memoryTypeIndex int
	data            []byte
}

// Device is a vam.Device whose memory blocks are host memory mappings
type Device struct {
	mutex sync.RWMutex

	memoryTypes []vam.MemoryType
	heapBudgets []uint64
	heapBytes   []uint64

	nextBlock vam.MemoryBlockID
	blocks    *swiss.Map[vam.MemoryBlockID, hostBlock]
}

var _ vam.Device = &Device{}

// New creates a Device with the provided memory types and heap budgets
func New(options Options) (*Device, error) {
	memoryTypes := options.MemoryTypes
	if len(memoryTypes) == 0 {
		memoryTypes = DefaultMemoryTypes()
	}

	heapCount := 0
	for typeIndex, memoryType := range memoryTypes {
		if memoryType.HeapIndex < 0 {
			return nil, errors.Newf("memory type %d has invalid heap index %d", typeIndex, memoryType.HeapIndex)
		}
		if memoryType.HeapIndex >= heapCount {
			heapCount = memoryType.HeapIndex + 1
		}
	}

	if len(options.HeapBudgets) > 0 && len(options.HeapBudgets) != heapCount {
		return nil, errors.Newf("hostmem.Options.HeapBudgets has %d entries, but the memory types use %d heaps", len(options.HeapBudgets), heapCount)
	}

	heapBudgets := make([]uint64, heapCount)
	copy(heapBudgets, options.HeapBudgets)

	return &Device{
		memoryTypes: memoryTypes,
		heapBudgets: heapBudgets,
		heapBytes:   make([]uint64, heapCount),
		blocks:      swiss.NewMap[vam.MemoryBlockID, hostBlock](42),
	}, nil
}

// MemoryTypes returns the memory types this Device was created with
func (d *Device) MemoryTypes() []vam.MemoryType {
	return d.memoryTypes
}

// AllocateMemory maps a new block of host memory
func (d *Device) AllocateMemory(memoryTypeIndex int, size uint64) (vam.MemoryBlockID, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryTypes) {
		return 0, errors.Newf("memory type %d does not exist", memoryTypeIndex)
	}
	if size == 0 || size > math.MaxInt {
		return 0, errors.Newf("cannot map %d bytes", size)
	}

	heapIndex := d.memoryTypes[memoryTypeIndex].HeapIndex

	d.mutex.Lock()
	defer d.mutex.Unlock()

	budget := d.heapBudgets[heapIndex]
	if budget > 0 && d.heapBytes[heapIndex]+size > budget {
		return 0, errors.Wrapf(ErrHeapBudgetExceeded, "heap %d has %d of %d bytes mapped and cannot map another %d",
			heapIndex, d.heapBytes[heapIndex], budget, size)
	}

	data, err := mapBlock(int(size))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to map %d bytes", size)
	}

	d.heapBytes[heapIndex] += size
	d.nextBlock++
	d.blocks.Put(d.nextBlock, hostBlock{
		memoryTypeIndex: memoryTypeIndex,
		data:            data,
	})

	return d.nextBlock, nil
}

// FreeMemory unmaps a block previously returned by AllocateMemory
func (d *Device) FreeMemory(memoryTypeIndex int, block vam.MemoryBlockID, size uint64) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	mapped, ok := d.blocks.Get(block)
	if !ok {
		panic(fmt.Sprintf("attempted to free unknown memory block %d", block))
	}
	if mapped.memoryTypeIndex != memoryTypeIndex || uint64(len(mapped.data)) != size {
		panic(fmt.Sprintf("memory block %d was allocated as %d bytes of memory type %d, but was freed as %d bytes of memory type %d",
			block, len(mapped.data), mapped.memoryTypeIndex, size, memoryTypeIndex))
	}

	err := unmapBlock(mapped.data)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when unmapping memory block %d: %+v", block, err))
	}

	d.blocks.Delete(block)
	d.heapBytes[d.memoryTypes[memoryTypeIndex].HeapIndex] -= size
}

// Bytes returns the full contents of a memory block
func (d *Device) Bytes(block vam.MemoryBlockID) ([]byte, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	mapped, ok := d.blocks.Get(block)
	if !ok {
		return nil, false
	}
	return mapped.data, true
}

// Slice returns the bytes covered by an allocation made against this Device. The slice's capacity
// is clipped so that appending cannot spill into neighboring allocations.
func (d *Device) Slice(alloc vam.Allocation) ([]byte, error) {
	if alloc.IsNull() {
		return nil, errors.New("attempted to slice a null allocation")
	}

	data, ok := d.Bytes(alloc.MemoryBlockID())
	if !ok {
		return nil, errors.Newf("allocation %s does not belong to this device", alloc)
	}

	start := alloc.Offset()
	end := start + alloc.Size()
	if end > uint64(len(data)) {
		return nil, errors.Newf("allocation %s extends past the end of its %d byte block", alloc, len(data))
	}

	return data[start:end:end], nil
}

// HeapBytes returns the number of bytes currently mapped for a heap
func (d *Device) HeapBytes(heapIndex int) uint64 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.heapBytes[heapIndex]
}

// BlockCount returns the number of blocks that are currently mapped
func (d *Device) BlockCount() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.blocks.Count()
}
