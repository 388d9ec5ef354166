package vam

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/memutils"
	"golang.org/x/exp/slog"
)

// deviceMemory wraps a Device with the bookkeeping every strategy needs around real device
// allocations: memory callbacks, error marking and per-heap block counters
type deviceMemory struct {
	logger      *slog.Logger
	device      Device
	memoryTypes []MemoryType
	callbacks   *memoryCallbacks

	// Number of real allocations that have been made from device memory, per heap
	blockCount []int32
	// Size of real allocations that have been made from device memory, per heap
	blockBytes []int64
}

func newDeviceMemory(logger *slog.Logger, device Device, callbacks *memoryCallbacks) (*deviceMemory, error) {
	memoryTypes := device.MemoryTypes()
	if len(memoryTypes) == 0 {
		return nil, errors.New("the device does not expose any memory types")
	}
	if len(memoryTypes) > 32 {
		return nil, errors.Newf("the device exposes %d memory types, but memory type bits can only address 32", len(memoryTypes))
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

	return &deviceMemory{
		logger:      logger,
		device:      device,
		memoryTypes: memoryTypes,
		callbacks:   callbacks,
		blockCount:  make([]int32, heapCount),
		blockBytes:  make([]int64, heapCount),
	}, nil
}

func (m *deviceMemory) MemoryTypeCount() int {
	return len(m.memoryTypes)
}

func (m *deviceMemory) HeapCount() int {
	return len(m.blockCount)
}

func (m *deviceMemory) MemoryTypeProperties(memoryTypeIndex int) MemoryType {
	return m.memoryTypes[memoryTypeIndex]
}

func (m *deviceMemory) allocate(memoryTypeIndex int, size uint64) (MemoryBlockID, error) {
	block, err := m.device.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelWarn, "device refused memory allocation",
			slog.Int("memoryTypeIndex", memoryTypeIndex),
			slog.Uint64("size", size),
			slog.Any("error", err),
		)
		return 0, errors.Mark(
			errors.Wrapf(err, "failed to allocate %d bytes from memory type %d", size, memoryTypeIndex),
			ErrDeviceAllocationFailed,
		)
	}

	heapIndex := m.memoryTypes[memoryTypeIndex].HeapIndex
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(size))

	m.callbacks.Allocate(memoryTypeIndex, block, size)
	return block, nil
}

func (m *deviceMemory) free(memoryTypeIndex int, block MemoryBlockID, size uint64) {
	m.callbacks.Free(memoryTypeIndex, block, size)

	m.device.FreeMemory(memoryTypeIndex, block, size)

	heapIndex := m.memoryTypes[memoryTypeIndex].HeapIndex
	newCount := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	newBytes := atomic.AddInt64(&m.blockBytes[heapIndex], -int64(size))
	if newCount < 0 || newBytes < 0 {
		panic(fmt.Sprintf("block statistics for heapIndex %d went negative", heapIndex))
	}
}

// HeapStatistics returns the number and size of device blocks currently held, per memory heap
func (m *deviceMemory) HeapStatistics() []memutils.Statistics {
	stats := make([]memutils.Statistics, len(m.blockCount))
	for heapIndex := range stats {
		stats[heapIndex].BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		stats[heapIndex].BlockBytes = uint64(atomic.LoadInt64(&m.blockBytes[heapIndex]))
	}
	return stats
}
