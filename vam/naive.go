package vam

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/vam/internal/utils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

type dedicatedKey struct {
	memoryTypeIndex int
	block           MemoryBlockID
}

type dedicatedBlock struct {
	size uint64
	name string
}

// NaiveAllocator is the unpooled MemoryAllocator: every Allocate call gets a device memory block
// of its own, sized exactly to the request, and every Deallocate returns that block to the device.
// It is far slower than Allocator and wastes device allocations, but it is useful as a baseline
// and for memory types that only ever see a handful of allocations.
//
// The pooled Allocator embeds one to serve the memory types listed in
// CreateOptions.NaiveMemoryTypeBits.
type NaiveAllocator struct {
	logger          *slog.Logger
	mutex           utils.OptionalRWMutex
	callbackOptions *MemoryCallbackOptions

	globalMemoryTypeBits uint32
	deviceMemory         *deviceMemory
	blocks               *swiss.Map[dedicatedKey, dedicatedBlock]
	destroyed            bool
}

var _ MemoryAllocator = &NaiveAllocator{}
var _ SharedStatisticsSource = &NaiveAllocator{}

func newDedicatedFallback(logger *slog.Logger, deviceMemory *deviceMemory) *NaiveAllocator {
	return &NaiveAllocator{
		logger:       logger,
		deviceMemory: deviceMemory,
		blocks:       swiss.NewMap[dedicatedKey, dedicatedBlock](42),
	}
}

func (n *NaiveAllocator) checkNotDestroyed() {
	if n.destroyed {
		panic("use of NaiveAllocator after Destroy")
	}
}

// Setup reads the device's memory types. No device memory is allocated until Allocate is called.
func (n *NaiveAllocator) Setup(device Device) error {
	n.logger.Debug("NaiveAllocator::Setup")

	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.checkNotDestroyed()

	if n.deviceMemory != nil {
		return errors.New("the allocator has already been set up")
	}

	deviceMemory, err := newDeviceMemory(n.logger, device, &memoryCallbacks{
		Callbacks: n.callbackOptions,
		Allocator: n,
	})
	if err != nil {
		return err
	}

	n.deviceMemory = deviceMemory
	n.globalMemoryTypeBits = uint32(1<<deviceMemory.MemoryTypeCount()) - 1
	n.blocks = swiss.NewMap[dedicatedKey, dedicatedBlock](42)
	return nil
}

// Allocate obtains a new device memory block sized exactly to the request. The allocation always
// has an offset of 0, which satisfies any alignment.
func (n *NaiveAllocator) Allocate(requirements MemoryRequirements, createInfo AllocationCreateInfo) (Allocation, error) {
	n.logger.Debug("NaiveAllocator::Allocate")

	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.checkNotDestroyed()

	if n.deviceMemory == nil {
		return Allocation{}, errNotSetUp
	}

	_, err := checkRequirements(requirements)
	if err != nil {
		return Allocation{}, err
	}

	memoryTypeIndex, err := n.deviceMemory.findMemoryTypeIndex(requirements.MemoryTypeBits&n.globalMemoryTypeBits, &createInfo)
	if err != nil {
		return Allocation{}, err
	}

	return n.allocateDedicated(memoryTypeIndex, requirements.Size, createInfo.Name)
}

// Deallocate returns an allocation's memory block to the device. Returning an allocation that this
// allocator did not issue, or returning the same allocation twice, panics.
func (n *NaiveAllocator) Deallocate(alloc Allocation) error {
	n.logger.Debug("NaiveAllocator::Deallocate")

	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.checkNotDestroyed()

	if alloc.IsNull() {
		return errors.New("attempted to deallocate a null allocation")
	}

	if n.deviceMemory == nil || !alloc.IsDedicated() {
		panic(errors.Wrapf(ErrPoolNotFound, "attempted to free %s", alloc))
	}

	n.freeDedicated(alloc)
	return nil
}

// Destroy returns every remaining block to the device, logging each of them as unreleased. The
// NaiveAllocator cannot be used after Destroy.
func (n *NaiveAllocator) Destroy() error {
	n.logger.Debug("NaiveAllocator::Destroy")

	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.checkNotDestroyed()
	n.destroyed = true

	if n.deviceMemory == nil {
		return nil
	}

	return n.destroyBlocks()
}

// CalculateStatistics retrieves statistics for every memory type and heap known to the allocator
func (n *NaiveAllocator) CalculateStatistics() *AllocatorStatistics {
	n.logger.Debug("NaiveAllocator::CalculateStatistics")

	n.mutex.RLock()
	defer n.mutex.RUnlock()

	n.checkNotDestroyed()

	return n.calculateStatistics()
}

// TryCalculateStatistics retrieves the same statistics as CalculateStatistics. It returns false
// if the allocator has been destroyed.
func (n *NaiveAllocator) TryCalculateStatistics() (*AllocatorStatistics, bool) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	if n.destroyed {
		return nil, false
	}

	return n.calculateStatistics(), true
}

// Synchronized returns true if the allocator was created with AllocatorCreateSynchronized
func (n *NaiveAllocator) Synchronized() bool {
	return n.mutex.UseMutex
}

func (n *NaiveAllocator) calculateStatistics() *AllocatorStatistics {
	stats := newAllocatorStatistics(n.deviceMemory)
	for typeIndex := range stats.MemoryTypes {
		n.addDetailedStatistics(typeIndex, &stats.MemoryTypes[typeIndex])
	}
	stats.sumMemoryTypes(n.deviceMemory)

	return stats
}

// Validate checks that the blocks tracked by the allocator match the blocks obtained from the device
func (n *NaiveAllocator) Validate() error {
	n.mutex.RLock()
	defer n.mutex.RUnlock()

	n.checkNotDestroyed()

	if n.deviceMemory == nil {
		return nil
	}

	heaps := make([]memutils.Statistics, n.deviceMemory.HeapCount())
	for typeIndex := 0; typeIndex < n.deviceMemory.MemoryTypeCount(); typeIndex++ {
		heapIndex := n.deviceMemory.MemoryTypeProperties(typeIndex).HeapIndex
		n.addStatistics(typeIndex, &heaps[heapIndex])
	}

	return validateHeapBlocks(n.deviceMemory, heaps)
}

// BuildStatsString returns a json document describing the current state of the allocator. If
// detailedMap is true, every live allocation is listed.
func (n *NaiveAllocator) BuildStatsString(detailedMap bool) string {
	stats := n.CalculateStatistics()

	n.mutex.RLock()
	defer n.mutex.RUnlock()

	writer := jwriter.NewWriter()
	json := writer.Object()

	stats.printJson(&json, n.deviceMemory)

	if detailedMap && n.deviceMemory != nil {
		detailed := json.Name("DetailedMap").Array()
		for typeIndex := 0; typeIndex < n.deviceMemory.MemoryTypeCount(); typeIndex++ {
			obj := detailed.Object()
			obj.Name("MemoryTypeIndex").Int(typeIndex)
			n.printDedicatedAllocations(typeIndex, obj.Name("DedicatedAllocations"))
			obj.End()
		}
		detailed.End()
	}

	json.End()

	if writer.Error() != nil {
		panic(fmt.Sprintf("unexpected error when writing allocator stats: %+v", writer.Error()))
	}

	return string(writer.Bytes())
}

func (n *NaiveAllocator) allocateDedicated(memoryTypeIndex int, size uint64, name string) (Allocation, error) {
	block, err := n.deviceMemory.allocate(memoryTypeIndex, size)
	if err != nil {
		return Allocation{}, err
	}

	key := dedicatedKey{memoryTypeIndex: memoryTypeIndex, block: block}
	if _, exists := n.blocks.Get(key); exists {
		panic(fmt.Sprintf("device returned memory block id %d, which is already in use by memory type %d", block, memoryTypeIndex))
	}

	n.blocks.Put(key, dedicatedBlock{size: size, name: name})
	n.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated dedicated block",
		slog.Uint64("block.id", uint64(block)),
		slog.Int("memoryTypeIndex", memoryTypeIndex),
		slog.Uint64("size", size),
	)

	return Allocation{
		allocationType:  allocationTypeDedicated,
		memoryTypeIndex: memoryTypeIndex,
		block:           block,
		offset:          0,
		size:            size,
	}, nil
}

func (n *NaiveAllocator) freeDedicated(alloc Allocation) {
	key := dedicatedKey{memoryTypeIndex: alloc.memoryTypeIndex, block: alloc.block}
	block, ok := n.blocks.Get(key)
	if !ok || block.size != alloc.size || alloc.offset != 0 {
		panic(errors.Wrapf(ErrPoolNotFound, "attempted to free %s", alloc))
	}

	n.deviceMemory.free(alloc.memoryTypeIndex, alloc.block, block.size)
	n.blocks.Delete(key)

	n.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed dedicated block",
		slog.Uint64("block.id", uint64(alloc.block)),
		slog.Int("memoryTypeIndex", alloc.memoryTypeIndex),
	)
}

func (n *NaiveAllocator) sortedKeys() []dedicatedKey {
	keys := make([]dedicatedKey, 0, n.blocks.Count())
	n.blocks.Iter(func(key dedicatedKey, _ dedicatedBlock) bool {
		keys = append(keys, key)
		return false
	})

	slices.SortFunc(keys, func(a, b dedicatedKey) int {
		if a.memoryTypeIndex != b.memoryTypeIndex {
			return a.memoryTypeIndex - b.memoryTypeIndex
		}
		if a.block < b.block {
			return -1
		} else if a.block > b.block {
			return 1
		}
		return 0
	})

	return keys
}

func (n *NaiveAllocator) destroyBlocks() error {
	keys := n.sortedKeys()

	for _, key := range keys {
		block, _ := n.blocks.Get(key)
		name := block.name
		if name == "" {
			name = "empty"
		}

		n.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.Int("memoryTypeIndex", key.memoryTypeIndex),
			slog.Uint64("block.id", uint64(key.block)),
			slog.Uint64("offset", 0),
			slog.Uint64("size", block.size),
			slog.String("name", name),
		)

		n.deviceMemory.free(key.memoryTypeIndex, key.block, block.size)
	}

	n.blocks = swiss.NewMap[dedicatedKey, dedicatedBlock](42)

	if len(keys) > 0 {
		return errors.Newf("%d dedicated allocations were not freed before the allocator was destroyed", len(keys))
	}

	return nil
}

func (n *NaiveAllocator) addStatistics(memoryTypeIndex int, stats *memutils.Statistics) {
	n.blocks.Iter(func(key dedicatedKey, block dedicatedBlock) bool {
		if key.memoryTypeIndex == memoryTypeIndex {
			stats.BlockCount++
			stats.BlockBytes += block.size
			stats.AllocationCount++
			stats.AllocationBytes += block.size
		}
		return false
	})
}

func (n *NaiveAllocator) addDetailedStatistics(memoryTypeIndex int, stats *memutils.DetailedStatistics) {
	n.blocks.Iter(func(key dedicatedKey, block dedicatedBlock) bool {
		if key.memoryTypeIndex == memoryTypeIndex {
			stats.BlockCount++
			stats.BlockBytes += block.size
			stats.AddAllocation(block.size)
		}
		return false
	})
}

func (n *NaiveAllocator) printDedicatedAllocations(memoryTypeIndex int, writer *jwriter.Writer) {
	allocations := writer.Array()
	defer allocations.End()

	for _, key := range n.sortedKeys() {
		if key.memoryTypeIndex != memoryTypeIndex {
			continue
		}

		block, _ := n.blocks.Get(key)
		alloc := Allocation{
			allocationType:  allocationTypeDedicated,
			memoryTypeIndex: key.memoryTypeIndex,
			block:           key.block,
			size:            block.size,
		}

		obj := allocations.Object()
		alloc.printParameters(&obj)
		if block.name != "" {
			obj.Name("Name").String(block.name)
		}
		obj.End()
	}
}
