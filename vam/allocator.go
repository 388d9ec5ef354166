package vam

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/vam/internal/utils"
	"golang.org/x/exp/slog"
)

// Allocator is the pooled MemoryAllocator. Each memory type gets an arena of large pools obtained
// from the Device, and allocations are carved out of those pools first-fit. Freed space is
// returned to its pool and reused; pools themselves are only returned to the device by Destroy.
//
// An Allocator is not safe for concurrent use unless it was created with AllocatorCreateSynchronized.
type Allocator struct {
	logger *slog.Logger
	mutex  utils.OptionalRWMutex

	createFlags         CreateFlags
	poolSize            uint64
	naiveMemoryTypeBits uint32
	callbackOptions     *MemoryCallbackOptions

	globalMemoryTypeBits uint32
	deviceMemory         *deviceMemory
	// One arena per memory type. Memory types served by the naive fallback have no arena.
	arenas    []*memoryTypeArena
	dedicated *NaiveAllocator
	destroyed bool
}

var _ MemoryAllocator = &Allocator{}
var _ SharedStatisticsSource = &Allocator{}

var errNotSetUp = errors.New("the allocator has not been set up")

func (a *Allocator) checkNotDestroyed() {
	if a.destroyed {
		panic("use of Allocator after Destroy")
	}
}

// Setup reads the device's memory types and creates the initial pool for each of them. If the
// device fails to provide any of those pools, the pools that were already created are freed and an
// error marked with ErrDeviceAllocationFailed is returned.
func (a *Allocator) Setup(device Device) error {
	a.logger.Debug("Allocator::Setup")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkNotDestroyed()

	if a.deviceMemory != nil {
		return errors.New("the allocator has already been set up")
	}

	deviceMemory, err := newDeviceMemory(a.logger, device, &memoryCallbacks{
		Callbacks: a.callbackOptions,
		Allocator: a,
	})
	if err != nil {
		return err
	}

	typeCount := deviceMemory.MemoryTypeCount()
	arenas := make([]*memoryTypeArena, typeCount)

	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		if a.naiveMemoryTypeBits&(1<<typeIndex) != 0 {
			continue
		}

		arena := newMemoryTypeArena(a.logger, deviceMemory, typeIndex, a.poolSize)
		_, err = arena.grow(a.poolSize)
		if err != nil {
			for _, created := range arenas {
				if created != nil {
					// Nothing has been allocated from these pools yet
					_ = created.destroy()
				}
			}

			return errors.Wrapf(err, "failed to create the initial pool for memory type %d", typeIndex)
		}

		arenas[typeIndex] = arena
	}

	a.deviceMemory = deviceMemory
	a.globalMemoryTypeBits = uint32(1<<typeCount) - 1
	a.arenas = arenas
	a.dedicated = newDedicatedFallback(a.logger, deviceMemory)

	return nil
}

func checkRequirements(requirements MemoryRequirements) (uint64, error) {
	if requirements.Size == 0 {
		return 0, errors.Wrap(ErrInvalidRequirements, "allocation size must be greater than 0")
	}

	err := memutils.CheckPow2(requirements.Alignment, "alignment")
	if err != nil {
		return 0, errors.Mark(err, ErrInvalidRequirements)
	}

	if requirements.Alignment == 0 {
		return 1, nil
	}

	return requirements.Alignment, nil
}

func (m *deviceMemory) findMemoryTypeIndex(
	memoryTypeBits uint32,
	createInfo *AllocationCreateInfo,
) (int, error) {
	if createInfo.MemoryTypeBits != 0 {
		memoryTypeBits &= createInfo.MemoryTypeBits
	}

	return FindMemoryTypeIndex(m.memoryTypes, memoryTypeBits, createInfo.RequiredFlags, createInfo.PreferredFlags)
}

// FindMemoryTypeIndex returns the memory type index the Allocator would use for an allocation
// with the provided parameters
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, createInfo AllocationCreateInfo) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkNotDestroyed()

	if a.deviceMemory == nil {
		return -1, errNotSetUp
	}

	return a.deviceMemory.findMemoryTypeIndex(memoryTypeBits&a.globalMemoryTypeBits, &createInfo)
}

// Allocate carves a new allocation out of a pool of the most suitable memory type, creating a new
// pool if none of the existing ones have room.
func (a *Allocator) Allocate(requirements MemoryRequirements, createInfo AllocationCreateInfo) (Allocation, error) {
	a.logger.Debug("Allocator::Allocate")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkNotDestroyed()

	if a.deviceMemory == nil {
		return Allocation{}, errNotSetUp
	}

	alignment, err := checkRequirements(requirements)
	if err != nil {
		return Allocation{}, err
	}

	memoryTypeIndex, err := a.deviceMemory.findMemoryTypeIndex(requirements.MemoryTypeBits&a.globalMemoryTypeBits, &createInfo)
	if err != nil {
		return Allocation{}, err
	}

	arena := a.arenas[memoryTypeIndex]
	if arena == nil {
		return a.dedicated.allocateDedicated(memoryTypeIndex, requirements.Size, createInfo.Name)
	}

	return arena.allocate(requirements.Size, alignment, createInfo.Name)
}

// Deallocate returns an allocation to the pool it came from. Returning an allocation that this
// allocator did not issue, or returning the same allocation twice, panics.
func (a *Allocator) Deallocate(alloc Allocation) error {
	a.logger.Debug("Allocator::Deallocate")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkNotDestroyed()

	if alloc.IsNull() {
		return errors.New("attempted to deallocate a null allocation")
	}

	if a.deviceMemory == nil || alloc.memoryTypeIndex < 0 || alloc.memoryTypeIndex >= len(a.arenas) {
		panic(errors.Wrapf(ErrPoolNotFound, "attempted to free %s", alloc))
	}

	if alloc.IsDedicated() {
		a.dedicated.freeDedicated(alloc)
		return nil
	}

	arena := a.arenas[alloc.memoryTypeIndex]
	if arena == nil {
		panic(errors.Wrapf(ErrPoolNotFound, "attempted to free %s", alloc))
	}

	arena.free(alloc)
	return nil
}

// Destroy returns every pool to the device. Allocations that are still live are logged and
// reported in the returned error, but their memory is freed regardless. The Allocator cannot be
// used after Destroy.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.checkNotDestroyed()
	a.destroyed = true

	if a.deviceMemory == nil {
		return nil
	}

	var err error
	for _, arena := range a.arenas {
		if arena == nil {
			continue
		}

		arenaErr := arena.destroy()
		if arenaErr != nil {
			err = multierror.Append(err, arenaErr)
		}
	}

	dedicatedErr := a.dedicated.destroyBlocks()
	if dedicatedErr != nil {
		err = multierror.Append(err, dedicatedErr)
	}

	return err
}

// PoolCount returns the number of pools that have been created for a memory type
func (a *Allocator) PoolCount(memoryTypeIndex int) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkNotDestroyed()

	if memoryTypeIndex < 0 || memoryTypeIndex >= len(a.arenas) || a.arenas[memoryTypeIndex] == nil {
		return 0
	}

	return a.arenas[memoryTypeIndex].PoolCount()
}

// CalculateStatistics retrieves statistics for every memory type and heap known to the allocator
func (a *Allocator) CalculateStatistics() *AllocatorStatistics {
	a.logger.Debug("Allocator::CalculateStatistics")

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkNotDestroyed()

	return a.calculateStatistics()
}

// TryCalculateStatistics retrieves the same statistics as CalculateStatistics. It returns false
// if the allocator has been destroyed.
func (a *Allocator) TryCalculateStatistics() (*AllocatorStatistics, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.destroyed {
		return nil, false
	}

	return a.calculateStatistics(), true
}

// Synchronized returns true if the allocator was created with AllocatorCreateSynchronized
func (a *Allocator) Synchronized() bool {
	return a.mutex.UseMutex
}

func (a *Allocator) calculateStatistics() *AllocatorStatistics {
	stats := newAllocatorStatistics(a.deviceMemory)
	for typeIndex := range stats.MemoryTypes {
		if a.arenas[typeIndex] != nil {
			a.arenas[typeIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		}
		a.dedicated.addDetailedStatistics(typeIndex, &stats.MemoryTypes[typeIndex])
	}
	stats.sumMemoryTypes(a.deviceMemory)

	return stats
}

// Validate checks every pool's bookkeeping for consistency and returns an error describing the
// first problem found
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.checkNotDestroyed()

	if a.deviceMemory == nil {
		return nil
	}

	heaps := make([]memutils.Statistics, a.deviceMemory.HeapCount())
	for typeIndex, arena := range a.arenas {
		heapIndex := a.deviceMemory.MemoryTypeProperties(typeIndex).HeapIndex

		if arena != nil {
			err := arena.Validate()
			if err != nil {
				return err
			}

			arena.AddStatistics(&heaps[heapIndex])
		}

		a.dedicated.addStatistics(typeIndex, &heaps[heapIndex])
	}

	return validateHeapBlocks(a.deviceMemory, heaps)
}

func validateHeapBlocks(deviceMemory *deviceMemory, heaps []memutils.Statistics) error {
	for heapIndex, blocks := range deviceMemory.HeapStatistics() {
		if blocks.BlockCount != heaps[heapIndex].BlockCount || blocks.BlockBytes != heaps[heapIndex].BlockBytes {
			return errors.Newf("heap %d has %d blocks (%d bytes) allocated from the device, but %d blocks (%d bytes) are tracked",
				heapIndex, blocks.BlockCount, blocks.BlockBytes, heaps[heapIndex].BlockCount, heaps[heapIndex].BlockBytes)
		}
	}

	return nil
}

// BuildStatsString returns a json document describing the current state of the allocator. If
// detailedMap is true, every pool is listed with its free ranges and live allocations.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	stats := a.CalculateStatistics()

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	writer := jwriter.NewWriter()
	json := writer.Object()

	stats.printJson(&json, a.deviceMemory)

	if detailedMap && a.deviceMemory != nil {
		detailed := json.Name("DetailedMap").Array()
		for typeIndex, arena := range a.arenas {
			obj := detailed.Object()
			obj.Name("MemoryTypeIndex").Int(typeIndex)

			if arena != nil {
				arena.PrintDetailedMap(obj.Name("Pools"))
			}

			a.dedicated.printDedicatedAllocations(typeIndex, obj.Name("DedicatedAllocations"))
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
