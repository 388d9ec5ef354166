package vam

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/memutils"
)

// AllocatorStatistics holds statistics for every memory type and memory heap known to an allocator
type AllocatorStatistics struct {
	// MemoryTypes has one entry per memory type index
	MemoryTypes []memutils.DetailedStatistics
	// MemoryHeaps has one entry per memory heap index, summing the memory types that use the heap
	MemoryHeaps []memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// StatisticsSource is implemented by allocators that can report on their memory usage
type StatisticsSource interface {
	CalculateStatistics() *AllocatorStatistics
}

// SharedStatisticsSource is a StatisticsSource that can be read from goroutines other than the
// one making allocations, such as a metrics scraper
type SharedStatisticsSource interface {
	StatisticsSource
	// Synchronized returns true if the allocator was created with AllocatorCreateSynchronized. Only
	// then may its statistics be read while it is in use elsewhere.
	Synchronized() bool
	// TryCalculateStatistics is CalculateStatistics, except that it returns false instead of
	// panicking once the allocator has been destroyed
	TryCalculateStatistics() (*AllocatorStatistics, bool)
}

func newAllocatorStatistics(deviceMemory *deviceMemory) *AllocatorStatistics {
	stats := &AllocatorStatistics{}
	stats.Total.Clear()

	if deviceMemory == nil {
		return stats
	}

	stats.MemoryTypes = make([]memutils.DetailedStatistics, deviceMemory.MemoryTypeCount())
	for typeIndex := range stats.MemoryTypes {
		stats.MemoryTypes[typeIndex].Clear()
	}

	stats.MemoryHeaps = make([]memutils.DetailedStatistics, deviceMemory.HeapCount())
	for heapIndex := range stats.MemoryHeaps {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	return stats
}

func (s *AllocatorStatistics) sumMemoryTypes(deviceMemory *deviceMemory) {
	for typeIndex := range s.MemoryTypes {
		heapIndex := deviceMemory.MemoryTypeProperties(typeIndex).HeapIndex
		s.MemoryHeaps[heapIndex].AddDetailedStatistics(&s.MemoryTypes[typeIndex])
	}

	for heapIndex := range s.MemoryHeaps {
		s.Total.AddDetailedStatistics(&s.MemoryHeaps[heapIndex])
	}
}

func (s *AllocatorStatistics) printJson(json *jwriter.ObjectState, deviceMemory *deviceMemory) {
	total := json.Name("Total").Object()
	s.Total.PrintJson(&total)
	total.End()

	heaps := json.Name("MemoryHeaps").Array()
	defer heaps.End()

	for heapIndex := range s.MemoryHeaps {
		heap := heaps.Object()
		heap.Name("Index").Int(heapIndex)

		heapStats := heap.Name("Stats").Object()
		s.MemoryHeaps[heapIndex].PrintJson(&heapStats)
		heapStats.End()

		types := heap.Name("MemoryTypes").Array()
		for typeIndex := range s.MemoryTypes {
			memoryType := deviceMemory.MemoryTypeProperties(typeIndex)
			if memoryType.HeapIndex != heapIndex {
				continue
			}

			typeObj := types.Object()
			typeObj.Name("Index").Int(typeIndex)
			typeObj.Name("PropertyFlags").String(memoryType.PropertyFlags.String())

			typeStats := typeObj.Name("Stats").Object()
			s.MemoryTypes[typeIndex].PrintJson(&typeStats)
			typeStats.End()

			typeObj.End()
		}
		types.End()

		heap.End()
	}
}
