package vam

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// MemoryAllocator is the interface shared by every allocation strategy. Consumers should pick a
// strategy once, when their rendering context is created, and only talk to this interface after
// that.
type MemoryAllocator interface {
	// Setup binds the allocator to a device. It must be called exactly once, before any other method.
	Setup(device Device) error
	// Allocate returns a new allocation satisfying the requirements
	Allocate(requirements MemoryRequirements, createInfo AllocationCreateInfo) (Allocation, error)
	// Deallocate returns an allocation to the allocator. Each allocation must be deallocated
	// exactly once.
	Deallocate(alloc Allocation) error
	// Destroy returns all device memory held by the allocator. The allocator cannot be used afterward.
	Destroy() error
}

// Strategy selects a MemoryAllocator implementation
type Strategy string

const (
	// StrategyPooled selects Allocator
	StrategyPooled Strategy = "pooled"
	// StrategyNaive selects NaiveAllocator
	StrategyNaive Strategy = "naive"
)

// StatsAllocator is a MemoryAllocator that can also report on its memory usage
type StatsAllocator interface {
	MemoryAllocator
	SharedStatisticsSource
	Validate() error
	BuildStatsString(detailedMap bool) string
}

var _ StatsAllocator = &Allocator{}
var _ StatsAllocator = &NaiveAllocator{}

// NewMemoryAllocator creates an allocator using the requested strategy. An empty strategy selects
// StrategyPooled.
func NewMemoryAllocator(logger *slog.Logger, strategy Strategy, options CreateOptions) (StatsAllocator, error) {
	switch strategy {
	case StrategyPooled, "":
		return New(logger, options), nil
	case StrategyNaive:
		return NewNaive(logger, options), nil
	default:
		return nil, errors.Newf("unknown allocation strategy: %q", string(strategy))
	}
}
