package vam

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/hashicorp/go-multierror"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/memutils"
	"golang.org/x/exp/slog"
)

// memoryTypeArena owns every pool created for a single memory type. Pools are searched in the order
// they were created, and the arena only ever grows.
type memoryTypeArena struct {
	logger          *slog.Logger
	deviceMemory    *deviceMemory
	memoryTypeIndex int
	poolSize        uint64

	pools     []*memoryPool
	poolsByID *swiss.Map[MemoryBlockID, *memoryPool]
}

func newMemoryTypeArena(logger *slog.Logger, deviceMemory *deviceMemory, memoryTypeIndex int, poolSize uint64) *memoryTypeArena {
	return &memoryTypeArena{
		logger:          logger,
		deviceMemory:    deviceMemory,
		memoryTypeIndex: memoryTypeIndex,
		poolSize:        poolSize,
		poolsByID:       swiss.NewMap[MemoryBlockID, *memoryPool](42),
	}
}

func (a *memoryTypeArena) PoolCount() int {
	return len(a.pools)
}

func (a *memoryTypeArena) grow(size uint64) (*memoryPool, error) {
	poolSize := a.poolSize
	if size > poolSize {
		poolSize = size
	}

	block, err := a.deviceMemory.allocate(a.memoryTypeIndex, poolSize)
	if err != nil {
		return nil, err
	}

	if _, exists := a.poolsByID.Get(block); exists {
		panic(fmt.Sprintf("device returned memory block id %d, which is already in use by memory type %d", block, a.memoryTypeIndex))
	}

	pool := newMemoryPool(a.logger, a.memoryTypeIndex, block, poolSize)
	a.pools = append(a.pools, pool)
	a.poolsByID.Put(block, pool)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new pool",
		slog.Uint64("block.id", uint64(block)),
		slog.Int("memoryTypeIndex", a.memoryTypeIndex),
		slog.Uint64("size", poolSize),
	)

	return pool, nil
}

func (a *memoryTypeArena) allocate(size, alignment uint64, name string) (Allocation, error) {
	for _, pool := range a.pools {
		alloc, ok := pool.tryAllocate(size, alignment, name)
		if ok {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing pool", slog.Uint64("block.id", uint64(pool.block)))
			memutils.DebugValidate(pool)
			return alloc, nil
		}
	}

	pool, err := a.grow(size)
	if err != nil {
		return Allocation{}, err
	}

	// A fresh pool is at least size bytes and starts at offset 0, which satisfies any alignment
	alloc, ok := pool.tryAllocate(size, alignment, name)
	if !ok {
		panic(fmt.Sprintf("failed to allocate %d bytes from a new pool of size %d", size, pool.size))
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from new pool", slog.Uint64("block.id", uint64(pool.block)))
	memutils.DebugValidate(pool)
	return alloc, nil
}

func (a *memoryTypeArena) free(alloc Allocation) {
	pool, ok := a.poolsByID.Get(alloc.block)
	if !ok {
		panic(errors.Wrapf(ErrPoolNotFound, "attempted to free %s", alloc))
	}

	pool.free(alloc)
	memutils.DebugValidate(pool)
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from pool",
		slog.Int("MemoryTypeIndex", a.memoryTypeIndex),
		slog.Uint64("block.id", uint64(pool.block)),
	)
}

// destroy frees every pool's device memory. Live allocations are reported and cause an error to be
// returned, but the memory is freed regardless.
func (a *memoryTypeArena) destroy() error {
	var err error

	for _, pool := range a.pools {
		leakErr := pool.reportUnreleased()
		if leakErr != nil {
			err = multierror.Append(err, leakErr)
		}

		a.deviceMemory.free(a.memoryTypeIndex, pool.block, pool.size)
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted pool", slog.Uint64("block.id", uint64(pool.block)))
	}

	a.pools = nil
	a.poolsByID = swiss.NewMap[MemoryBlockID, *memoryPool](42)
	return err
}

func (a *memoryTypeArena) AddStatistics(stats *memutils.Statistics) {
	for _, pool := range a.pools {
		pool.AddStatistics(stats)
	}
}

func (a *memoryTypeArena) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, pool := range a.pools {
		pool.AddDetailedStatistics(stats)
	}
}

func (a *memoryTypeArena) Validate() error {
	if len(a.pools) != a.poolsByID.Count() {
		return errors.Newf("memory type %d has %d pools but %d indexed pools", a.memoryTypeIndex, len(a.pools), a.poolsByID.Count())
	}

	for _, pool := range a.pools {
		indexed, ok := a.poolsByID.Get(pool.block)
		if !ok || indexed != pool {
			return errors.Newf("pool %d of memory type %d is not indexed", pool.block, a.memoryTypeIndex)
		}

		err := pool.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *memoryTypeArena) PrintDetailedMap(writer *jwriter.Writer) {
	pools := writer.Array()
	defer pools.End()

	for _, pool := range a.pools {
		obj := pools.Object()
		pool.PrintDetailedMap(&obj)
		obj.End()
	}
}
