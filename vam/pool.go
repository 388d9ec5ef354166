package vam

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

type suballocation struct {
	paddedOffset uint64
	size         uint64
	name         string
}

func (s suballocation) end(offset uint64) uint64 {
	return offset + s.size - 1
}

// memoryPool is a single block of device memory that is carved up into many allocations
type memoryPool struct {
	logger          *slog.Logger
	memoryTypeIndex int
	block           MemoryBlockID
	size            uint64

	freeRanges *metadata.FreeRangeSet
	// Live suballocations, keyed by aligned offset
	live *swiss.Map[uint64, suballocation]
}

func newMemoryPool(logger *slog.Logger, memoryTypeIndex int, block MemoryBlockID, size uint64) *memoryPool {
	if size == 0 {
		panic("attempting to create a memory pool with a size of 0")
	}

	freeRanges, err := metadata.FullyFree(0, size-1)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when creating free ranges for a pool of size %d: %+v", size, err))
	}

	return &memoryPool{
		logger:          logger,
		memoryTypeIndex: memoryTypeIndex,
		block:           block,
		size:            size,
		freeRanges:      freeRanges,
		live:            swiss.NewMap[uint64, suballocation](42),
	}
}

func (p *memoryPool) tryAllocate(size, alignment uint64, name string) (Allocation, bool) {
	fit, offset, found := p.freeRanges.FindAlignedFit(size, alignment)
	if !found {
		return Allocation{}, false
	}

	// The bytes skipped for alignment stay with the allocation until it is freed
	err := p.freeRanges.Occupy(fit.Start, offset+size-1)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when occupying a range that was just found to be free: %+v", err))
	}

	p.live.Put(offset, suballocation{
		paddedOffset: fit.Start,
		size:         size,
		name:         name,
	})

	return Allocation{
		allocationType:  allocationTypeBlock,
		memoryTypeIndex: p.memoryTypeIndex,
		block:           p.block,
		offset:          offset,
		size:            size,
		padding:         offset - fit.Start,
	}, true
}

func (p *memoryPool) free(alloc Allocation) {
	sub, ok := p.live.Get(alloc.offset)
	if !ok || sub.size != alloc.size {
		panic(errors.Wrapf(metadata.ErrRangeNotFree,
			"attempted to free %s, but pool %d has no live allocation at that offset", alloc, p.block))
	}

	err := p.freeRanges.Release(sub.paddedOffset, sub.end(alloc.offset))
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing %s: %+v", alloc, err))
	}

	p.live.Delete(alloc.offset)
}

func (p *memoryPool) IsEmpty() bool {
	return p.live.Count() == 0
}

func (p *memoryPool) AllocationCount() int {
	return p.live.Count()
}

// AddStatistics counts the requested size of each live allocation. Alignment padding is neither
// allocated nor unused.
func (p *memoryPool) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += p.size
	stats.AllocationCount += p.live.Count()
	p.live.Iter(func(offset uint64, sub suballocation) bool {
		stats.AllocationBytes += sub.size
		return false
	})
}

func (p *memoryPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += p.size

	p.live.Iter(func(offset uint64, sub suballocation) bool {
		stats.AddAllocation(sub.size)
		return false
	})

	p.freeRanges.AddUnusedRanges(stats)
}

func (p *memoryPool) Validate() error {
	if p.size < 1 {
		return errors.New("this memory pool has an invalid size")
	}

	err := p.freeRanges.Validate()
	if err != nil {
		return errors.Wrapf(err, "pool %d has invalid free ranges", p.block)
	}

	var liveBytes uint64
	p.live.Iter(func(offset uint64, sub suballocation) bool {
		if sub.paddedOffset > offset {
			err = errors.Newf("allocation at offset %d has a padded offset of %d", offset, sub.paddedOffset)
			return true
		}

		end := sub.end(offset)
		if end >= p.size {
			err = errors.Newf("allocation at offset %d with size %d extends past the end of the pool", offset, sub.size)
			return true
		}

		for _, r := range p.freeRanges.Ranges() {
			if r.Start <= end && sub.paddedOffset <= r.End {
				err = errors.Newf("allocation at offset %d with size %d overlaps free range %s", offset, sub.size, r)
				return true
			}
		}

		liveBytes += end - sub.paddedOffset + 1
		return false
	})
	if err != nil {
		return err
	}

	if liveBytes+p.freeRanges.SumFreeSize() != p.size {
		return errors.Newf("pool %d has %d live bytes and %d free bytes, but a size of %d",
			p.block, liveBytes, p.freeRanges.SumFreeSize(), p.size)
	}

	return nil
}

func (p *memoryPool) sortedOffsets() []uint64 {
	offsets := make([]uint64, 0, p.live.Count())
	p.live.Iter(func(offset uint64, _ suballocation) bool {
		offsets = append(offsets, offset)
		return false
	})
	slices.Sort(offsets)
	return offsets
}

// reportUnreleased logs every live allocation in the pool and returns an error if there were any
func (p *memoryPool) reportUnreleased() error {
	if p.IsEmpty() {
		return nil
	}

	for _, offset := range p.sortedOffsets() {
		sub, _ := p.live.Get(offset)
		name := sub.name
		if name == "" {
			name = "empty"
		}

		p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.Int("memoryTypeIndex", p.memoryTypeIndex),
			slog.Uint64("block.id", uint64(p.block)),
			slog.Uint64("offset", offset),
			slog.Uint64("size", sub.size),
			slog.String("name", name),
		)
	}

	return errors.Newf("%d allocations in memory type %d, pool %d were not freed before the pool was destroyed",
		p.live.Count(), p.memoryTypeIndex, p.block)
}

func (p *memoryPool) PrintDetailedMap(json *jwriter.ObjectState) {
	json.Name("Block").Int(int(p.block))
	json.Name("TotalBytes").Int(int(p.size))
	json.Name("AllocationCount").Int(p.live.Count())

	rangesObj := json.Name("FreeRanges").Object()
	p.freeRanges.WriteJSON(&rangesObj)
	rangesObj.End()

	allocations := json.Name("Allocations").Array()
	defer allocations.End()

	for _, offset := range p.sortedOffsets() {
		sub, _ := p.live.Get(offset)

		obj := allocations.Object()
		obj.Name("Offset").Int(int(offset))
		obj.Name("Size").Int(int(sub.size))
		obj.Name("Padding").Int(int(offset - sub.paddedOffset))
		if sub.name != "" {
			obj.Name("Name").String(sub.name)
		}
		obj.End()
	}
}
