package vam

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
)

// FindMemoryTypeIndex returns the index of the memory type best suited to an allocation.
//
// memoryTypeBits is a bitmask of acceptable memory type indices, usually taken from a resource's
// memory requirements. A memory type is only considered if its bit is set and it carries every
// flag in requiredFlags. Among those, the first memory type that carries every flag in
// preferredFlags is chosen; if none do, the one missing the fewest preferred flags wins. With no
// preferred flags, this is the first acceptable memory type.
//
// ErrNoSuitableMemoryType is returned if no memory type is acceptable.
func FindMemoryTypeIndex(
	memoryTypes []MemoryType,
	memoryTypeBits uint32,
	requiredFlags MemoryPropertyFlags,
	preferredFlags MemoryPropertyFlags,
) (int, error) {
	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < len(memoryTypes) && memTypeIndex < 32; memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := memoryTypes[memTypeIndex].PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(ErrNoSuitableMemoryType, "memory type bits %#x, required flags %s", memoryTypeBits, requiredFlags)
	}

	return bestMemoryTypeIndex, nil
}
