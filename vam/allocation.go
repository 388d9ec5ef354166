package vam

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = make(map[allocationType]string)

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

func init() {
	allocationTypeMapping[allocationTypeNone] = "allocationTypeNone"
	allocationTypeMapping[allocationTypeBlock] = "allocationTypeBlock"
	allocationTypeMapping[allocationTypeDedicated] = "allocationTypeDedicated"
}

// Allocation is a span of device memory handed out by a MemoryAllocator. It is a plain value:
// copies refer to the same span, and it must be returned to the allocator that issued it exactly
// once. The zero value is the null allocation.
//
// To bind a resource to an Allocation, use MemoryBlockID and Offset.
type Allocation struct {
	allocationType  allocationType
	memoryTypeIndex int
	block           MemoryBlockID
	offset          uint64
	size            uint64
	padding         uint64
}

// MemoryBlockID is the device memory block containing this allocation
func (a Allocation) MemoryBlockID() MemoryBlockID { return a.block }

// Offset is the aligned offset of this allocation from the start of its memory block
func (a Allocation) Offset() uint64 { return a.offset }

// Size is the number of bytes that were requested for this allocation
func (a Allocation) Size() uint64 { return a.size }

func (a Allocation) MemoryTypeIndex() int { return a.memoryTypeIndex }

// Padding is the number of bytes skipped before Offset to satisfy the allocation's alignment.
// They are reserved along with the allocation and reclaimed when it is freed.
func (a Allocation) Padding() uint64 { return a.padding }

// IsDedicated returns true if this allocation occupies a whole device memory block of its own
func (a Allocation) IsDedicated() bool { return a.allocationType == allocationTypeDedicated }

func (a Allocation) IsNull() bool { return a.allocationType == allocationTypeNone }

func (a Allocation) String() string {
	if a.IsNull() {
		return "Allocation{null}"
	}

	return fmt.Sprintf("Allocation{type: %s, memoryType: %d, block: %d, offset: %d, size: %d}",
		a.allocationType, a.memoryTypeIndex, a.block, a.offset, a.size)
}

func (a Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.allocationType.String())
	json.Name("MemoryType").Int(a.memoryTypeIndex)
	json.Name("Block").Int(int(a.block))
	json.Name("Offset").Int(int(a.offset))
	json.Name("Size").Int(int(a.size))
}

// MemoryRequirements describes the memory needed by a single resource
type MemoryRequirements struct {
	// Size is the number of bytes needed. It must be greater than zero.
	Size uint64
	// Alignment is the required alignment of the allocation's offset. It must be a power of two,
	// or zero for no alignment.
	Alignment uint64
	// MemoryTypeBits is a bitmask with one bit set for every memory type index the resource can use
	MemoryTypeBits uint32
}

// AllocationCreateInfo contains the caller's preferences for a single allocation
type AllocationCreateInfo struct {
	// RequiredFlags are property flags the selected memory type must have
	RequiredFlags MemoryPropertyFlags
	// PreferredFlags are property flags the allocator will try to find in the selected memory type,
	// but will do without if necessary
	PreferredFlags MemoryPropertyFlags
	// MemoryTypeBits further restricts MemoryRequirements.MemoryTypeBits. Zero means no restriction.
	MemoryTypeBits uint32
	// Name is kept with the allocation and reported if it is still live when the allocator is destroyed
	Name string
}
