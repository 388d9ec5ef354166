package metadata

import (
	"fmt"
	"sort"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

var (
	// ErrInvalidBounds is returned when a range is constructed with a start greater than its end
	ErrInvalidBounds = errors.New("range start is greater than range end")
	// ErrRangeNotFree is returned when a span that is expected to be entirely free is not
	ErrRangeNotFree = errors.New("range is not free")
	// ErrRangeOutOfBounds is returned when a span falls outside the bounds of a FreeRangeSet
	ErrRangeOutOfBounds = errors.New("range lies outside the bounds of the set")
)

// FreeMemoryRange is a contiguous span of free memory. Both Start and End are inclusive, so a
// range with Start == End covers a single byte.
type FreeMemoryRange struct {
	Start uint64
	End   uint64
}

// NewFreeMemoryRange returns ErrInvalidBounds if start > end
func NewFreeMemoryRange(start, end uint64) (FreeMemoryRange, error) {
	if start > end {
		return FreeMemoryRange{}, errors.Wrapf(ErrInvalidBounds, "start %d, end %d", start, end)
	}

	return FreeMemoryRange{Start: start, End: end}, nil
}

// Width returns the number of bytes covered by the range
func (r FreeMemoryRange) Width() uint64 {
	return r.End - r.Start + 1
}

func (r FreeMemoryRange) Contains(offset uint64) bool {
	return offset >= r.Start && offset <= r.End
}

func (r FreeMemoryRange) overlaps(start, end uint64) bool {
	return r.Start <= end && start <= r.End
}

func (r FreeMemoryRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// MaybeMergeWith combines two ranges into [min(start), max(end)] when they overlap or are directly
// adjacent. It returns false when there is at least one byte between the two ranges. The operation
// is commutative.
func (r FreeMemoryRange) MaybeMergeWith(other FreeMemoryRange) (FreeMemoryRange, bool) {
	lower, upper := r, other
	if upper.Start < lower.Start {
		lower, upper = upper, lower
	}

	// A range starting at 0 has no left neighbor; checking it this way avoids underflow
	if upper.Start != 0 && upper.Start-1 > lower.End {
		return FreeMemoryRange{}, false
	}

	end := lower.End
	if upper.End > end {
		end = upper.End
	}

	return FreeMemoryRange{Start: lower.Start, End: end}, true
}

// FreeRangeSet tracks which parts of a bounded span of memory are free. Ranges are kept in the
// order they were created: residuals of a split take the place of the range they were cut from,
// and a merged range takes the place of the earlier of its two parts. Every mutation leaves the
// set fully coalesced.
//
// Coalescing is quadratic in the number of free ranges. Pools are large and hold few live
// allocations, so the range count stays small.
type FreeRangeSet struct {
	bounds FreeMemoryRange
	ranges []FreeMemoryRange
}

var _ memutils.Validatable = &FreeRangeSet{}

// FullyFree creates a set over [start, end] where the whole span is free
func FullyFree(start, end uint64) (*FreeRangeSet, error) {
	bounds, err := NewFreeMemoryRange(start, end)
	if err != nil {
		return nil, err
	}

	return &FreeRangeSet{
		bounds: bounds,
		ranges: []FreeMemoryRange{bounds},
	}, nil
}

// FullyOccupied creates a set over [start, end] with no free ranges
func FullyOccupied(start, end uint64) (*FreeRangeSet, error) {
	bounds, err := NewFreeMemoryRange(start, end)
	if err != nil {
		return nil, err
	}

	return &FreeRangeSet{
		bounds: bounds,
		ranges: []FreeMemoryRange{},
	}, nil
}

func (s *FreeRangeSet) Bounds() FreeMemoryRange { return s.bounds }

// Ranges returns a copy of the free ranges in scan order
func (s *FreeRangeSet) Ranges() []FreeMemoryRange {
	ranges := make([]FreeMemoryRange, len(s.ranges))
	copy(ranges, s.ranges)
	return ranges
}

// FreeRegionsCount returns the number of distinct free ranges
func (s *FreeRangeSet) FreeRegionsCount() int { return len(s.ranges) }

// IsFull returns true if no byte in the set is free
func (s *FreeRangeSet) IsFull() bool { return len(s.ranges) == 0 }

// IsEmpty returns true if the whole bounded span is free
func (s *FreeRangeSet) IsEmpty() bool {
	return len(s.ranges) == 1 && s.ranges[0] == s.bounds
}

// SumFreeSize returns the number of free bytes in the set
func (s *FreeRangeSet) SumFreeSize() uint64 {
	var sum uint64
	for _, r := range s.ranges {
		sum += r.Width()
	}
	return sum
}

// FindFit returns the first range, in scan order, that is at least width bytes wide. It is
// first-fit, not best-fit: the returned range is not necessarily the tightest one.
func (s *FreeRangeSet) FindFit(width uint64) (FreeMemoryRange, bool) {
	for _, r := range s.ranges {
		if r.Width() >= width {
			return r, true
		}
	}

	return FreeMemoryRange{}, false
}

// FindAlignedFit returns the first range, in scan order, that can hold size bytes once its start
// has been rounded up to alignment, along with that aligned offset. alignment must be a power of two.
func (s *FreeRangeSet) FindAlignedFit(size uint64, alignment uint64) (FreeMemoryRange, uint64, bool) {
	memutils.DebugCheckPow2(alignment, "alignment")

	for _, r := range s.ranges {
		aligned := memutils.AlignUp(r.Start, alignment)
		if aligned < r.Start || aligned > r.End {
			// Overflowed, or the range ends before the next aligned offset
			continue
		}

		if r.End-aligned+1 >= size {
			return r, aligned, true
		}
	}

	return FreeMemoryRange{}, 0, false
}

func (s *FreeRangeSet) checkSpan(start, end uint64) error {
	if start > end {
		return errors.Wrapf(ErrInvalidBounds, "start %d, end %d", start, end)
	}

	if start < s.bounds.Start || end > s.bounds.End {
		return errors.Wrapf(ErrRangeOutOfBounds, "span [%d, %d] is outside of %s", start, end, s.bounds)
	}

	return nil
}

func (s *FreeRangeSet) indexContaining(offset uint64) int {
	for index, r := range s.ranges {
		if r.Contains(offset) {
			return index
		}
	}

	return -1
}

// carve removes [start, end] from the range at index, which must contain the whole span, and
// puts the surviving slivers in its place. It returns the number of slivers left behind.
func (s *FreeRangeSet) carve(index int, start, end uint64) int {
	containing := s.ranges[index]

	var residuals [2]FreeMemoryRange
	count := 0
	if containing.Start < start {
		residuals[count] = FreeMemoryRange{Start: containing.Start, End: start - 1}
		count++
	}
	if end < containing.End {
		residuals[count] = FreeMemoryRange{Start: end + 1, End: containing.End}
		count++
	}

	switch count {
	case 0:
		s.ranges = append(s.ranges[:index], s.ranges[index+1:]...)
	case 1:
		s.ranges[index] = residuals[0]
	case 2:
		s.ranges = append(s.ranges, FreeMemoryRange{})
		copy(s.ranges[index+2:], s.ranges[index+1:])
		s.ranges[index] = residuals[0]
		s.ranges[index+1] = residuals[1]
	}

	return count
}

// Occupy marks [start, end] as used. The whole span must currently lie within a single free
// range, as it does for any span derived from FindFit or FindAlignedFit; otherwise ErrRangeNotFree
// is returned and the set is unchanged.
func (s *FreeRangeSet) Occupy(start, end uint64) error {
	err := s.checkSpan(start, end)
	if err != nil {
		return err
	}

	index := s.indexContaining(start)
	if index < 0 || !s.ranges[index].Contains(end) {
		return errors.Wrapf(ErrRangeNotFree, "span [%d, %d]", start, end)
	}

	s.carve(index, start, end)
	memutils.DebugValidate(s)
	return nil
}

// Unfree marks [start, end] as used without requiring it to be free beforehand: whatever part of
// the span is currently free is removed from every range it touches.
func (s *FreeRangeSet) Unfree(start, end uint64) error {
	err := s.checkSpan(start, end)
	if err != nil {
		return err
	}

	for index := 0; index < len(s.ranges); {
		r := s.ranges[index]
		if !r.overlaps(start, end) {
			index++
			continue
		}

		low, high := start, end
		if r.Start > low {
			low = r.Start
		}
		if r.End < high {
			high = r.End
		}

		// Slivers left behind lie outside of [start, end], so skip past them
		index += s.carve(index, low, high)
	}

	memutils.DebugValidate(s)
	return nil
}

// Release marks [start, end] as free again and coalesces it with its neighbors
func (s *FreeRangeSet) Release(start, end uint64) error {
	err := s.checkSpan(start, end)
	if err != nil {
		return err
	}

	s.ranges = append(s.ranges, FreeMemoryRange{Start: start, End: end})
	s.coalesce()

	memutils.DebugValidate(s)
	return nil
}

func (s *FreeRangeSet) coalesce() {
	// One outer pass is enough: when ranges[i] grows it only absorbs ranges that touched it, so
	// anything before i that did not touch those ranges cannot touch the union either
	for i := 0; i < len(s.ranges); i++ {
		for j := i + 1; j < len(s.ranges); {
			merged, ok := s.ranges[i].MaybeMergeWith(s.ranges[j])
			if !ok {
				j++
				continue
			}

			s.ranges[i] = merged
			s.ranges = append(s.ranges[:j], s.ranges[j+1:]...)
			j = i + 1
		}
	}
}

// Validate checks that every range is well-formed and inside the bounds, and that no two ranges
// overlap or touch
func (s *FreeRangeSet) Validate() error {
	if s.bounds.Start > s.bounds.End {
		return errors.Errorf("set bounds %s are inverted", s.bounds)
	}

	sorted := s.Ranges()
	for _, r := range sorted {
		if r.Start > r.End {
			return errors.Errorf("free range %s is inverted", r)
		}
		if r.Start < s.bounds.Start || r.End > s.bounds.End {
			return errors.Errorf("free range %s lies outside of the set bounds %s", r, s.bounds)
		}
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start < sorted[j].Start
	})

	for index := 1; index < len(sorted); index++ {
		prev := sorted[index-1]
		next := sorted[index]

		if _, mergeable := prev.MaybeMergeWith(next); mergeable {
			return errors.Errorf("free ranges %s and %s overlap or are adjacent and should have been merged", prev, next)
		}
	}

	return nil
}

// AddUnusedRanges adds every free range to the provided statistics
func (s *FreeRangeSet) AddUnusedRanges(stats *memutils.DetailedStatistics) {
	for _, r := range s.ranges {
		stats.AddUnusedRange(r.Width())
	}
}

// WriteJSON populates a json object with the bounds and free ranges of this set
func (s *FreeRangeSet) WriteJSON(json *jwriter.ObjectState) {
	json.Name("Start").Int(int(s.bounds.Start))
	json.Name("End").Int(int(s.bounds.End))
	json.Name("UnusedBytes").Int(int(s.SumFreeSize()))

	ranges := json.Name("FreeRanges").Array()
	defer ranges.End()

	for _, r := range s.ranges {
		obj := ranges.Object()
		obj.Name("Start").Int(int(r.Start))
		obj.Name("End").Int(int(r.End))
		obj.End()
	}
}

func (s *FreeRangeSet) String() string {
	var builder strings.Builder
	builder.WriteString(s.bounds.String())
	builder.WriteString(":")
	for _, r := range s.ranges {
		builder.WriteString(" ")
		builder.WriteString(r.String())
	}
	return builder.String()
}
