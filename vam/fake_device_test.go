package vam

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var errFakeOutOfMemory = errors.New("fake device is out of memory")

type fakeBlock struct {
	memoryTypeIndex int
	size            uint64
}

// fakeDevice hands out sequential block ids and remembers which ones are live
type fakeDevice struct {
	memoryTypes []MemoryType
	nextBlock   MemoryBlockID
	live        map[MemoryBlockID]fakeBlock

	// If non-negative, the number of allocations that will succeed before the device runs out of memory
	remainingAllocations int
	allocateCalls        int
	freeCalls            int
}

var _ Device = &fakeDevice{}

func newFakeDevice(memoryTypes ...MemoryType) *fakeDevice {
	return &fakeDevice{
		memoryTypes:          memoryTypes,
		nextBlock:            1,
		live:                 make(map[MemoryBlockID]fakeBlock),
		remainingAllocations: -1,
	}
}

func (d *fakeDevice) MemoryTypes() []MemoryType {
	return d.memoryTypes
}

func (d *fakeDevice) AllocateMemory(memoryTypeIndex int, size uint64) (MemoryBlockID, error) {
	d.allocateCalls++

	if d.remainingAllocations == 0 {
		return 0, errFakeOutOfMemory
	} else if d.remainingAllocations > 0 {
		d.remainingAllocations--
	}

	block := d.nextBlock
	d.nextBlock++
	d.live[block] = fakeBlock{memoryTypeIndex: memoryTypeIndex, size: size}
	return block, nil
}

func (d *fakeDevice) FreeMemory(memoryTypeIndex int, block MemoryBlockID, size uint64) {
	d.freeCalls++

	live, ok := d.live[block]
	if !ok {
		panic("fake device: freeing a block that is not live")
	}
	if live.memoryTypeIndex != memoryTypeIndex || live.size != size {
		panic("fake device: freeing a block with the wrong memory type or size")
	}

	delete(d.live, block)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func standardMemoryTypes() []MemoryType {
	return []MemoryType{
		{
			PropertyFlags: MemoryPropertyDeviceLocal,
			HeapIndex:     0,
		},
		{
			PropertyFlags: MemoryPropertyHostVisible | MemoryPropertyHostCoherent,
			HeapIndex:     1,
		},
		{
			PropertyFlags: MemoryPropertyHostVisible | MemoryPropertyHostCoherent | MemoryPropertyHostCached,
			HeapIndex:     1,
		},
	}
}

// requireIsError accepts errors marked with target as well as errors wrapping it
func requireIsError(t *testing.T, err error, target error) {
	t.Helper()

	require.Error(t, err)
	require.True(t, errors.Is(err, target), "expected %+v to be %v", err, target)
}

func requirePanicsWithError(t *testing.T, target error, f func()) {
	t.Helper()

	defer func() {
		t.Helper()

		recovered := recover()
		require.NotNil(t, recovered, "expected a panic")

		err, isErr := recovered.(error)
		require.True(t, isErr, "expected the panic value to be an error, got %v", recovered)
		requireIsError(t, err, target)
	}()

	f()
}
