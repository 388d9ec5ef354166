package vam

import (
	"io"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/suballoc/vam/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateSynchronized makes the allocator serialize its public methods with an internal
	// mutex, so that it can be shared between goroutines. Without it, the consumer must guarantee
	// the allocator is only used from one goroutine at a time.
	AllocatorCreateSynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateSynchronized.Register("AllocatorCreateSynchronized")
}

const (
	// DefaultPoolSize is the size of each pool when none is provided via CreateOptions. It is
	// equal to 4Mb.
	DefaultPoolSize uint64 = 4 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags `json:"flags,omitempty"`
	// PoolSize is the number of bytes requested from the device for each pool. Allocations larger
	// than this get a pool of their own, sized to fit.
	PoolSize uint64 `json:"poolSize,omitempty"`
	// NaiveMemoryTypeBits has one bit set for each memory type index that should not be pooled.
	// Allocations from these memory types each get a dedicated block of device memory. This is
	// useful for memory types that will only ever see a handful of allocations.
	NaiveMemoryTypeBits uint32 `json:"naiveMemoryTypeBits,omitempty"`

	// MemoryCallbacks is an optional set of callbacks that will be executed when device memory
	// is allocated or freed by this allocator
	MemoryCallbacks *MemoryCallbackOptions `json:"-"`
}

func (o CreateOptions) poolSize() uint64 {
	if o.PoolSize == 0 {
		return DefaultPoolSize
	}

	return o.PoolSize
}

func loggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return logger
}

// New creates a new pooled Allocator. It cannot be used to allocate memory until Setup has been
// called.
//
// logger - The logger that allocator activity is written to. If nil, nothing is logged.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) *Allocator {
	return &Allocator{
		logger: loggerOrDiscard(logger),
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&AllocatorCreateSynchronized != 0,
		},

		createFlags:         options.Flags,
		poolSize:            options.poolSize(),
		naiveMemoryTypeBits: options.NaiveMemoryTypeBits,
		callbackOptions:     options.MemoryCallbacks,
	}
}

// NewNaive creates a NaiveAllocator, which makes one device allocation per request. PoolSize and
// NaiveMemoryTypeBits are ignored.
func NewNaive(logger *slog.Logger, options CreateOptions) *NaiveAllocator {
	return &NaiveAllocator{
		logger: loggerOrDiscard(logger),
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&AllocatorCreateSynchronized != 0,
		},
		callbackOptions: options.MemoryCallbacks,
	}
}
