package vam

import "github.com/cockroachdb/errors"

var (
	// ErrNoSuitableMemoryType is returned when no memory type satisfies both the requested memory
	// type bits and the required property flags
	ErrNoSuitableMemoryType = errors.New("no suitable memory type")
	// ErrDeviceAllocationFailed marks errors returned when the Device refused to provide a new block
	// of memory. The Device's own error is preserved as the cause.
	ErrDeviceAllocationFailed = errors.New("device memory allocation failed")
	// ErrPoolNotFound indicates an Allocation that did not come from the allocator it was returned to
	ErrPoolNotFound = errors.New("no memory pool owns the allocation")
	// ErrInvalidRequirements is returned when an allocation is requested with a size of zero or an
	// alignment that is not a power of two
	ErrInvalidRequirements = errors.New("invalid memory requirements")
)
