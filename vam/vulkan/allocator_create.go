package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
	"github.com/vkngwrapper/suballoc/vam"
	"golang.org/x/exp/slog"
)

const (
	// DefaultPriority is the priority passed to ext_memory_priority when none is provided via
	// DeviceOptions
	DefaultPriority float32 = 0.5
)

// DeviceOptions contains optional settings when creating a Device
type DeviceOptions struct {
	// Synchronized indicates that the Device will be used from more than one goroutine at a time
	Synchronized bool

	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan on memory
	// created from this device.
	VulkanCallbacks *driver.AllocationCallbacks

	// Priority is passed to ext_memory_priority for every pool allocated through this Device, if
	// the extension is active. It must be between 0 and 1. If it is left at 0, DefaultPriority is used.
	Priority float32

	// AllocateNext is an optional options chain that is appended to every MemoryAllocateInfo
	AllocateNext common.Options

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps in the PhysicalDevice
	// used to create this Device. Each entry must be either the maximum number of bytes
	// that should be allocated from the corresponding device memory heap, or 0 indicating
	// no limit.
	//
	// Heap memory limits will be enforced at runtime (the device will go so far as to
	// return an out of memory error when attempting to allocate beyond the limit).
	HeapSizeLimits []int

	// ExternalMemoryHandleTypes can be left empty. If it is provided though, it must be a slice
	// with a number of entries corresponding to the number of memory types in the PhysicalDevice
	// used to create this Device. Each entry must be either 0, indicating not to use external
	// memory, or a memory handle type, indicating which type of memory handles to use for
	// the memory type
	ExternalMemoryHandleTypes []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags
}

func (o DeviceOptions) priority() float32 {
	if o.Priority == 0 {
		return DefaultPriority
	}

	return o.Priority
}

// CreateOptions contains the settings used by New
type CreateOptions struct {
	Allocator vam.CreateOptions
	Device    DeviceOptions
}

// New creates a Device over the provided vulkan device and a pooled vam.Allocator that has already
// been set up against it. The Device is returned alongside the Allocator so that allocations can
// be resolved to core1_0.DeviceMemory and bound to buffers and images.
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*vam.Allocator, *Device, error) {
	if options.Allocator.Flags&vam.AllocatorCreateSynchronized != 0 {
		options.Device.Synchronized = true
	}

	memoryDevice, err := NewDevice(physicalDevice, device, options.Device)
	if err != nil {
		return nil, nil, err
	}

	allocator := vam.New(logger, options.Allocator)
	err = allocator.Setup(memoryDevice)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to set up the allocator")
	}

	return allocator, memoryDevice, nil
}
