package vulkan

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
	"github.com/vkngwrapper/suballoc/vam"
	"github.com/vkngwrapper/suballoc/vam/internal/utils"
)

// Device is a vam.Device that allocates core1_0.DeviceMemory from a vulkan device. Each
// block handed to the allocator is identified by a MemoryBlockID that can be resolved back
// to its DeviceMemory with Device.DeviceMemory.
type Device struct {
	mutex utils.OptionalRWMutex

	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
	allocateNext        common.Options
	priority            float32
	extensionData       *extensionData

	memoryTypes               []vam.MemoryType
	externalMemoryHandleTypes []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags
	heapSizes                 []int
	heapLimits                []int
	// Size of the memory currently allocated from each heap
	heapBytes []int64

	nextBlock vam.MemoryBlockID
	memory    *swiss.Map[vam.MemoryBlockID, core1_0.DeviceMemory]
}

var _ vam.Device = &Device{}

// NewDevice reads the memory properties of physicalDevice and prepares to allocate memory
// from device
func NewDevice(physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options DeviceOptions) (*Device, error) {
	memoryProperties := physicalDevice.MemoryProperties()

	heapCount := len(memoryProperties.MemoryHeaps)
	heapLimitCount := len(options.HeapSizeLimits)
	typeCount := len(memoryProperties.MemoryTypes)
	handleTypeCount := len(options.ExternalMemoryHandleTypes)

	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("vulkan.DeviceOptions.HeapSizeLimits was provided, but the length does not equal the number of PhysicalDevice heap types")
	}

	if handleTypeCount > 0 && handleTypeCount != typeCount {
		return nil, errors.New("vulkan.DeviceOptions.ExternalMemoryHandleTypes was provided, but the length does not equal the number of PhysicalDevice memory types")
	}

	if options.Priority < 0 || options.Priority > 1 {
		return nil, errors.Newf("vulkan.DeviceOptions.Priority must be between 0 and 1, but was %f", options.Priority)
	}

	memoryTypes := make([]vam.MemoryType, 0, typeCount)
	for _, memoryType := range memoryProperties.MemoryTypes {
		memoryTypes = append(memoryTypes, vam.MemoryType{
			PropertyFlags: vam.MemoryPropertyFlags(memoryType.PropertyFlags),
			HeapIndex:     memoryType.HeapIndex,
		})
	}

	heapSizes := make([]int, 0, heapCount)
	for _, heap := range memoryProperties.MemoryHeaps {
		heapSizes = append(heapSizes, heap.Size)
	}

	heapLimits := make([]int, heapCount)
	copy(heapLimits, options.HeapSizeLimits)

	return &Device{
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Synchronized,
		},

		device:              device,
		allocationCallbacks: options.VulkanCallbacks,
		allocateNext:        options.AllocateNext,
		priority:            options.priority(),
		extensionData:       newExtensionData(device),

		memoryTypes:               memoryTypes,
		externalMemoryHandleTypes: options.ExternalMemoryHandleTypes,
		heapSizes:                 heapSizes,
		heapLimits:                heapLimits,
		heapBytes:                 make([]int64, heapCount),

		memory: swiss.NewMap[vam.MemoryBlockID, core1_0.DeviceMemory](42),
	}, nil
}

// MemoryTypes returns the memory types of the physical device
func (d *Device) MemoryTypes() []vam.MemoryType {
	return d.memoryTypes
}

func (d *Device) maxHeapBytes(heapIndex int) int {
	maxSize := d.heapSizes[heapIndex]
	if d.heapLimits[heapIndex] > 0 && d.heapLimits[heapIndex] < maxSize {
		maxSize = d.heapLimits[heapIndex]
	}
	return maxSize
}

func (d *Device) reserveHeapBytes(heapIndex, allocationSize int) error {
	maxAllocatable := d.maxHeapBytes(heapIndex)

	for {
		currentVal := atomic.LoadInt64(&d.heapBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		if atomic.CompareAndSwapInt64(&d.heapBytes[heapIndex], currentVal, targetVal) {
			return nil
		}
	}
}

func (d *Device) releaseHeapBytes(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&d.heapBytes[heapIndex], int64(-allocationSize))

	if newVal < 0 {
		panic(fmt.Sprintf("allocated bytes for heapIndex %d went negative", heapIndex))
	}
}

func (d *Device) buildAllocateInfo(memoryTypeIndex int, size int) core1_0.MemoryAllocateInfo {
	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.Next = d.allocateNext
	allocInfo.MemoryTypeIndex = memoryTypeIndex
	allocInfo.AllocationSize = size

	if d.extensionData.UseMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.priority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	if d.extensionData.ExternalMemory && len(d.externalMemoryHandleTypes) > 0 {
		externalMemoryType := d.externalMemoryHandleTypes[memoryTypeIndex]
		if externalMemoryType != 0 {
			var exportMemoryAllocInfo khr_external_memory.ExportMemoryAllocateInfo
			exportMemoryAllocInfo.HandleTypes = externalMemoryType
			exportMemoryAllocInfo.Next = allocInfo.Next
			allocInfo.Next = exportMemoryAllocInfo
		}
	}

	return allocInfo
}

// AllocateMemory allocates a new core1_0.DeviceMemory of the requested size and memory type
func (d *Device) AllocateMemory(memoryTypeIndex int, size uint64) (vam.MemoryBlockID, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryTypes) {
		return 0, errors.Newf("memory type %d does not exist", memoryTypeIndex)
	}
	if size > math.MaxInt {
		return 0, errors.Newf("cannot allocate %d bytes of device memory", size)
	}

	heapIndex := d.memoryTypes[memoryTypeIndex].HeapIndex
	err := d.reserveHeapBytes(heapIndex, int(size))
	if err != nil {
		return 0, errors.Wrapf(err, "heap %d cannot hold another %d bytes", heapIndex, size)
	}

	memory, _, err := d.device.AllocateMemory(d.allocationCallbacks, d.buildAllocateInfo(memoryTypeIndex, int(size)))
	if err != nil {
		d.releaseHeapBytes(heapIndex, int(size))
		return 0, err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextBlock++
	d.memory.Put(d.nextBlock, memory)

	return d.nextBlock, nil
}

// FreeMemory frees a core1_0.DeviceMemory previously returned by AllocateMemory
func (d *Device) FreeMemory(memoryTypeIndex int, block vam.MemoryBlockID, size uint64) {
	d.mutex.Lock()
	memory, ok := d.memory.Get(block)
	if ok {
		d.memory.Delete(block)
	}
	d.mutex.Unlock()

	if !ok {
		panic(fmt.Sprintf("attempted to free unknown memory block %d", block))
	}

	memory.Free(d.allocationCallbacks)
	d.releaseHeapBytes(d.memoryTypes[memoryTypeIndex].HeapIndex, int(size))
}

// DeviceMemory returns the core1_0.DeviceMemory that backs a memory block
func (d *Device) DeviceMemory(block vam.MemoryBlockID) (core1_0.DeviceMemory, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.memory.Get(block)
}

// HeapBytes returns the number of bytes currently allocated from a memory heap
func (d *Device) HeapBytes(heapIndex int) int {
	return int(atomic.LoadInt64(&d.heapBytes[heapIndex]))
}

func (d *Device) allocationMemory(alloc vam.Allocation) (core1_0.DeviceMemory, int, error) {
	if alloc.IsNull() {
		return nil, 0, errors.New("attempted to bind a null allocation")
	}

	memory, ok := d.DeviceMemory(alloc.MemoryBlockID())
	if !ok {
		return nil, 0, errors.Newf("allocation %s does not belong to this device", alloc)
	}

	return memory, int(alloc.Offset()), nil
}

// BindBufferMemory binds a buffer to the memory of an allocation made against this Device
func (d *Device) BindBufferMemory(alloc vam.Allocation, buffer core1_0.Buffer) (common.VkResult, error) {
	memory, offset, err := d.allocationMemory(alloc)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return buffer.BindBufferMemory(memory, offset)
}

// BindImageMemory binds an image to the memory of an allocation made against this Device
func (d *Device) BindImageMemory(alloc vam.Allocation, image core1_0.Image) (common.VkResult, error) {
	memory, offset, err := d.allocationMemory(alloc)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return image.BindImageMemory(memory, offset)
}
