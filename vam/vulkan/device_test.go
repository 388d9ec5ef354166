package vulkan

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory_capabilities"
	"github.com/vkngwrapper/suballoc/vam"
	"github.com/golang/mock/gomock"
	"golang.org/x/exp/slog"
)

type DeviceSetup struct {
	DeviceVersion    common.APIVersion
	DeviceExtensions []string
	MemoryTypes      []core1_0.MemoryType
	MemoryHeaps      []core1_0.MemoryHeap
}

func standardSetup() DeviceSetup {
	return DeviceSetup{
		DeviceVersion: common.Vulkan1_0,
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1000000,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size:  1000000,
				Flags: 0,
			},
		},
	}
}

func readyDevice(t *testing.T, ctrl *gomock.Controller, setup DeviceSetup, options DeviceOptions) (*mocks.MockDevice, *Device) {
	physicalDevice := mocks.NewMockPhysicalDevice(ctrl)
	device := mocks.NewMockDevice(ctrl)

	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: setup.MemoryHeaps,
	}).AnyTimes()

	device.EXPECT().APIVersion().Return(setup.DeviceVersion).AnyTimes()
	device.EXPECT().IsDeviceExtensionActive(gomock.Any()).DoAndReturn(func(extensionName string) bool {
		for _, active := range setup.DeviceExtensions {
			if active == extensionName {
				return true
			}
		}
		return false
	}).AnyTimes()

	memoryDevice, err := NewDevice(physicalDevice, device, options)
	require.NoError(t, err)

	return device, memoryDevice
}

func TestDeviceMemoryTypes(t *testing.T) {
	ctrl := gomock.NewController(t)

	_, device := readyDevice(t, ctrl, standardSetup(), DeviceOptions{})

	require.Equal(t, []vam.MemoryType{
		{
			PropertyFlags: vam.MemoryPropertyDeviceLocal,
			HeapIndex:     0,
		},
		{
			PropertyFlags: vam.MemoryPropertyHostVisible | vam.MemoryPropertyHostCoherent,
			HeapIndex:     1,
		},
	}, device.MemoryTypes())
}

func TestDeviceAllocateAndFree(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockDevice, device := readyDevice(t, ctrl, standardSetup(), DeviceOptions{})

	memory := mocks.EasyMockDeviceMemory(ctrl)
	mockDevice.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 1,
		AllocationSize:  4096,
	}).Return(memory, core1_0.VKSuccess, nil)

	block, err := device.AllocateMemory(1, 4096)
	require.NoError(t, err)
	require.Equal(t, 4096, device.HeapBytes(1))
	require.Equal(t, 0, device.HeapBytes(0))

	resolved, ok := device.DeviceMemory(block)
	require.True(t, ok)
	require.Equal(t, memory, resolved)

	memory.EXPECT().Free(nil)
	device.FreeMemory(1, block, 4096)
	require.Equal(t, 0, device.HeapBytes(1))

	_, ok = device.DeviceMemory(block)
	require.False(t, ok)

	require.Panics(t, func() {
		device.FreeMemory(1, block, 4096)
	})
}

func TestDeviceAllocateFailure(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockDevice, device := readyDevice(t, ctrl, standardSetup(), DeviceOptions{})

	mockDevice.EXPECT().AllocateMemory(gomock.Any(), gomock.Any()).
		Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())

	_, err := device.AllocateMemory(0, 4096)
	require.Error(t, err)
	require.Equal(t, 0, device.HeapBytes(0))

	_, err = device.AllocateMemory(2, 4096)
	require.Error(t, err)
}

func TestDeviceHeapSizeLimits(t *testing.T) {
	ctrl := gomock.NewController(t)

	mockDevice, device := readyDevice(t, ctrl, standardSetup(), DeviceOptions{
		HeapSizeLimits: []int{0, 5000},
	})

	memory := mocks.EasyMockDeviceMemory(ctrl)
	mockDevice.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 1,
		AllocationSize:  4096,
	}).Return(memory, core1_0.VKSuccess, nil)

	_, err := device.AllocateMemory(1, 4096)
	require.NoError(t, err)

	// The limit is enforced before the driver is asked for anything
	_, err = device.AllocateMemory(1, 4096)
	require.Error(t, err)
	require.Equal(t, 4096, device.HeapBytes(1))

	// Heap 0 has no limit other than its size
	_, err = device.AllocateMemory(0, 2000000)
	require.Error(t, err)
}

func TestDeviceOptionsValidation(t *testing.T) {
	ctrl := gomock.NewController(t)

	physicalDevice := mocks.NewMockPhysicalDevice(ctrl)
	device := mocks.NewMockDevice(ctrl)
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: standardSetup().MemoryTypes,
		MemoryHeaps: standardSetup().MemoryHeaps,
	}).AnyTimes()

	_, err := NewDevice(physicalDevice, device, DeviceOptions{HeapSizeLimits: []int{1}})
	require.Error(t, err)

	_, err = NewDevice(physicalDevice, device, DeviceOptions{
		ExternalMemoryHandleTypes: []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags{0},
	})
	require.Error(t, err)

	_, err = NewDevice(physicalDevice, device, DeviceOptions{Priority: 2})
	require.Error(t, err)
}

func TestDeviceAllocateInfoChain(t *testing.T) {
	ctrl := gomock.NewController(t)

	setup := standardSetup()
	setup.DeviceVersion = common.Vulkan1_1
	setup.DeviceExtensions = []string{ext_memory_priority.ExtensionName}

	mockDevice, device := readyDevice(t, ctrl, setup, DeviceOptions{
		Priority: 0.25,
		ExternalMemoryHandleTypes: []khr_external_memory_capabilities.ExternalMemoryHandleTypeFlags{
			0,
			khr_external_memory_capabilities.ExternalMemoryHandleTypeOpaqueFD,
		},
	})

	memory := mocks.EasyMockDeviceMemory(ctrl)
	mockDevice.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  1000,
		NextOptions: common.NextOptions{
			Next: ext_memory_priority.MemoryPriorityAllocateInfo{
				Priority: 0.25,
			},
		},
	}).Return(memory, core1_0.VKSuccess, nil)

	_, err := device.AllocateMemory(0, 1000)
	require.NoError(t, err)

	exportedMemory := mocks.EasyMockDeviceMemory(ctrl)
	mockDevice.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 1,
		AllocationSize:  1000,
		NextOptions: common.NextOptions{
			Next: khr_external_memory.ExportMemoryAllocateInfo{
				HandleTypes: khr_external_memory_capabilities.ExternalMemoryHandleTypeOpaqueFD,
				NextOptions: common.NextOptions{
					Next: ext_memory_priority.MemoryPriorityAllocateInfo{
						Priority: 0.25,
					},
				},
			},
		},
	}).Return(exportedMemory, core1_0.VKSuccess, nil)

	_, err = device.AllocateMemory(1, 1000)
	require.NoError(t, err)
}

func TestNewAllocatorBindsBuffers(t *testing.T) {
	ctrl := gomock.NewController(t)

	setup := standardSetup()
	physicalDevice := mocks.NewMockPhysicalDevice(ctrl)
	device := mocks.NewMockDevice(ctrl)
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: setup.MemoryHeaps,
	}).AnyTimes()
	device.EXPECT().APIVersion().Return(common.Vulkan1_0).AnyTimes()
	device.EXPECT().IsDeviceExtensionActive(gomock.Any()).Return(false).AnyTimes()

	deviceLocal := mocks.EasyMockDeviceMemory(ctrl)
	hostVisible := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  65536,
	}).Return(deviceLocal, core1_0.VKSuccess, nil)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 1,
		AllocationSize:  65536,
	}).Return(hostVisible, core1_0.VKSuccess, nil)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, memoryDevice, err := New(logger, physicalDevice, device, CreateOptions{
		Allocator: vam.CreateOptions{PoolSize: 65536},
	})
	require.NoError(t, err)

	first, err := allocator.Allocate(vam.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xffffffff,
	}, vam.AllocationCreateInfo{RequiredFlags: vam.MemoryPropertyHostVisible})
	require.NoError(t, err)

	second, err := allocator.Allocate(vam.MemoryRequirements{
		Size:           1000,
		Alignment:      256,
		MemoryTypeBits: 0xffffffff,
	}, vam.AllocationCreateInfo{RequiredFlags: vam.MemoryPropertyHostVisible})
	require.NoError(t, err)
	require.Equal(t, uint64(1024), second.Offset())

	buffer := mocks.NewMockBuffer(ctrl)
	buffer.EXPECT().BindBufferMemory(hostVisible, 1024).Return(core1_0.VKSuccess, nil)
	_, err = memoryDevice.BindBufferMemory(second, buffer)
	require.NoError(t, err)

	_, err = memoryDevice.BindBufferMemory(vam.Allocation{}, buffer)
	require.Error(t, err)

	require.NoError(t, allocator.Deallocate(first))
	require.NoError(t, allocator.Deallocate(second))

	deviceLocal.EXPECT().Free(nil)
	hostVisible.EXPECT().Free(nil)
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memoryDevice.HeapBytes(0))
	require.Equal(t, 0, memoryDevice.HeapBytes(1))
}
