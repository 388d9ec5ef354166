package vulkan

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
)

type extensionData struct {
	ExternalMemory    bool
	UseMemoryPriority bool
}

func newExtensionData(device core1_0.Device) *extensionData {
	data := &extensionData{}

	// Core 1.1 active - khr_external_memory was promoted
	if device.APIVersion().IsAtLeast(common.Vulkan1_1) {
		data.ExternalMemory = true
	}

	// khr_external_memory if core 1.1 is not active
	if !data.ExternalMemory && device.IsDeviceExtensionActive(khr_external_memory.ExtensionName) {
		data.ExternalMemory = true
	}

	// ext_memory_priority
	if device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName) {
		data.UseMemoryPriority = true
	}

	return data
}
