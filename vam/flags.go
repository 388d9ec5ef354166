package vam

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

// MemoryPropertyFlags describes the properties of a memory type. The bit values match
// core1_0.MemoryPropertyFlags so device adapters can convert between the two directly.
type MemoryPropertyFlags int32

var memoryPropertyFlagsMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}
func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	// MemoryPropertyDeviceLocal indicates memory that is most efficient for device access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that can be mapped for host access
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates host writes are visible to the device without explicit flushes
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates memory that is cached on the host
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated indicates memory that is only backed as the device needs it
	MemoryPropertyLazilyAllocated
	// MemoryPropertyProtected indicates protected memory
	MemoryPropertyProtected
)

var memoryPropertyNames = map[string]MemoryPropertyFlags{
	"DeviceLocal":     MemoryPropertyDeviceLocal,
	"HostVisible":     MemoryPropertyHostVisible,
	"HostCoherent":    MemoryPropertyHostCoherent,
	"HostCached":      MemoryPropertyHostCached,
	"LazilyAllocated": MemoryPropertyLazilyAllocated,
	"Protected":       MemoryPropertyProtected,
}

func init() {
	for name, flag := range memoryPropertyNames {
		flag.Register(name)
	}
}

// ParseMemoryPropertyFlags reads flags in the same "A|B" form produced by MemoryPropertyFlags.String.
// An empty string or "None" parses to no flags.
func ParseMemoryPropertyFlags(str string) (MemoryPropertyFlags, error) {
	var flags MemoryPropertyFlags

	for _, name := range strings.Split(str, "|") {
		name = strings.TrimSpace(name)
		if name == "" || name == "None" {
			continue
		}

		flag, ok := memoryPropertyNames[name]
		if !ok {
			return 0, errors.Newf("unknown memory property flag: %q", name)
		}
		flags |= flag
	}

	return flags, nil
}

func (f MemoryPropertyFlags) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *MemoryPropertyFlags) UnmarshalText(text []byte) error {
	flags, err := ParseMemoryPropertyFlags(string(text))
	if err != nil {
		return err
	}

	*f = flags
	return nil
}
