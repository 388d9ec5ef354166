package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/hostmem"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/vam"
	"sigs.k8s.io/yaml"
)

const (
	defaultSteps     = 1000
	defaultFreeRatio = 0.4
)

// RequestClass describes one kind of allocation the workload makes
type RequestClass struct {
	Name string `json:"name,omitempty"`
	// Weight is how likely this class is to be picked relative to the others
	Weight  int    `json:"weight,omitempty"`
	MinSize uint64 `json:"minSize"`
	MaxSize uint64 `json:"maxSize,omitempty"`
	// Alignment must be a power of two, or 0
	Alignment      uint64                  `json:"alignment,omitempty"`
	MemoryTypeBits uint32                  `json:"memoryTypeBits,omitempty"`
	RequiredFlags  vam.MemoryPropertyFlags `json:"requiredFlags,omitempty"`
	PreferredFlags vam.MemoryPropertyFlags `json:"preferredFlags,omitempty"`
}

// Workload is the document read by the simulate command
type Workload struct {
	Strategy vam.Strategy `json:"strategy,omitempty"`
	Seed     int64        `json:"seed,omitempty"`
	Steps    int          `json:"steps,omitempty"`
	// FreeRatio is the chance that a step frees a live allocation instead of making a new one. If
	// left out, defaultFreeRatio is used.
	FreeRatio *float64 `json:"freeRatio,omitempty"`

	Allocator vam.CreateOptions `json:"allocator,omitempty"`
	Device    hostmem.Options   `json:"device,omitempty"`
	Requests  []RequestClass    `json:"requests"`
}

func (w *Workload) applyDefaults() {
	if w.Steps == 0 {
		w.Steps = defaultSteps
	}
	if w.FreeRatio == nil {
		freeRatio := defaultFreeRatio
		w.FreeRatio = &freeRatio
	}

	for i := range w.Requests {
		request := &w.Requests[i]

		if request.Weight == 0 {
			request.Weight = 1
		}
		if request.MaxSize == 0 {
			request.MaxSize = request.MinSize
		}
		if request.MemoryTypeBits == 0 {
			request.MemoryTypeBits = 0xffffffff
		}
	}
}

func (w *Workload) validate() error {
	if w.Steps < 0 {
		return errors.Newf("steps must not be negative, but was %d", w.Steps)
	}
	if *w.FreeRatio < 0 || *w.FreeRatio >= 1 {
		return errors.Newf("freeRatio must be at least 0 and less than 1, but was %f", *w.FreeRatio)
	}
	if len(w.Requests) == 0 {
		return errors.New("the workload does not contain any requests")
	}

	for i, request := range w.Requests {
		if request.Weight < 0 {
			return errors.Newf("request %d has negative weight %d", i, request.Weight)
		}
		if request.MinSize == 0 {
			return errors.Newf("request %d must have a minSize greater than 0", i)
		}
		if request.MaxSize < request.MinSize {
			return errors.Newf("request %d has maxSize %d less than minSize %d", i, request.MaxSize, request.MinSize)
		}

		err := memutils.CheckPow2(request.Alignment, "alignment")
		if err != nil {
			return errors.Wrapf(err, "request %d", i)
		}
	}

	return nil
}

func parseWorkload(data []byte) (*Workload, error) {
	var workload Workload
	err := yaml.UnmarshalStrict(data, &workload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse workload")
	}

	workload.applyDefaults()

	err = workload.validate()
	if err != nil {
		return nil, err
	}

	return &workload, nil
}

func loadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read workload %s", path)
	}

	return parseWorkload(data)
}
