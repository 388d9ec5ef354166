package main

import (
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/hostmem"
	"github.com/vkngwrapper/suballoc/vam"
	"golang.org/x/exp/slog"
)

type liveAllocation struct {
	alloc   vam.Allocation
	pattern byte
}

// SimulationResult summarizes a single run of a workload
type SimulationResult struct {
	Strategy          vam.Strategy
	Steps             int
	Allocations       int
	Deallocations     int
	FailedAllocations int

	DeviceAllocations int
	DeviceFrees       int
	PeakLiveBytes     uint64
	PeakDeviceBytes   uint64

	// Statistics are taken after the last step, before the remaining allocations are freed
	Statistics  *vam.AllocatorStatistics
	StatsString string
}

type simulation struct {
	logger   *slog.Logger
	workload *Workload
	random   *rand.Rand
	result   *SimulationResult

	device      *hostmem.Device
	allocator   vam.StatsAllocator
	live        []liveAllocation
	liveBytes   uint64
	deviceBytes uint64
	totalWeight int
}

func newSimulation(logger *slog.Logger, workload *Workload) (*simulation, error) {
	device, err := hostmem.New(workload.Device)
	if err != nil {
		return nil, err
	}

	sim := &simulation{
		logger:   logger,
		workload: workload,
		random:   rand.New(rand.NewSource(workload.Seed)),
		result: &SimulationResult{
			Strategy: workload.Strategy,
		},
		device: device,
	}

	if sim.result.Strategy == "" {
		sim.result.Strategy = vam.StrategyPooled
	}

	for _, request := range workload.Requests {
		sim.totalWeight += request.Weight
	}

	options := workload.Allocator
	options.MemoryCallbacks = &vam.MemoryCallbackOptions{
		Allocate: func(allocator vam.MemoryAllocator, memoryType int, block vam.MemoryBlockID, size uint64, userData interface{}) {
			sim.result.DeviceAllocations++
			sim.deviceBytes += size
			if sim.deviceBytes > sim.result.PeakDeviceBytes {
				sim.result.PeakDeviceBytes = sim.deviceBytes
			}
		},
		Free: func(allocator vam.MemoryAllocator, memoryType int, block vam.MemoryBlockID, size uint64, userData interface{}) {
			sim.result.DeviceFrees++
			sim.deviceBytes -= size
		},
	}

	sim.allocator, err = vam.NewMemoryAllocator(logger, sim.result.Strategy, options)
	if err != nil {
		return nil, err
	}

	err = sim.allocator.Setup(device)
	if err != nil {
		return nil, err
	}

	return sim, nil
}

func (s *simulation) pickRequest() RequestClass {
	roll := s.random.Intn(s.totalWeight)
	for _, request := range s.workload.Requests {
		if roll < request.Weight {
			return request
		}
		roll -= request.Weight
	}

	panic("request weights changed during the simulation")
}

func (s *simulation) allocate(step int) error {
	request := s.pickRequest()

	size := request.MinSize
	if request.MaxSize > request.MinSize {
		size += uint64(s.random.Int63n(int64(request.MaxSize - request.MinSize + 1)))
	}

	alloc, err := s.allocator.Allocate(vam.MemoryRequirements{
		Size:           size,
		Alignment:      request.Alignment,
		MemoryTypeBits: request.MemoryTypeBits,
	}, vam.AllocationCreateInfo{
		RequiredFlags:  request.RequiredFlags,
		PreferredFlags: request.PreferredFlags,
		Name:           request.Name,
	})
	if errors.Is(err, vam.ErrDeviceAllocationFailed) {
		s.logger.Warn("allocation failed", slog.Int("step", step), slog.Uint64("size", size), slog.Any("error", err))
		s.result.FailedAllocations++
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "step %d", step)
	}

	data, err := s.device.Slice(alloc)
	if err != nil {
		return err
	}

	pattern := byte(step%255) + 1
	for i := range data {
		data[i] = pattern
	}

	s.live = append(s.live, liveAllocation{alloc: alloc, pattern: pattern})
	s.result.Allocations++
	s.liveBytes += size
	if s.liveBytes > s.result.PeakLiveBytes {
		s.result.PeakLiveBytes = s.liveBytes
	}

	return nil
}

func (s *simulation) free(index int) error {
	err := s.release(index)
	if err != nil {
		return err
	}

	s.result.Deallocations++
	return nil
}

// release deallocates a live allocation after checking that its contents are intact
func (s *simulation) release(index int) error {
	live := s.live[index]

	data, err := s.device.Slice(live.alloc)
	if err != nil {
		return err
	}

	for _, b := range data {
		if b != live.pattern {
			return errors.Newf("the contents of %s were overwritten by another allocation", live.alloc)
		}
	}

	err = s.allocator.Deallocate(live.alloc)
	if err != nil {
		return err
	}

	s.live[index] = s.live[len(s.live)-1]
	s.live = s.live[:len(s.live)-1]
	s.liveBytes -= live.alloc.Size()

	return nil
}

func (s *simulation) run(detailedMap bool) (*SimulationResult, error) {
	destroyed := false
	defer func() {
		if destroyed {
			return
		}

		// Live allocations are reported as unreleased, but their memory is returned to the device
		destroyErr := s.allocator.Destroy()
		if destroyErr != nil {
			s.logger.Warn("allocator destroyed after a failed simulation", slog.Any("error", destroyErr))
		}
	}()

	var err error
	freeRatio := *s.workload.FreeRatio
	for step := 0; step < s.workload.Steps; step++ {
		if len(s.live) > 0 && s.random.Float64() < freeRatio {
			err = s.free(s.random.Intn(len(s.live)))
		} else {
			err = s.allocate(step)
		}
		if err != nil {
			return nil, err
		}
	}

	s.result.Steps = s.workload.Steps

	err = s.allocator.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "allocator failed validation")
	}

	s.result.Statistics = s.allocator.CalculateStatistics()
	s.result.StatsString = s.allocator.BuildStatsString(detailedMap)

	// Leftovers are not deallocations made by the workload
	for len(s.live) > 0 {
		err = s.release(len(s.live) - 1)
		if err != nil {
			return nil, err
		}
	}

	destroyed = true
	err = s.allocator.Destroy()
	if err != nil {
		return nil, err
	}

	if s.device.BlockCount() != 0 {
		return nil, errors.Newf("%d memory blocks were still mapped after the allocator was destroyed", s.device.BlockCount())
	}

	return s.result, nil
}

func runSimulation(logger *slog.Logger, workload *Workload, detailedMap bool) (*SimulationResult, error) {
	sim, err := newSimulation(logger, workload)
	if err != nil {
		return nil, err
	}

	return sim.run(detailedMap)
}
