package metrics_test

import (
	"io"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/hostmem"
	"github.com/vkngwrapper/suballoc/metrics"
	"github.com/vkngwrapper/suballoc/vam"
	"golang.org/x/exp/slog"
)

func gaugeValues(t *testing.T, families []*dto.MetricFamily, name string) map[string]float64 {
	t.Helper()

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

		require.Equal(t, dto.MetricType_GAUGE, family.GetType())

		values := make(map[string]float64)
		for _, metric := range family.GetMetric() {
			require.Len(t, metric.GetLabel(), 1)
			values[metric.GetLabel()[0].GetValue()] = metric.GetGauge().GetValue()
		}
		return values
	}

	require.Failf(t, "metric not found", "no metric family named %s", name)
	return nil
}

func TestCollector(t *testing.T) {
	device, err := hostmem.New(hostmem.Options{})
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator := vam.New(logger, vam.CreateOptions{
		Flags:    vam.AllocatorCreateSynchronized,
		PoolSize: 4096,
	})
	require.NoError(t, allocator.Setup(device))

	alloc, err := allocator.Allocate(vam.MemoryRequirements{
		Size:           1000,
		MemoryTypeBits: 0xffffffff,
	}, vam.AllocationCreateInfo{RequiredFlags: vam.MemoryPropertyHostVisible})
	require.NoError(t, err)

	collector, err := metrics.NewCollector("suballoc", allocator)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(collector))

	families, err := registry.Gather()
	require.NoError(t, err)

	require.Equal(t, map[string]float64{"0": 1, "1": 1, "2": 1},
		gaugeValues(t, families, "suballoc_memory_type_block_count"))
	require.Equal(t, map[string]float64{"0": 0, "1": 1, "2": 0},
		gaugeValues(t, families, "suballoc_memory_type_allocation_count"))
	require.Equal(t, map[string]float64{"0": 0, "1": 1000, "2": 0},
		gaugeValues(t, families, "suballoc_memory_type_allocation_bytes"))
	require.Equal(t, map[string]float64{"0": 1, "1": 1, "2": 1},
		gaugeValues(t, families, "suballoc_memory_type_unused_range_count"))
	require.Equal(t, map[string]float64{"0": 4096, "1": 8192},
		gaugeValues(t, families, "suballoc_memory_heap_block_bytes"))
	require.Equal(t, map[string]float64{"0": 0, "1": 1000},
		gaugeValues(t, families, "suballoc_memory_heap_allocation_bytes"))

	require.NoError(t, allocator.Deallocate(alloc))

	families, err = registry.Gather()
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"0": 0, "1": 0},
		gaugeValues(t, families, "suballoc_memory_heap_allocation_bytes"))

	require.NoError(t, allocator.Destroy())

	families, err = registry.Gather()
	require.NoError(t, err)
	require.Empty(t, families)
}

func TestCollectorRejectsUnsynchronizedAllocators(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := metrics.NewCollector("suballoc", vam.New(logger, vam.CreateOptions{}))
	require.True(t, errors.Is(err, metrics.ErrUnsynchronizedSource))

	_, err = metrics.NewCollector("suballoc", vam.NewNaive(logger, vam.CreateOptions{}))
	require.True(t, errors.Is(err, metrics.ErrUnsynchronizedSource))

	_, err = metrics.NewCollector("suballoc", vam.NewNaive(logger, vam.CreateOptions{
		Flags: vam.AllocatorCreateSynchronized,
	}))
	require.NoError(t, err)
}

func TestCollectorScrapesWhileAllocating(t *testing.T) {
	device, err := hostmem.New(hostmem.Options{})
	require.NoError(t, err)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator := vam.New(logger, vam.CreateOptions{
		Flags:    vam.AllocatorCreateSynchronized,
		PoolSize: 4096,
	})
	require.NoError(t, allocator.Setup(device))

	collector, err := metrics.NewCollector("suballoc", allocator)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(collector))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case <-done:
				return
			default:
			}

			_, gatherErr := registry.Gather()
			if gatherErr != nil {
				t.Error(gatherErr)
				return
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		alloc, err := allocator.Allocate(vam.MemoryRequirements{
			Size:           uint64(16 + i%512),
			Alignment:      16,
			MemoryTypeBits: 0xffffffff,
		}, vam.AllocationCreateInfo{RequiredFlags: vam.MemoryPropertyHostVisible})
		require.NoError(t, err)
		require.NoError(t, allocator.Deallocate(alloc))
	}

	close(done)
	wg.Wait()

	// Destroying while a scrape is in flight must not panic
	destroyed := make(chan error)
	go func() {
		destroyed <- allocator.Destroy()
	}()
	_, err = registry.Gather()
	require.NoError(t, err)
	require.NoError(t, <-destroyed)
}
