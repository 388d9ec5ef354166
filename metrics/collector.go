// Package metrics exports allocator statistics to prometheus
package metrics

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/vam"
)

const (
	descTypeBlockCount = iota
	descTypeBlockBytes
	descTypeAllocationCount
	descTypeAllocationBytes
	descTypeUnusedRangeCount
	descHeapBlockBytes
	descHeapAllocationBytes
)

func newDescriptors(namespace string) []*prometheus.Desc {
	return []*prometheus.Desc{
		descTypeBlockCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "block_count"),
			"Number of device memory blocks held for a memory type.",
			[]string{"memory_type"},
			nil,
		),
		descTypeBlockBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "block_bytes"),
			"Size of the device memory blocks held for a memory type.",
			[]string{"memory_type"},
			nil,
		),
		descTypeAllocationCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "allocation_count"),
			"Number of live allocations of a memory type.",
			[]string{"memory_type"},
			nil,
		),
		descTypeAllocationBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "allocation_bytes"),
			"Size of the live allocations of a memory type.",
			[]string{"memory_type"},
			nil,
		),
		descTypeUnusedRangeCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_type", "unused_range_count"),
			"Number of free ranges in the pools of a memory type.",
			[]string{"memory_type"},
			nil,
		),
		descHeapBlockBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_heap", "block_bytes"),
			"Size of the device memory blocks held from a memory heap.",
			[]string{"heap"},
			nil,
		),
		descHeapAllocationBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "memory_heap", "allocation_bytes"),
			"Size of the live allocations made from a memory heap.",
			[]string{"heap"},
			nil,
		),
	}
}

// ErrUnsynchronizedSource is returned by NewCollector when the allocator was not created with
// vam.AllocatorCreateSynchronized
var ErrUnsynchronizedSource = errors.New("statistics source is not synchronized")

// Collector is a prometheus.Collector that reports the statistics of an allocator every time it
// is scraped. Once the allocator is destroyed, scrapes report nothing.
type Collector struct {
	source      vam.SharedStatisticsSource
	descriptors []*prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector for source. Metric names are prefixed with namespace, which may
// be left empty.
//
// Scrapes run on their own goroutines, so source must have been created with
// vam.AllocatorCreateSynchronized.
func NewCollector(namespace string, source vam.SharedStatisticsSource) (*Collector, error) {
	if !source.Synchronized() {
		return nil, errors.Wrap(ErrUnsynchronizedSource, "create the allocator with vam.AllocatorCreateSynchronized to collect metrics from it")
	}

	return &Collector{
		source:      source,
		descriptors: newDescriptors(namespace),
	}, nil
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descriptors {
		ch <- desc
	}
}

func (c *Collector) gauge(ch chan<- prometheus.Metric, desc int, value float64, label string) {
	ch <- prometheus.MustNewConstMetric(c.descriptors[desc], prometheus.GaugeValue, value, label)
}

func (c *Collector) collectMemoryType(ch chan<- prometheus.Metric, typeIndex int, stats *memutils.DetailedStatistics) {
	label := strconv.Itoa(typeIndex)

	c.gauge(ch, descTypeBlockCount, float64(stats.BlockCount), label)
	c.gauge(ch, descTypeBlockBytes, float64(stats.BlockBytes), label)
	c.gauge(ch, descTypeAllocationCount, float64(stats.AllocationCount), label)
	c.gauge(ch, descTypeAllocationBytes, float64(stats.AllocationBytes), label)
	c.gauge(ch, descTypeUnusedRangeCount, float64(stats.UnusedRangeCount), label)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats, ok := c.source.TryCalculateStatistics()
	if !ok {
		return
	}

	for typeIndex := range stats.MemoryTypes {
		c.collectMemoryType(ch, typeIndex, &stats.MemoryTypes[typeIndex])
	}

	for heapIndex := range stats.MemoryHeaps {
		label := strconv.Itoa(heapIndex)
		c.gauge(ch, descHeapBlockBytes, float64(stats.MemoryHeaps[heapIndex].BlockBytes), label)
		c.gauge(ch, descHeapAllocationBytes, float64(stats.MemoryHeaps[heapIndex].AllocationBytes), label)
	}
}
