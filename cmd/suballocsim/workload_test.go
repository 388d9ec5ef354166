package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/vam"
)

func TestLoadWorkload(t *testing.T) {
	workload, err := loadWorkload("testdata/workload.yaml")
	require.NoError(t, err)

	require.Equal(t, vam.StrategyPooled, workload.Strategy)
	require.Equal(t, int64(7), workload.Seed)
	require.Equal(t, 2000, workload.Steps)
	require.Equal(t, uint64(262144), workload.Allocator.PoolSize)
	require.Len(t, workload.Device.MemoryTypes, 3)
	require.Equal(t, vam.MemoryPropertyHostVisible|vam.MemoryPropertyHostCoherent|vam.MemoryPropertyHostCached,
		workload.Device.MemoryTypes[2].PropertyFlags)

	require.Equal(t, RequestClass{
		Name:           "readback",
		Weight:         1,
		MinSize:        4096,
		MaxSize:        524288,
		Alignment:      4096,
		MemoryTypeBits: 0xffffffff,
		RequiredFlags:  vam.MemoryPropertyHostVisible,
		PreferredFlags: vam.MemoryPropertyHostCached,
	}, workload.Requests[2])
}

func TestParseWorkloadDefaults(t *testing.T) {
	workload, err := parseWorkload([]byte(`
requests:
  - minSize: 128
`))
	require.NoError(t, err)

	require.Equal(t, vam.Strategy(""), workload.Strategy)
	require.Equal(t, defaultSteps, workload.Steps)
	require.Equal(t, defaultFreeRatio, *workload.FreeRatio)
	require.Equal(t, RequestClass{
		Weight:         1,
		MinSize:        128,
		MaxSize:        128,
		MemoryTypeBits: 0xffffffff,
	}, workload.Requests[0])
}

func TestParseWorkloadErrors(t *testing.T) {
	testCases := map[string]string{
		"No Requests":         `steps: 10`,
		"Unknown Field":       "requests: [{minSize: 1}]\nsparkles: true",
		"Zero Size":           `requests: [{maxSize: 10}]`,
		"Inverted Sizes":      `requests: [{minSize: 10, maxSize: 5}]`,
		"Bad Alignment":       `requests: [{minSize: 10, alignment: 12}]`,
		"Negative Weight":     `requests: [{minSize: 10, weight: -1}]`,
		"Bad Free Ratio":      "freeRatio: 1.5\nrequests: [{minSize: 10}]",
		"Negative Free Ratio": "freeRatio: -0.5\nrequests: [{minSize: 10}]",
		"Unknown Memory Flag": `requests: [{minSize: 10, requiredFlags: Sparkly}]`,
	}

	for name, document := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := parseWorkload([]byte(document))
			require.Error(t, err)
		})
	}
}

func TestParseWorkloadKeepsZeroFreeRatio(t *testing.T) {
	workload, err := parseWorkload([]byte(`
freeRatio: 0
requests:
  - minSize: 128
`))
	require.NoError(t, err)
	require.NotNil(t, workload.FreeRatio)
	require.Zero(t, *workload.FreeRatio)
}
