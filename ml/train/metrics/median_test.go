// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingMedian(t *testing.T) {
	// Create an asymmetric sequence with known median:
	metric := NewMedianMetric("median", "med", "test", nil)
	assert.True(t, math.IsNaN(metric.Value()))

	// Sample from 0.01 < r < 1.0 randomly (so median r is expected to be 0.99/2 = 0.495),
	// and then feed StreamingMedian values of 1/r (so median is expected to be 1/0.495 = 2.0202020...).
	const numExamples = 100_001
	rng := rand.New(rand.NewPCG(1, 2))
	values := make([]float64, 0, numExamples)
	var median float64
	for range numExamples {
		r := 1 / (rng.Float64()*0.99 + 0.01)
		values = append(values, r)
		median = metric.Update(r)
	}
	slices.Sort(values)
	want := values[numExamples/2]
	require.InDelta(t, want, median, 0.01)
	assert.Equal(t, int64(numExamples), metric.Count())

	metric.Reset()
	assert.Equal(t, 3.0, metric.Update(3))
	assert.Equal(t, int64(1), metric.Count())
}
