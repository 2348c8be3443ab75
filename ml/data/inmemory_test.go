// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"testing"

	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDataset has 10 examples: inputs [10, 2] with values {i, 10*i}, labels [10, 1] with value i.
func newTestDataset(t *testing.T) *InMemoryDataset {
	inputs := make([]float64, 0, 20)
	labels := make([]float64, 0, 10)
	for ii := range 10 {
		inputs = append(inputs, float64(ii), float64(10*ii))
		labels = append(labels, float64(ii))
	}
	ds, err := InMemory("test", tensors.FromFlat(shapes.Float32, inputs, 10, 2), tensors.FromFlat(shapes.Float32, labels, 10, 1))
	require.NoError(t, err)
	return ds
}

// epochLabels reads one epoch and returns the labels yielded, in order.
func epochLabels(t *testing.T, ds *InMemoryDataset) []float64 {
	var all []float64
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return all
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		batch := labels[0].Shape().Dimensions[0]
		assert.Equal(t, []int{batch, 2}, inputs[0].Shape().Dimensions)
		assert.Equal(t, shapes.Float32, inputs[0].DType())
		for ii, label := range labels[0].Flat() {
			assert.Equal(t, 10*label, inputs[0].Flat()[2*ii+1], "inputs and labels must stay aligned")
		}
		all = append(all, labels[0].Flat()...)
	}
}

func TestInMemory(t *testing.T) {
	ds := newTestDataset(t).BatchSize(3)
	assert.Equal(t, 3, ds.NumBatches())
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8}, epochLabels(t, ds), "incomplete batch is dropped")
	ds.Reset()
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8}, epochLabels(t, ds))

	_, err := InMemory("bad", tensors.FromShape(shapes.Make(shapes.Float32, 3, 2)), tensors.FromShape(shapes.Make(shapes.Float32, 4)))
	require.Error(t, err)

	ds = newTestDataset(t).BatchSize(20)
	_, _, _, err = ds.Yield()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestInMemorySharding(t *testing.T) {
	var shards [][]float64
	for rank := range 3 {
		ds := newTestDataset(t).Shard(rank, 3).BatchSize(2)
		assert.Equal(t, 3, ds.ShardSize())
		assert.Equal(t, 1, ds.NumBatches(), "same number of steps on every shard")
		shards = append(shards, epochLabels(t, ds))
	}
	assert.Equal(t, [][]float64{{0, 3}, {1, 4}, {2, 5}}, shards)
	assert.Panics(t, func() { newTestDataset(t).Shard(3, 3) })
}

func TestInMemoryShuffleAndInfinite(t *testing.T) {
	ds := newTestDataset(t).Shuffle(42).BatchSize(5)
	first := epochLabels(t, ds)
	assert.ElementsMatch(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, first)

	// Deterministic for the same seed.
	again := newTestDataset(t).Shuffle(42).BatchSize(5)
	assert.Equal(t, first, epochLabels(t, again))

	ds = newTestDataset(t).BatchSize(4).Infinite(true)
	for range 10 {
		_, _, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Len(t, labels[0].Flat(), 4)
	}
}
