// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data is a collection of tools that facilitate data loading and preprocessing.
package data

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/gomlx/localsgd/ml/train"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/pkg/errors"
)

// InMemoryDataset yields batches of examples held in memory. Inputs and labels are tensors whose first
// axis is the example index.
//
// For data-parallel training each worker uses its own shard (see Shard). All shards have the same number
// of examples and incomplete batches are dropped, so every worker runs the same number of steps per epoch:
// a requirement of synchronous strategies like LocalSGD, where a worker running an extra step would wait
// forever for the others in the next synchronization round.
type InMemoryDataset struct {
	name           string
	inputs, labels *tensors.Tensor
	numExamples    int

	batchSize       int
	rank, numShards int
	infinite        bool
	shuffle         bool
	seed            int64

	order []int
	next  int
	epoch int64
}

var _ train.Dataset = (*InMemoryDataset)(nil)

// InMemory creates a dataset from the inputs and labels, which must have the same size in the
// first axis. By default, the batch size is 1, there is only one shard, it's not shuffled and it
// yields io.EOF at the end of each epoch.
func InMemory(name string, inputs, labels *tensors.Tensor) (*InMemoryDataset, error) {
	if inputs.Shape().Rank() < 1 || labels.Shape().Rank() < 1 {
		return nil, errors.Errorf("data.InMemory(%q): inputs (%s) and labels (%s) must have rank >= 1", name, inputs.Shape(), labels.Shape())
	}
	n := inputs.Shape().Dimensions[0]
	if labels.Shape().Dimensions[0] != n {
		return nil, errors.Errorf("data.InMemory(%q): inputs (%s) and labels (%s) have different number of examples", name, inputs.Shape(), labels.Shape())
	}
	if n == 0 {
		return nil, errors.Errorf("data.InMemory(%q): no examples", name)
	}
	ds := &InMemoryDataset{
		name:        name,
		inputs:      inputs,
		labels:      labels,
		numExamples: n,
		batchSize:   1,
		numShards:   1,
	}
	ds.Reset()
	return ds, nil
}

// BatchSize sets the number of examples per batch. Incomplete batches at the end of the epoch are dropped.
func (ds *InMemoryDataset) BatchSize(batchSize int) *InMemoryDataset {
	ds.batchSize = max(batchSize, 1)
	ds.Reset()
	return ds
}

// Shard makes the dataset yield only the shard `rank` out of `numShards`: the examples whose index modulo
// numShards is rank, truncated so that all shards have the same number of examples.
func (ds *InMemoryDataset) Shard(rank, numShards int) *InMemoryDataset {
	if numShards < 1 || rank < 0 || rank >= numShards {
		panic(errors.Errorf("data.InMemoryDataset.Shard(rank=%d, numShards=%d): invalid shard", rank, numShards))
	}
	ds.rank, ds.numShards = rank, numShards
	ds.Reset()
	return ds
}

// Shuffle the examples of the shard at every epoch, using the given seed. The order is deterministic
// for a given seed and epoch.
func (ds *InMemoryDataset) Shuffle(seed int64) *InMemoryDataset {
	ds.shuffle = true
	ds.seed = seed
	ds.Reset()
	return ds
}

// Infinite makes the dataset loop over the shard indefinitely, never returning io.EOF. Used with
// Loop.RunSteps.
func (ds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	ds.infinite = infinite
	return ds
}

// ShardSize returns the number of examples in each shard.
func (ds *InMemoryDataset) ShardSize() int {
	return ds.numExamples / ds.numShards
}

// NumBatches returns the number of batches yielded per epoch.
func (ds *InMemoryDataset) NumBatches() int {
	return ds.ShardSize() / ds.batchSize
}

// Name implements train.Dataset.
func (ds *InMemoryDataset) Name() string {
	if ds.numShards == 1 {
		return ds.name
	}
	return fmt.Sprintf("%s [shard %d/%d]", ds.name, ds.rank, ds.numShards)
}

// Reset implements train.Dataset. It starts a new epoch, reshuffling the examples if configured to.
func (ds *InMemoryDataset) Reset() {
	shardSize := ds.ShardSize()
	ds.order = make([]int, shardSize)
	for ii := range ds.order {
		ds.order[ii] = ii*ds.numShards + ds.rank
	}
	if ds.shuffle {
		rng := rand.New(rand.NewSource(ds.seed + ds.epoch))
		rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
	ds.next = 0
	ds.epoch++
}

// Yield implements train.Dataset. It returns one input and one label tensor, with the first axis set
// to the batch size.
func (ds *InMemoryDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.NumBatches() == 0 {
		return nil, nil, nil, errors.Errorf("dataset %q has %d examples per shard, not enough for a batch of %d",
			ds.Name(), ds.ShardSize(), ds.batchSize)
	}
	if ds.next+ds.batchSize > len(ds.order) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.Reset()
	}
	indices := ds.order[ds.next : ds.next+ds.batchSize]
	ds.next += ds.batchSize
	return ds, []*tensors.Tensor{gather(ds.inputs, indices)}, []*tensors.Tensor{gather(ds.labels, indices)}, nil
}

// gather returns the rows of t (indexed on the first axis) in the given order.
func gather(t *tensors.Tensor, indices []int) *tensors.Tensor {
	dims := t.Shape().Dimensions
	rowSize := 1
	for _, d := range dims[1:] {
		rowSize *= d
	}
	src := t.Flat()
	flat := make([]float64, 0, len(indices)*rowSize)
	for _, idx := range indices {
		flat = append(flat, src[idx*rowSize:(idx+1)*rowSize]...)
	}
	newDims := append([]int{len(indices)}, dims[1:]...)
	return tensors.FromFlat(t.DType(), flat, newDims...)
}
