// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers include several weight initializers, to be used with context.
// They implement the context.VariableInitializer type.
package initializers

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
)

// VariableInitializer returns a value to initialize a variable of the given shape.
type VariableInitializer func(shape shapes.Shape) *tensors.Tensor

// Zero initializes variables with zero.
func Zero(shape shapes.Shape) *tensors.Tensor {
	return tensors.FromShape(shape)
}

// One initializes variables with one.
func One(shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	flat := t.Flat()
	for ii := range flat {
		flat[ii] = 1
	}
	return t
}

// NoSeed means the random number generator is seeded from the clock.
const NoSeed = int64(0)

// lockedRand serializes the access to a random number generator: initializers may be shared by
// contexts used in different goroutines.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(initialSeed int64) *lockedRand {
	seed := uint64(initialSeed)
	if initialSeed == NoSeed {
		seed = uint64(time.Now().UnixNano())
	}
	return &lockedRand{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *lockedRand) fill(t *tensors.Tensor, fn func(rng *rand.Rand) float64) *tensors.Tensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	flat := t.Flat()
	for ii := range flat {
		flat[ii] = fn(r.rng)
	}
	return t
}

// RandomNormalFn returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
//
// The parameter `initialSeed` is used to initialize the random number generator.
// If it is set to 0 (NoSeed), a random seed is instead generated (from the nanosecond clock).
func RandomNormalFn(initialSeed int64, stddev float64) VariableInitializer {
	r := newLockedRand(initialSeed)
	return func(shape shapes.Shape) *tensors.Tensor {
		return r.fill(tensors.FromShape(shape), func(rng *rand.Rand) float64 {
			return rng.NormFloat64() * stddev
		})
	}
}

// RandomUniformFn return an initializer that generates a random uniform values from [min, max).
//
// The parameter `initialSeed` is used to initialize the random number generator.
// If it is set to 0 (NoSeed), a random seed is instead generated (from the nanosecond clock).
func RandomUniformFn(initialSeed int64, min, max float64) VariableInitializer {
	r := newLockedRand(initialSeed)
	return func(shape shapes.Shape) *tensors.Tensor {
		return r.fill(tensors.FromShape(shape), func(rng *rand.Rand) float64 {
			return min + rng.Float64()*(max-min)
		})
	}
}

// BroadcastTensorToShape returns an initializer that repeats the values of the given tensor to fill
// the requested shape. It's used to initialize every worker's replica with the same values.
func BroadcastTensorToShape(t *tensors.Tensor) VariableInitializer {
	values := t.Flat()
	return func(shape shapes.Shape) *tensors.Tensor {
		result := tensors.FromShape(shape)
		flat := result.Flat()
		for ii := range flat {
			flat[ii] = values[ii%len(values)]
		}
		return result
	}
}
