// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializers

import (
	"testing"

	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/stretchr/testify/assert"
)

func TestRandomUniformFn(t *testing.T) {
	init0 := RandomUniformFn(42, 1.5, 2.5)
	values := init0(shapes.Make(shapes.Float32, 100)).Flat()
	for _, v := range values {
		assert.GreaterOrEqual(t, v, 1.5)
		assert.Less(t, v, 2.5)
	}

	// Same seed, same values: workers seeded alike start from the same replica.
	init1 := RandomUniformFn(42, 1.5, 2.5)
	assert.Equal(t, values, init1(shapes.Make(shapes.Float32, 100)).Flat())
}

func TestRandomNormalFn(t *testing.T) {
	values := RandomNormalFn(7, 1.0)(shapes.Make(shapes.Float64, 2)).Flat()
	assert.NotZero(t, values[0])
	assert.NotZero(t, values[1])
}

func TestBroadcastTensorToShape(t *testing.T) {
	initFn := BroadcastTensorToShape(tensors.FromFlat(shapes.Float64, []float64{7, 11, 17}, 3))
	got := initFn(shapes.Make(shapes.Float32, 2, 3))
	assert.Equal(t, []float64{7, 11, 17, 7, 11, 17}, got.Flat())
	assert.Equal(t, []float64{0, 0}, Zero(shapes.Make(shapes.Float32, 2)).Flat())
	assert.Equal(t, []float64{1, 1}, One(shapes.Make(shapes.Float32, 2)).Flat())
}
