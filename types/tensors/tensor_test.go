// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/localsgd/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAnyValue(t *testing.T) {
	tensor, err := FromAnyValue(3)
	require.NoError(t, err)
	assert.Equal(t, shapes.Int64, tensor.DType())
	assert.Equal(t, int64(3), tensor.Value())

	tensor, err = FromAnyValue([]float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "(Float32)[3]", tensor.Shape().String())
	assert.Equal(t, []float64{1, 2, 3}, tensor.Value())

	_, err = FromAnyValue("x")
	assert.Error(t, err)
	_, err = FromAnyValue([]float64{})
	assert.Error(t, err)
}

func TestScalar(t *testing.T) {
	step := FromScalar(shapes.Int64, -1)
	assert.Equal(t, int64(-1), ToScalar[int64](step))
	step.SetScalar(7)
	assert.Equal(t, 7, ToScalar[int](step))
	assert.Panics(t, func() { _ = ToScalar[int](FromShape(shapes.Make(shapes.Float32, 2))) })
}

func TestCloneAndCopy(t *testing.T) {
	a := FromFlat(shapes.Float64, []float64{1, 2, 3, 4}, 2, 2)
	b := a.Clone()
	b.Flat()[0] = 10
	assert.Equal(t, 1.0, a.Flat()[0])
	assert.False(t, a.Equal(b))

	require.NoError(t, a.CopyFrom(b))
	assert.True(t, a.Equal(b))
	assert.Error(t, a.CopyFrom(FromShape(shapes.Make(shapes.Float64, 4))))
	assert.True(t, a.InDelta(FromFlat(shapes.Float64, []float64{10, 2, 3, 4.001}, 2, 2), 0.01))
}

func TestBytes(t *testing.T) {
	for _, dtype := range []shapes.DType{shapes.Int64, shapes.Float16, shapes.Float32, shapes.Float64} {
		t.Run(dtype.String(), func(t *testing.T) {
			original := FromFlat(dtype, []float64{-2, 0.5, 3, 1024}, 4)
			if dtype == shapes.Int64 {
				assert.Equal(t, []float64{-2, 0, 3, 1024}, original.Flat())
			}
			data := original.Bytes()
			assert.Len(t, data, 4*dtype.Size())
			decoded, err := FromBytes(original.Shape(), data)
			require.NoError(t, err)
			assert.True(t, original.Equal(decoded), "%s != %s", original, decoded)
		})
	}
	_, err := FromBytes(shapes.Make(shapes.Float32, 3), []byte{1, 2})
	assert.Error(t, err)
}

func TestInt64Truncation(t *testing.T) {
	counter := FromScalar(shapes.Int64, 2.7)
	assert.Equal(t, 2.0, counter.Flat()[0])
	counter.SetScalar(-3.9)
	assert.Equal(t, int64(-3), counter.Value())

	values := FromShape(shapes.Make(shapes.Int64, 3))
	require.NoError(t, values.CopyFrom(FromFlat(shapes.Float64, []float64{0.5, -1.5, 7.25}, 3)))
	assert.Equal(t, []float64{0, -1, 7}, values.Flat())

	values.Flat()[0] = 4.5
	values.Conform()
	assert.Equal(t, []float64{4, -1, 7}, values.Flat())

	// What is in memory is what gets serialized.
	decoded, err := FromBytes(values.Shape(), values.Bytes())
	require.NoError(t, err)
	assert.True(t, values.Equal(decoded))

	// Float tensors are not touched.
	f := FromScalar(shapes.Float64, 2.7)
	assert.Equal(t, 2.7, f.Conform().Flat()[0])
}
