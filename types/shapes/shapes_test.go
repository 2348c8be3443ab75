// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(Float32, 2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, uintptr(24), s.Memory())
	assert.Equal(t, "(Float32)[2 3]", s.String())
	assert.False(t, s.IsScalar())
	assert.True(t, s.Eq(s.Clone()))
	assert.False(t, s.Eq(Make(Float64, 2, 3)))
	assert.True(t, s.EqualDimensions(Make(Float64, 2, 3)))

	scalar := Scalar(Int64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, "(Int64)", scalar.String())
	assert.False(t, Shape{}.Ok())

	assert.Panics(t, func() { _ = Make(Float32, 0, 3) })
}

func TestDTypeText(t *testing.T) {
	blob, err := json.Marshal(struct{ DType DType }{Float16})
	require.NoError(t, err)
	assert.Equal(t, `{"DType":"Float16"}`, string(blob))

	var decoded struct{ DType DType }
	require.NoError(t, json.Unmarshal(blob, &decoded))
	assert.Equal(t, Float16, decoded.DType)

	_, err = DTypeFromString("complex64")
	assert.Error(t, err)
	assert.Equal(t, 2, Float16.Size())
	assert.True(t, Float32.IsFloat())
	assert.False(t, Int64.IsFloat())
}
