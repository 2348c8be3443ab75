// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"testing"

	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableFlags(t *testing.T) {
	ctx := New()
	v := ctx.In("model").VariableWithValue("embeddings", []float32{1, 2, 3})
	assert.True(t, v.Trainable)
	assert.False(t, v.IsSharded())
	v.SetSharded(true).SetTrainable(false)
	assert.True(t, v.IsSharded())
	assert.False(t, v.Trainable)
	assert.Same(t, v, ctx.GetVariableByPath(v.ScopeAndName()))
	assert.Equal(t, "/model/embeddings (Float32)[3] sharded", v.Summary())
}

func TestVariableSetValue(t *testing.T) {
	ctx := New()
	v := ctx.VariableWithValue("w", []float64{1, 2})
	v.SetValue(tensors.FromFlat(shapes.Float64, []float64{3, 4}, 2))
	assert.Equal(t, []float64{3, 4}, v.Value().Value())
	require.Panics(t, func() { v.SetValue(tensors.FromFlat(shapes.Float64, []float64{3}, 1)) })

	var nilVar *Variable
	assert.Equal(t, "INVALID (NIL) VARIABLE", nilVar.String())
	assert.Panics(t, func() { nilVar.AssertValid() })
}
