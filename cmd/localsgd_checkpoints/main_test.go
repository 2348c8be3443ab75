// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/context/checkpoints"
	"github.com/gomlx/localsgd/ml/train/optimizers/localsgd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"worker-0", "worker-1"}, MinimalUniquePaths("runs/a/worker-0", "runs/a/worker-1/"))
	assert.Equal(t, []string{"a/ckpt", "b/ckpt"}, MinimalUniquePaths("/runs/a/ckpt", "/runs/b/ckpt"))
	assert.Equal(t, []string{"ckpt"}, MinimalUniquePaths("/runs/a/ckpt"))
}

func TestReport(t *testing.T) {
	assert.False(t, disagree([]string{}))
	assert.False(t, disagree([]string{"12", "12"}))
	assert.True(t, disagree([]string{"12", "8"}))

	r := newReport(lipgloss.Right, lipgloss.Left).Headers("checkpoint", "worker-0", "worker-1")
	r.Row("step", "12", "12")
	r.FlaggedRow(true, "last_step", "12", "8")
	r.FlaggedRow(false, "k_steps", "4", "4")
	assert.Equal(t, 3, r.numRows)
	assert.Equal(t, map[int]bool{1: true}, r.flagged)
	assert.Equal(t, lipgloss.Right, r.style(0, 0).GetAlignHorizontal())
	assert.Equal(t, lipgloss.Left, r.style(1, 5).GetAlignHorizontal(), "extra columns take the last alignment")
	assert.Equal(t, divergedStyle.GetForeground(), r.style(1, 0).GetForeground())
	assert.Contains(t, r.table.Render(), "last_step")
}

func TestValueStats(t *testing.T) {
	mav, rms, maxAV := valueStats([]float64{3, -4})
	assert.Equal(t, 3.5, mav)
	assert.InDelta(t, math.Sqrt(12.5), rms, 1e-12)
	assert.Equal(t, 4.0, maxAV)
}

func TestSnapshotDriftAndDeleteVars(t *testing.T) {
	dir := t.TempDir()
	ctx := context.New()
	w := ctx.In("model").VariableWithValue("w", []float64{1, 2})
	snapshot := localsgd.SnapshotVar(w)
	copy(snapshot.Value().Flat(), []float64{1, 5})
	ctx.In("model").VariableWithValue("b", 0.5)
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	loaded, _ := loadCheckpoint(dir)
	rows := snapshotDrift(loaded)
	require.Len(t, rows, 1)
	assert.Equal(t, "/model/w", rows[0].Param)
	assert.InDelta(t, math.Sqrt(4.5), rows[0].RMS, 1e-12)
	assert.Equal(t, 3.0, rows[0].MaxAbs)

	// Deleting the snapshots saves a new checkpoint without them.
	DeleteVars(dir, "/nothing")
	DeleteVars(dir, "/model")
	loaded, _ = loadCheckpoint(dir)
	assert.Nil(t, loaded.InspectVariable("/model", "w"))
	assert.Empty(t, snapshotDrift(loaded))
}
