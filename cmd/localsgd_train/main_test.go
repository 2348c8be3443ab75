// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	gocontext "context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/localsgd/ml/train/journal"
	"github.com/gomlx/localsgd/ml/train/optimizers/localsgd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunConfig(worldSize, numSteps int) *runConfig {
	rng := rand.New(rand.NewSource(3))
	coefficients, bias := initCoefficients(rng, 2)
	inputs, labels := buildExamples(rng, coefficients, bias, 256, 0)
	return &runConfig{
		WorldSize:      worldSize,
		NumSteps:       numSteps,
		BatchSize:      8,
		Seed:           5,
		Inputs:         inputs,
		Labels:         labels,
		CheckpointKeep: 2,
		RunID:          journal.NewRunID(),
	}
}

func modelWeights(t *testing.T, result *workerResult) []float64 {
	v := result.Ctx.In("model").GetVariable("weights")
	require.NotNil(t, v)
	return v.Value().Flat()
}

func TestBuildExamples(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	coefficients, bias := initCoefficients(rng, 3)
	inputs, labels := buildExamples(rng, coefficients, bias, 10, 0)
	assert.Equal(t, []int{10, 3}, inputs.Shape().Dimensions)
	assert.Equal(t, []int{10, 1}, labels.Shape().Dimensions)
	x, y := inputs.Flat(), labels.Flat()
	for ii := range 10 {
		want := bias
		for jj, c := range coefficients {
			want += c * x[ii*3+jj]
		}
		assert.InDelta(t, want, y[ii], 1e-9)
	}
}

func TestRunInProcess(t *testing.T) {
	rc := newTestRunConfig(2, 401)
	var out bytes.Buffer
	rc.Out = &out
	results, err := runInProcess(rc, newContextFn(nil, "learning_rate=0.05;localsgd_k_steps=4"))
	require.NoError(t, err)
	require.Len(t, results, 2)

	w0 := modelWeights(t, results[0])
	for _, result := range results {
		assert.True(t, result.LocalSGD)
		assert.Equal(t, 100, result.NumRounds)
		assert.Equal(t, int64(100), result.RoundDuration.Count())
		assert.InDeltaSlice(t, w0, modelWeights(t, result), 1e-9, "replicas must match after the last round")
		assert.Less(t, result.EvalLoss, 1e-6)
	}
	assert.Contains(t, out.String(), "Results on eval")
}

func TestRunInProcessFallsBack(t *testing.T) {
	// Adam keeps per-parameter state, so LocalSGD is not applied.
	rc := newTestRunConfig(2, 20)
	results, err := runInProcess(rc, newContextFn(nil, "optimizer=adam"))
	require.NoError(t, err)
	for _, result := range results {
		assert.False(t, result.LocalSGD)
		assert.Zero(t, result.NumRounds)
		enabled, _ := result.Ctx.GetParam(localsgd.ParamEnabled)
		assert.Equal(t, false, enabled)
	}

	_, err = runInProcess(rc, newContextFn(nil, "unknown_param=1"))
	require.Error(t, err)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, j.Close()) }()

	rc := newTestRunConfig(2, 41)
	rc.CheckpointDir = filepath.Join(dir, "checkpoints")
	rc.CheckpointEvery = 10
	rc.Journal = j
	require.NoError(t, j.StartRun(rc.RunID, rc.WorldSize, "test"))
	newContext := newContextFn(nil, "localsgd_k_steps=4")
	results, err := runInProcess(rc, newContext)
	require.NoError(t, err)
	for _, result := range results {
		assert.Equal(t, 10, result.NumRounds)
	}
	for _, worker := range []string{"worker-0", "worker-1"} {
		entries, err := os.ReadDir(filepath.Join(rc.CheckpointDir, worker))
		require.NoError(t, err)
		assert.Len(t, entries, 2*rc.CheckpointKeep, "data and metadata of each checkpoint kept")
	}

	// Resume for 20 more steps: the LocalSGD state continues from the checkpoint.
	rc.NumSteps = 61
	results, err = runInProcess(rc, newContext)
	require.NoError(t, err)
	for _, result := range results {
		assert.Equal(t, 5, result.NumRounds)
		state, found := localsgd.ReadState(result.Ctx)
		require.True(t, found)
		assert.Equal(t, int64(60), state.Step)
		assert.Equal(t, int64(60), state.LastStep)
		assert.False(t, math.IsNaN(result.EvalLoss))
	}

	rounds, err := j.Rounds(gocontext.Background(), rc.RunID, -1)
	require.NoError(t, err)
	assert.Len(t, rounds, 2*15)
	rounds, err = j.Rounds(gocontext.Background(), rc.RunID, 1)
	require.NoError(t, err)
	require.Len(t, rounds, 15)
	assert.Equal(t, int64(60), rounds[len(rounds)-1].Step)
}
