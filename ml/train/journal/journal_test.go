// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package journal

import (
	gocontext "context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/localsgd/ml/train/optimizers/localsgd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs", "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, j.Path())

	runID := NewRunID()
	require.Len(t, runID, 36)
	require.NoError(t, j.StartRun(runID, 2, "localsgd:\n  k_steps: 4\n"))
	require.NoError(t, j.StartRun(runID, 2, "ignored"))

	for _, step := range []int64{4, 8} {
		for rank := range 2 {
			require.NoError(t, j.Record(runID, rank, localsgd.RoundInfo{
				Step: step, KStepsBefore: 4, KStepsAfter: 4, Loss: 1.0 / float64(step), LearningRate: 0.1,
				NumParams: 2, BytesReduced: 24, Duration: time.Millisecond,
			}))
		}
	}
	// Non-finite losses are recorded as NULL.
	require.NoError(t, j.Record(runID, 0, localsgd.RoundInfo{Step: 12, KStepsBefore: 4, KStepsAfter: 2, Loss: math.NaN()}))

	ctx := gocontext.Background()
	rounds, err := j.Rounds(ctx, runID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	assert.Equal(t, []int64{4, 8, 12}, []int64{rounds[0].Step, rounds[1].Step, rounds[2].Step})
	assert.Equal(t, 0.25, rounds[0].Loss)
	assert.Equal(t, uint64(24), rounds[0].BytesReduced)
	assert.Equal(t, time.Millisecond, rounds[0].Duration)
	assert.True(t, math.IsNaN(rounds[2].Loss))

	all, err := j.Rounds(ctx, runID, -1)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, []int{0, 1}, []int{all[0].Rank, all[1].Rank})

	other := NewRunID()
	require.NotEqual(t, runID, other)
	require.NoError(t, j.StartRun(other, 1, ""))
	runs, err := j.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	byID := map[string]RunSummary{runs[0].RunID: runs[0], runs[1].RunID: runs[1]}
	s := byID[runID]
	assert.Equal(t, 2, s.WorldSize)
	assert.Equal(t, 3, s.NumRounds)
	assert.Equal(t, int64(12), s.LastStep)
	assert.Equal(t, int64(2), s.LastKSteps)
	assert.Equal(t, uint64(4*24), s.BytesReduced)
	assert.Contains(t, s.Config, "k_steps")
	assert.Equal(t, 0, byID[other].NumRounds)

	// Reopening keeps the data.
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	_, err = j.Rounds(ctx, runID, 0)
	require.Error(t, err)
	j, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()
	rounds, err = j.Rounds(ctx, runID, 1)
	require.NoError(t, err)
	assert.Len(t, rounds, 2)
}
