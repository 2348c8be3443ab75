// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localsgd

import (
	gocontext "context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/localsgd/collective"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/program"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSync(t *testing.T) {
	fired := func(kSteps int64, numSteps int64) []int64 {
		var steps []int64
		lastStep := int64(0)
		for step := range numSteps {
			if ShouldSync(step, lastStep, kSteps) {
				steps = append(steps, step)
				lastStep = step
			}
		}
		return steps
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9}, fired(1, 10))
	assert.Equal(t, []int64{4, 8, 12}, fired(4, 13))
	assert.False(t, ShouldSync(0, 0, 1))
}

func TestCanApply(t *testing.T) {
	sgd := optimizers.StochasticGradientDescent()
	momentum := optimizers.Momentum().Done()
	adam := optimizers.Adam().Done()

	assert.NoError(t, CanApply(true, 2, sgd))
	assert.NoError(t, CanApply(true, 8, momentum))

	for _, tc := range []struct {
		name      string
		err       error
		enabled   bool
		worldSize int
		inner     optimizers.Interface
	}{
		{"disabled", ErrNotEnabled, false, 4, sgd},
		{"single worker", ErrSingleWorker, true, 1, sgd},
		{"no workers", ErrSingleWorker, true, 0, momentum},
		{"adam", ErrUnsupportedOptimizer, true, 4, adam},
		{"no optimizer", ErrUnsupportedOptimizer, true, 4, nil},
	} {
		err := CanApply(tc.enabled, tc.worldSize, tc.inner)
		require.Errorf(t, err, "case %q", tc.name)
		assert.ErrorIsf(t, err, tc.err, "case %q", tc.name)
		assert.ErrorIsf(t, err, ErrConfiguration, "case %q", tc.name)
	}

	// Done checks the same before building anything.
	_, err := New(adam).KSteps(4).Done(4)
	assert.ErrorIs(t, err, ErrUnsupportedOptimizer)
	_, err = New(sgd).Done(1)
	assert.ErrorIs(t, err, ErrSingleWorker)
}

func TestConfig(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamEnabled:           true,
		ParamKSteps:            4,
		ParamAdaptive:          true,
		ParamNumRings:          3,
		ParamMaxLocalSteps:     8,
		ParamCollectiveTimeout: "1m",
	})
	s, err := New(optimizers.StochasticGradientDescent()).FromContext(ctx).Done(2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), s.config.kSteps)
	assert.True(t, s.IsAdaptive())
	assert.Equal(t, 3, s.NumRings())
	assert.Equal(t, int64(8), s.config.maxLocalSteps)
	assert.Equal(t, time.Minute, s.config.collectiveTimeout)
	assert.Equal(t, optimizers.KindSGD, s.Kind())
	assert.Equal(t, 2, s.WorldSize())

	for name, cfg := range map[string]*Config{
		"k_steps":   New(optimizers.StochasticGradientDescent()).KSteps(0),
		"num_rings": New(optimizers.StochasticGradientDescent()).NumRings(0),
		"max_steps": New(optimizers.StochasticGradientDescent()).Adaptive(true).MaxLocalSteps(0),
		"timeout":   New(optimizers.StochasticGradientDescent()).CollectiveTimeout(-time.Second),
	} {
		_, err := cfg.Done(2)
		assert.ErrorIsf(t, err, ErrConfiguration, "config %q", name)
	}

	ctx.SetParam(ParamCollectiveTimeout, "soon")
	_, err = New(optimizers.StochasticGradientDescent()).FromContext(ctx).Done(2)
	assert.ErrorIs(t, err, ErrConfiguration)

	// Disabled through the context.
	ctx.SetParam(ParamCollectiveTimeout, "")
	DisableStrategy(ctx)
	assert.False(t, context.GetParamOr(ctx, ParamEnabled, true))
	assert.Equal(t, 1, context.GetParamOr(ctx, ParamKSteps, 0))
	_, err = New(optimizers.StochasticGradientDescent()).FromContext(ctx).Done(2)
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestSqrtLossRatio(t *testing.T) {
	// Loss halved, learning rate unchanged: ceil(sqrt(0.5 * 4)) = 2.
	k, ok := SqrtLossRatio(0.1, 2.0, 0.1, 1.0, 4, 16)
	require.True(t, ok)
	assert.Equal(t, int64(2), k)

	// Loss unchanged: back to the initial interval.
	k, ok = SqrtLossRatio(0.1, 2.0, 0.1, 2.0, 4, 16)
	require.True(t, ok)
	assert.Equal(t, int64(2), k)
	k, ok = SqrtLossRatio(0.1, 1.0, 0.1, 1.0, 9, 16)
	require.True(t, ok)
	assert.Equal(t, int64(3), k)

	// Learning rate decayed 100x: raw value ceil(sqrt(400)) = 20 is clamped to 16.
	k, ok = SqrtLossRatio(0.1, 1.0, 0.001, 1.0, 4, 16)
	require.True(t, ok)
	assert.Equal(t, int64(16), k)

	// Never below 1.
	k, ok = SqrtLossRatio(0.1, 1e9, 0.1, 1e-9, 1, 16)
	require.True(t, ok)
	assert.Equal(t, int64(1), k)

	// Degenerate inputs are declined.
	for _, inputs := range [][4]float64{
		{0, 1, 0.1, 1}, {0.1, 0, 0.1, 1}, {0.1, 1, 0, 1}, {0.1, 1, 0.1, 0},
		{0.1, -1, 0.1, 1}, {0.1, 1, 0.1, math.NaN()}, {math.Inf(1), 1, 0.1, 1},
	} {
		_, ok = SqrtLossRatio(inputs[0], inputs[1], inputs[2], inputs[3], 4, 16)
		assert.Falsef(t, ok, "inputs %v should be declined", inputs)
	}
}

func TestRoundProgram(t *testing.T) {
	ctx := context.New()
	model := ctx.In("model")
	model.VariableWithValue("a", []float64{1, 2})
	model.VariableWithValue("b", []float64{3})
	model.VariableWithValue("sharded", []float64{4}).SetSharded(true)
	model.VariableWithValue("frozen", []float64{5}).SetTrainable(false)
	loss := model.VariableWithValue("loss", 0.0).SetTrainable(false)

	s, err := New(optimizers.StochasticGradientDescent()).KSteps(2).NumRings(2).Done(4)
	require.NoError(t, err)
	prog := program.New("train_step")
	results := s.Minimize(ctx, prog, loss)

	// Inner results are returned unchanged.
	require.Len(t, results, 3)
	assert.Equal(t, []string{"/model/a", "/model/b", "/model/sharded"},
		[]string{results[0].Param.ScopeAndName(), results[1].Param.ScopeAndName(), results[2].Param.ScopeAndName()})
	assert.Equal(t, []string{HookName}, prog.HookNames())
	last := prog.Op(prog.NumOps() - 1)
	assert.Equal(t, program.OpIncrement, last.Type)
	assert.Equal(t, "/optimizers/localsgd/step", last.Input("X"))

	type opSummary struct {
		Type, X, Y, Out string
		Ring            int
	}
	var got []opSummary
	for _, op := range s.RoundProgram().Ops() {
		assert.True(t, op.Role().Has(program.RoleOptimize))
		got = append(got, opSummary{op.Type, op.Input("X"), op.Input("Y"), op.Output("Out"),
			program.GetAttrOr(op, program.AttrRingID, -1)})
	}
	want := []opSummary{
		// Reverse order of the updates: b first, ring 0, then a, ring 1.
		{program.OpElementwiseSub, "/model/b@SNAPSHOT", "/model/b", "/model/b", -1},
		{program.OpSyncCalcStream, "/model/b", "", "/model/b", -1},
		{program.OpAllReduceSum, "/model/b", "", "/model/b", 0},
		{program.OpElementwiseSub, "/model/a@SNAPSHOT", "/model/a", "/model/a", -1},
		{program.OpSyncCalcStream, "/model/a", "", "/model/a", -1},
		{program.OpAllReduceSum, "/model/a", "", "/model/a", 1},
		{program.OpSyncCommStream, "", "", "", 0},
		{program.OpSyncCommStream, "", "", "", 1},
		// Forward order.
		{program.OpScale, "/model/a", "", "/model/a", -1},
		{program.OpElementwiseSub, "/model/a@SNAPSHOT", "/model/a", "/model/a", -1},
		{program.OpAssign, "/model/a", "", "/model/a@SNAPSHOT", -1},
		{program.OpScale, "/model/b", "", "/model/b", -1},
		{program.OpElementwiseSub, "/model/b@SNAPSHOT", "/model/b", "/model/b", -1},
		{program.OpAssign, "/model/b", "", "/model/b@SNAPSHOT", -1},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 0.25, program.GetAttrOr(s.RoundProgram().Op(8), program.AttrScale, 0.0))

	snapshot := ctx.InspectVariable("/model", "a@SNAPSHOT")
	require.NotNil(t, snapshot)
	assert.False(t, snapshot.Trainable)
	assert.True(t, snapshot.Shape().Eq(ctx.InspectVariable("/model", "a").Shape()))
	assert.Nil(t, ctx.InspectVariable("/model", "sharded@SNAPSHOT"))
	assert.Nil(t, ctx.InspectVariable("/model", "frozen@SNAPSHOT"))

	state, found := ReadState(ctx)
	require.True(t, found)
	assert.Equal(t, State{Step: -1, LastStep: 0, KSteps: 2}, state)

	s.Clear(ctx)
	assert.Nil(t, ctx.InspectVariable("/model", "a@SNAPSHOT"))
	_, found = ReadState(ctx)
	assert.False(t, found)
}

// worker holds one replica of a tiny model: a replicated parameter `/model/w` and a sharded one
// `/model/embeddings`.
type worker struct {
	rank           int
	ctx            *context.Context
	prog           *program.Program
	strategy       *Strategy
	w, emb, loss   *context.Variable
	rounds         []RoundInfo
	snapshotsMatch bool
}

func newWorker(t *testing.T, rank, worldSize int, inner optimizers.Interface, configure func(c *Config) *Config) *worker {
	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, 0.1)
	model := ctx.In("model")
	w := &worker{
		rank:           rank,
		ctx:            ctx,
		w:              model.VariableWithValue("w", []float64{0, 0}),
		emb:            model.VariableWithValue("embeddings", []float64{float64(rank)}).SetSharded(true),
		loss:           model.VariableWithValue("loss", 1.0).SetTrainable(false),
		prog:           program.New("train_step"),
		snapshotsMatch: true,
	}
	var err error
	w.strategy, err = configure(New(inner)).Done(worldSize)
	require.NoError(t, err)
	w.strategy.Minimize(ctx, w.prog, w.loss)
	w.strategy.OnRound(func(info RoundInfo) {
		w.rounds = append(w.rounds, info)
		snapshot := SnapshotVar(w.w)
		if !snapshot.Value().Equal(w.w.Value()) {
			w.snapshotsMatch = false
		}
	})
	return w
}

// setGradients sets constant gradients: rank+1 for the replicated parameter, 1 for the sharded one.
func (w *worker) setGradients() {
	for ii := range optimizers.GradientVar(w.w).Value().Flat() {
		optimizers.GradientVar(w.w).Value().Flat()[ii] = float64(w.rank + 1)
	}
	optimizers.GradientVar(w.emb).Value().Flat()[0] = 1
}

// runCluster runs numSteps training steps on every worker concurrently, each with its own executor
// connected through a LocalCluster. beforeStep, if given, is called before each step.
func runCluster(t *testing.T, workers []*worker, numRings, numSteps int, beforeStep func(w *worker, step int)) []error {
	perRank, err := collective.NewLocalCluster(len(workers)).EstablishAll(gocontext.Background(), numRings)
	require.NoError(t, err)
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for rank, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec := program.NewExecutor(w.ctx, perRank[rank]).SetCollectiveTimeout(10 * time.Second)
			defer func() { _ = exec.Close() }()
			for step := range numSteps {
				w.setGradients()
				if beforeStep != nil {
					beforeStep(w, step)
				}
				if err := exec.Run(w.prog); err != nil {
					errs[rank] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	return errs
}

func TestAverageAcrossWorkers(t *testing.T) {
	const worldSize = 3
	workers := make([]*worker, worldSize)
	for rank := range worldSize {
		workers[rank] = newWorker(t, rank, worldSize, optimizers.StochasticGradientDescent(),
			func(c *Config) *Config { return c.KSteps(1) })
		// Distinct values: [1, 2, 3].
		workers[rank].w.Value().Flat()[0] = float64(rank + 1)
		workers[rank].w.Value().Flat()[1] = float64(rank + 1)
	}
	// No local learning: the first round at step 1 averages the initial values.
	for _, w := range workers {
		optimizers.LearningRateVar(w.ctx, 0).Value().SetScalar(0)
	}
	errs := runCluster(t, workers, DefaultNumRings, 2, nil)
	for rank, w := range workers {
		require.NoErrorf(t, errs[rank], "worker %d", rank)
		assert.InDeltaSlice(t, []float64{2, 2}, w.w.Value().Flat(), 1e-9)
		assert.InDeltaSlice(t, []float64{2, 2}, SnapshotVar(w.w).Value().Flat(), 1e-9)
		require.Len(t, w.rounds, 1)
		assert.Equal(t, int64(1), w.rounds[0].Step)
		assert.Equal(t, 1, w.rounds[0].NumParams)
		assert.Equal(t, uint64(16), w.rounds[0].BytesReduced)
		// Sharded parameter is not averaged.
		assert.InDeltaSlice(t, []float64{float64(rank)}, w.emb.Value().Flat(), 1e-9)
	}
}

func TestPeriodicSynchronization(t *testing.T) {
	const worldSize, numSteps = 3, 13
	for _, inner := range []func() optimizers.Interface{
		optimizers.StochasticGradientDescent,
		func() optimizers.Interface { return optimizers.Momentum().Mu(0.5).Done() },
	} {
		workers := make([]*worker, worldSize)
		for rank := range worldSize {
			workers[rank] = newWorker(t, rank, worldSize, inner(), func(c *Config) *Config { return c.KSteps(4) })
		}
		errs := runCluster(t, workers, DefaultNumRings, numSteps, nil)
		for rank, w := range workers {
			require.NoErrorf(t, errs[rank], "worker %d", rank)

			// Rounds at steps 4, 8 and 12, on all workers.
			var steps []int64
			for _, info := range w.rounds {
				steps = append(steps, info.Step)
				assert.Equal(t, int64(4), info.KStepsAfter)
			}
			assert.Equal(t, []int64{4, 8, 12}, steps)
			assert.True(t, w.snapshotsMatch, "snapshot must equal the parameter after every round")

			// All replicas equal after the last round (step 12 is the last step).
			assert.InDeltaSlice(t, workers[0].w.Value().Flat(), w.w.Value().Flat(), 1e-9)
			state, _ := ReadState(w.ctx)
			assert.Equal(t, int64(12), state.Step)
			assert.Equal(t, int64(12), state.LastStep)

			// The sharded parameter only saw local updates: 13 steps of gradient 1 with learning rate 0.1
			// (for momentum the velocity grows, so it only moved further).
			assert.LessOrEqual(t, w.emb.Value().Flat()[0], float64(rank)-1.3+1e-9)
		}
	}
}

func TestRoundCompletesWhenPeersCloseEarly(t *testing.T) {
	// Every step is a round, and each worker closes its executor as soon as its last round returns.
	const worldSize, numSteps = 5, 2
	for trial := range 20 {
		workers := make([]*worker, worldSize)
		for rank := range worldSize {
			workers[rank] = newWorker(t, rank, worldSize, optimizers.StochasticGradientDescent(),
				func(c *Config) *Config { return c.KSteps(1) })
		}
		errs := runCluster(t, workers, DefaultNumRings, numSteps, nil)
		for rank, w := range workers {
			require.NoErrorf(t, errs[rank], "trial %d, worker %d", trial, rank)
			require.Lenf(t, w.rounds, 1, "trial %d, worker %d", trial, rank)
			assert.InDeltaSlice(t, workers[0].w.Value().Flat(), w.w.Value().Flat(), 1e-9)
		}
	}
}

func TestAverageOfLocalUpdates(t *testing.T) {
	const worldSize = 3
	workers := make([]*worker, worldSize)
	for rank := range worldSize {
		workers[rank] = newWorker(t, rank, worldSize, optimizers.StochasticGradientDescent(),
			func(c *Config) *Config { return c.KSteps(4).NumRings(1) })
	}
	// Steps 0 to 4: 5 local updates, w_r = -0.5 * (r+1), then averaged at step 4 to -1.
	errs := runCluster(t, workers, 1, 5, nil)
	for rank, w := range workers {
		require.NoErrorf(t, errs[rank], "worker %d", rank)
		assert.InDeltaSlice(t, []float64{-1, -1}, w.w.Value().Flat(), 1e-9)
		assert.InDeltaSlice(t, []float64{float64(rank) - 0.5}, w.emb.Value().Flat(), 1e-9)
	}
}

func TestAdaptiveInterval(t *testing.T) {
	const worldSize = 2
	workers := make([]*worker, worldSize)
	for rank := range worldSize {
		workers[rank] = newWorker(t, rank, worldSize, optimizers.StochasticGradientDescent(),
			func(c *Config) *Config { return c.KSteps(4).Adaptive(true) })
	}
	// Loss 2.0 at step 0, then 1.0: after the first round k = ceil(sqrt(0.5 * 4)) = 2.
	setLoss := func(w *worker, step int) {
		if step == 0 {
			w.loss.Value().SetScalar(2.0)
		} else {
			w.loss.Value().SetScalar(1.0)
		}
	}
	errs := runCluster(t, workers, DefaultNumRings, 9, setLoss)
	for rank, w := range workers {
		require.NoErrorf(t, errs[rank], "worker %d", rank)
		require.Len(t, w.rounds, 3)
		assert.Equal(t, RoundInfo{Step: 4, KStepsBefore: 4, KStepsAfter: 2, Loss: 1, LearningRate: 0.1, NumParams: 1, BytesReduced: 16},
			withoutDuration(w.rounds[0]))
		assert.Equal(t, int64(6), w.rounds[1].Step)
		assert.Equal(t, int64(8), w.rounds[2].Step)

		state, _ := ReadState(w.ctx)
		assert.True(t, state.BaselineCaptured)
		assert.Equal(t, 2.0, state.Loss0)
		assert.Equal(t, 0.1, state.LearningRate0)
		assert.Equal(t, int64(2), state.KSteps)
	}
}

func withoutDuration(info RoundInfo) RoundInfo {
	info.Duration = 0
	return info
}

func TestAdaptiveDegenerateLoss(t *testing.T) {
	const worldSize = 2
	workers := make([]*worker, worldSize)
	for rank := range worldSize {
		workers[rank] = newWorker(t, rank, worldSize, optimizers.StochasticGradientDescent(),
			func(c *Config) *Config { return c.KSteps(3).Adaptive(true) })
	}
	// Zero loss: the interval is kept.
	errs := runCluster(t, workers, DefaultNumRings, 7, func(w *worker, _ int) { w.loss.Value().SetScalar(0) })
	for rank, w := range workers {
		require.NoErrorf(t, errs[rank], "worker %d", rank)
		require.Len(t, w.rounds, 2)
		for _, info := range w.rounds {
			assert.Equal(t, int64(3), info.KStepsAfter)
		}
	}
}

func TestBaselineNotOverwrittenOnResume(t *testing.T) {
	ctx := context.New()
	// State restored from a previous run, e.g. by a checkpoint loader.
	scope := ctx.Checked(false).InAbsPath(StateScopePath())
	scope.VariableWithValue(Loss0VariableName, 5.0)
	scope.VariableWithValue(LearningRate0VariableName, 0.5)
	scope.VariableWithValue(BaselineCapturedVariableName, int64(1))

	sv := newStateVars(ctx, 4)
	assert.False(t, sv.captureBaseline(1.0, 0.1))
	state := sv.read()
	assert.Equal(t, 5.0, state.Loss0)
	assert.Equal(t, 0.5, state.LearningRate0)
	assert.Equal(t, int64(-1), state.Step)

	fresh := newStateVars(context.New(), 4)
	assert.True(t, fresh.captureBaseline(1.0, 0.1))
	assert.False(t, fresh.captureBaseline(3.0, 0.3))
	assert.Equal(t, 1.0, fresh.read().Loss0)
}

func TestCollectiveFailureAbortsRound(t *testing.T) {
	const worldSize = 2
	perRank, err := collective.NewLocalCluster(worldSize).EstablishAll(gocontext.Background(), 1)
	require.NoError(t, err)
	defer func() { _ = collective.CloseAll(perRank[1]) }()

	// Only worker 0 trains: its first round can't complete.
	w := newWorker(t, 0, worldSize, optimizers.StochasticGradientDescent(),
		func(c *Config) *Config { return c.KSteps(1).NumRings(1).CollectiveTimeout(50 * time.Millisecond) })
	exec := program.NewExecutor(w.ctx, perRank[0])
	defer func() { _ = exec.Close() }()
	w.setGradients()
	require.NoError(t, exec.Run(w.prog)) // Step 0: no round.
	err = exec.Run(w.prog)               // Step 1: round.
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCollectiveFailure)
	assert.True(t, errors.Is(err, gocontext.DeadlineExceeded), "underlying cause must be preserved: %v", err)
	assert.Contains(t, err.Error(), "synchronization round at step 1")
	assert.Empty(t, w.rounds)

	// last_step is not advanced by a failed round.
	state, _ := ReadState(w.ctx)
	assert.Equal(t, int64(0), state.LastStep)
}
