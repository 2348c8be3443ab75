// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localsgd

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/localsgd/collective"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/context/initializers"
	"github.com/gomlx/localsgd/ml/program"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HookName is the name of the hook registered by Strategy.Minimize in the training program.
const HookName = "localsgd"

// RoundInfo describes a completed synchronization round, see Strategy.OnRound.
type RoundInfo struct {
	// Step at which the round happened.
	Step int64

	// KStepsBefore and KStepsAfter are the number of local steps between rounds before and after the
	// round. They only differ in adaptive mode.
	KStepsBefore, KStepsAfter int64

	// Loss and LearningRate at the step of the round.
	Loss, LearningRate float64

	// NumParams is the number of parameters averaged, and BytesReduced their total size.
	NumParams    int
	BytesReduced uint64

	// Duration of the round.
	Duration time.Duration
}

// Strategy implements LocalSGD wrapping a local optimizer. It implements optimizers.Interface. Create it
// with New(inner)...Done(worldSize).
type Strategy struct {
	config    *Config
	worldSize int

	state        *stateVars
	loss         *context.Variable
	round        *program.Program
	numParams    int
	bytesReduced uint64
	onRound      []func(RoundInfo)
}

var _ optimizers.Interface = (*Strategy)(nil)

// Kind returns the kind of the inner optimizer: the update rule is the inner one.
func (s *Strategy) Kind() optimizers.Kind { return s.config.inner.Kind() }

// Inner returns the wrapped local optimizer.
func (s *Strategy) Inner() optimizers.Interface { return s.config.inner }

// WorldSize returns the number of workers the strategy was configured for.
func (s *Strategy) WorldSize() int { return s.worldSize }

// NumRings returns the number of communication rings the synchronization round uses. The executor
// running the training program must have (at least) as many rings.
func (s *Strategy) NumRings() int { return s.config.numRings }

// IsAdaptive returns whether the number of local steps is adaptive.
func (s *Strategy) IsAdaptive() bool { return s.config.adaptive }

// RoundProgram returns the synchronization round program, built by Minimize. It's nil before Minimize
// is called.
func (s *Strategy) RoundProgram() *program.Program { return s.round }

// OnRound registers fn to be called after every completed synchronization round.
func (s *Strategy) OnRound(fn func(info RoundInfo)) {
	s.onRound = append(s.onRound, fn)
}

// SnapshotVar returns the snapshot variable of the parameter, created with zeros if it doesn't exist yet.
//
// Zero is a valid initial snapshot: the first round averages `S - P` and recovers `S - avg(S - P)`,
// which is the average of the parameters as long as S is the same on all workers.
func SnapshotVar(param *context.Variable) *context.Variable {
	ctx := param.Context().Checked(false).InAbsPath(param.Scope()).WithInitializer(initializers.Zero)
	return ctx.VariableWithShape(param.Name()+SnapshotSuffix, param.Shape()).SetTrainable(false)
}

// Minimize appends the inner optimizer's update ops to prog, followed by the increment of the LocalSGD
// step counter. It creates the state and snapshot variables, builds the synchronization round program,
// and registers the hook (named HookName) that runs it on prog.
//
// It returns the inner optimizer's results unchanged.
func (s *Strategy) Minimize(ctx *context.Context, prog *program.Program, loss *context.Variable) []optimizers.UpdateResult {
	results := s.config.inner.Minimize(ctx, prog, loss)
	s.loss = loss
	s.state = newStateVars(ctx, s.config.kSteps)
	prog.AppendOp(program.NewOp(program.OpIncrement).
		In("X", s.state.step.ScopeAndName()).
		Out("Out", s.state.step.ScopeAndName()).
		WithRole(program.RoleOptimize))
	s.buildRound(ctx, prog, results)
	prog.OnRun(HookName, s.afterStep)
	return results
}

// buildRound builds the synchronization round program from the update ops of prog, visited in reverse
// order. For each replicated trainable parameter P with snapshot S, the round is:
//
//	P = S - P; sync compute stream; all-reduce-sum P on ring r (round-robin)
//	... then, once per ring, sync the ring's communication stream,
//	... then, in forward order: P = P / worldSize; P = S - P; S = P
func (s *Strategy) buildRound(ctx *context.Context, prog *program.Program, results []optimizers.UpdateResult) {
	updated := make(map[*program.Op]*context.Variable, len(results))
	for _, r := range results {
		updated[r.Op] = r.Param
	}
	rings := collective.NewRingAssigner(s.config.numRings)
	seen := make(map[string]bool)
	type pair struct{ param, snapshot string }
	var pairs []pair
	s.bytesReduced = 0

	s.round = prog.ExpandReverse("localsgd_round", func(_ int, op *program.Op) []*program.Op {
		if !op.IsUpdateOp() {
			return nil
		}
		param := updated[op]
		if param == nil {
			param = ctx.GetVariableByPath(op.Input(program.SlotParam))
		}
		if param == nil || !param.Trainable || param.IsSharded() {
			return nil
		}
		paramPath := param.ScopeAndName()
		if seen[paramPath] {
			return nil
		}
		seen[paramPath] = true
		snapshotPath := SnapshotVar(param).ScopeAndName()
		pairs = append(pairs, pair{paramPath, snapshotPath})
		s.bytesReduced += uint64(param.Shape().Memory())
		return []*program.Op{
			program.NewOp(program.OpElementwiseSub).
				In("X", snapshotPath).In("Y", paramPath).Out("Out", paramPath).
				WithRole(program.RoleOptimize),
			program.NewOp(program.OpSyncCalcStream).
				In("X", paramPath).Out("Out", paramPath).
				WithRole(program.RoleOptimize),
			program.NewOp(program.OpAllReduceSum).
				In("X", paramPath).Out("Out", paramPath).
				Attr(program.AttrRingID, rings.Next()).
				WithRole(program.RoleOptimize),
		}
	})
	s.numParams = len(pairs)

	for ringID := range s.config.numRings {
		s.round.AppendOp(program.NewOp(program.OpSyncCommStream).
			Attr(program.AttrRingID, ringID).
			WithRole(program.RoleOptimize))
	}
	scale := 1.0 / float64(s.worldSize)
	for ii := len(pairs) - 1; ii >= 0; ii-- {
		p := pairs[ii]
		s.round.AppendOp(program.NewOp(program.OpScale).
			In("X", p.param).Out("Out", p.param).
			Attr(program.AttrScale, scale).
			WithRole(program.RoleOptimize))
		s.round.AppendOp(program.NewOp(program.OpElementwiseSub).
			In("X", p.snapshot).In("Y", p.param).Out("Out", p.param).
			WithRole(program.RoleOptimize))
		s.round.AppendOp(program.NewOp(program.OpAssign).
			In("X", p.param).Out("Out", p.snapshot).
			WithRole(program.RoleOptimize))
	}
	if s.numParams == 0 {
		klog.Warningf("localsgd: no replicated trainable parameters to synchronize")
	}
}

// afterStep is the hook run after each training step: it captures the adaptive baseline at step 0, and
// runs the synchronization round when ShouldSync triggers.
func (s *Strategy) afterStep(exec *program.Executor) error {
	state := s.state.read()
	loss := tensors.ToScalar[float64](s.loss.Value())
	lr := optimizers.CurrentLearningRate(exec.Context())
	if s.config.adaptive && state.Step == 0 {
		if s.state.captureBaseline(loss, lr) {
			klog.V(1).Infof("localsgd: captured baseline lr_0=%g, loss_0=%g", lr, loss)
		}
	}
	if !ShouldSync(state.Step, state.LastStep, state.KSteps) {
		return nil
	}

	start := time.Now()
	if s.config.collectiveTimeout > 0 {
		exec.SetCollectiveTimeout(s.config.collectiveTimeout)
	}
	if err := exec.Run(s.round); err != nil {
		return errors.WithMessagef(err, "localsgd: synchronization round at step %d failed", state.Step)
	}

	kSteps := state.KSteps
	if s.config.adaptive {
		kSteps = s.nextKSteps(state, lr, loss)
		s.state.setKSteps(kSteps)
	}
	s.state.setLastStep(state.Step)

	info := RoundInfo{
		Step:         state.Step,
		KStepsBefore: state.KSteps,
		KStepsAfter:  kSteps,
		Loss:         loss,
		LearningRate: lr,
		NumParams:    s.numParams,
		BytesReduced: s.bytesReduced,
		Duration:     time.Since(start),
	}
	klog.V(1).Infof("localsgd: round at step %d averaged %d parameters (%s) in %s, k_steps %d -> %d",
		info.Step, info.NumParams, humanize.Bytes(info.BytesReduced), info.Duration, info.KStepsBefore, info.KStepsAfter)
	for _, fn := range s.onRound {
		fn(info)
	}
	return nil
}

// nextKSteps applies the interval policy, keeping the current value if it declines.
func (s *Strategy) nextKSteps(state State, lr, loss float64) int64 {
	k, ok := s.config.policy(state.LearningRate0, state.Loss0, lr, loss, s.config.kSteps, s.config.maxLocalSteps)
	if !ok {
		klog.Warningf("localsgd: adaptive interval not updated at step %d (lr_0=%g, loss_0=%g, lr=%g, loss=%g), keeping k_steps=%d",
			state.Step, state.LearningRate0, state.Loss0, lr, loss, state.KSteps)
		return state.KSteps
	}
	return clampSteps(float64(k), s.config.maxLocalSteps)
}

// Clear deletes the inner optimizer's variables, the snapshots and the LocalSGD state.
func (s *Strategy) Clear(ctx *context.Context) {
	s.config.inner.Clear(ctx)
	var toDelete []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Scope() == StateScopePath() || strings.HasSuffix(v.Name(), SnapshotSuffix) {
			toDelete = append(toDelete, v)
		}
	})
	for _, v := range toDelete {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
	s.state = nil
}
