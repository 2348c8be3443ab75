// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localsgd

import (
	"fmt"

	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/types/tensors"
)

// Scope (under optimizers.Scope) where the LocalSGD state variables are stored.
const Scope = "localsgd"

// Names of the state variables, stored in the scope `/optimizers/localsgd`.
const (
	StepVariableName             = "step"
	LastStepVariableName         = "last_step"
	KStepsVariableName           = "k_steps"
	LearningRate0VariableName    = "lr_0"
	Loss0VariableName            = "loss_0"
	BaselineCapturedVariableName = "baseline_captured"
)

// StateScopePath returns the absolute scope of the state variables.
func StateScopePath() string {
	return context.JoinScope(context.JoinScope(context.RootScope, optimizers.Scope), Scope)
}

// State is a copy of the values of the LocalSGD state variables.
type State struct {
	// Step is the index of the last executed step, -1 before the first step.
	Step int64

	// LastStep is the step of the last synchronization round (0 if none happened).
	LastStep int64

	// KSteps is the current number of local steps between rounds.
	KSteps int64

	// LearningRate0 and Loss0 are the baseline captured at step 0 in adaptive mode.
	LearningRate0, Loss0 float64

	// BaselineCaptured indicates LearningRate0 and Loss0 were set.
	BaselineCaptured bool
}

// String implements fmt.Stringer.
func (s State) String() string {
	baseline := "not captured"
	if s.BaselineCaptured {
		baseline = fmt.Sprintf("lr_0=%g, loss_0=%g", s.LearningRate0, s.Loss0)
	}
	return fmt.Sprintf("step=%d, last_step=%d, k_steps=%d, baseline %s", s.Step, s.LastStep, s.KSteps, baseline)
}

// ReadState returns the current LocalSGD state stored in ctx. It returns false if the state variables
// don't exist (LocalSGD was never used with ctx).
func ReadState(ctx *context.Context) (State, bool) {
	scope := StateScopePath()
	vars := make([]*context.Variable, 0, 6)
	for _, name := range []string{StepVariableName, LastStepVariableName, KStepsVariableName,
		LearningRate0VariableName, Loss0VariableName, BaselineCapturedVariableName} {
		v := ctx.InspectVariable(scope, name)
		if v == nil {
			return State{}, false
		}
		vars = append(vars, v)
	}
	sv := stateVars{vars[0], vars[1], vars[2], vars[3], vars[4], vars[5]}
	return sv.read(), true
}

// stateVars holds the LocalSGD state variables.
type stateVars struct {
	step, lastStep, kSteps, lr0, loss0, baselineCaptured *context.Variable
}

// newStateVars creates (or reuses) the state variables. Values loaded from a checkpoint take precedence
// over the initial values.
func newStateVars(ctx *context.Context, kInitial int64) *stateVars {
	ctx = ctx.Checked(false).InAbsPath(StateScopePath())
	create := func(name string, value any) *context.Variable {
		return ctx.VariableWithValue(name, value).SetTrainable(false)
	}
	return &stateVars{
		step:             create(StepVariableName, int64(-1)),
		lastStep:         create(LastStepVariableName, int64(0)),
		kSteps:           create(KStepsVariableName, kInitial),
		lr0:              create(LearningRate0VariableName, 0.0),
		loss0:            create(Loss0VariableName, 0.0),
		baselineCaptured: create(BaselineCapturedVariableName, int64(0)),
	}
}

func scalar(v *context.Variable) float64 { return tensors.ToScalar[float64](v.Value()) }

func (s *stateVars) read() State {
	return State{
		Step:             int64(scalar(s.step)),
		LastStep:         int64(scalar(s.lastStep)),
		KSteps:           int64(scalar(s.kSteps)),
		LearningRate0:    scalar(s.lr0),
		Loss0:            scalar(s.loss0),
		BaselineCaptured: scalar(s.baselineCaptured) != 0,
	}
}

// captureBaseline stores the step 0 loss and learning rate, only once: it's a no-op if a baseline was
// already captured, e.g. by a previous run restored from a checkpoint.
func (s *stateVars) captureBaseline(loss, lr float64) bool {
	if scalar(s.baselineCaptured) != 0 {
		return false
	}
	s.loss0.Value().SetScalar(loss)
	s.lr0.Value().SetScalar(lr)
	s.baselineCaptured.Value().SetScalar(1)
	return true
}

func (s *stateVars) setKSteps(k int64) { s.kSteps.Value().SetScalar(float64(k)) }

func (s *stateVars) setLastStep(step int64) { s.lastStep.Value().SetScalar(float64(step)) }
