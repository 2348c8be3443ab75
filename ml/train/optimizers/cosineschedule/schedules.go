// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule cosine annealing schedule for the learning rate.
// See details https://paperswithcode.com/method/cosine-annealing.
//
// See New for details and example of usage.
package cosineschedule

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/program"
	"github.com/gomlx/localsgd/ml/train/optimizers"
)

var (
	// ParamPeriodSteps enables cosine annealing (cosine schedule) for the learning rate.
	//
	// This parameter defines the number of steps in a cosine annealing period.
	//
	//  * 0: Disables cosine annealing (default).
	//  * Positive value: Sets the period to the specified number of steps.
	//
	// Only affects training programs built with the schedule.
	ParamPeriodSteps = "cosine_schedule_steps"

	// ParamMinLearningRate is the minimum value of the learning rate, during
	// cosine annealing schedule.
	// Defaults to 0.0.
	ParamMinLearningRate = "cosine_annealing_min_learning_rate"
)

// Config is returned by New to configure the cosine annealing schedule
// strategy. When finished to configure, call `Done`.
type Config struct {
	ctx                           *context.Context
	prog                          *program.Program
	learningRate, minLearningRate float64
	periodNumSteps                int
}

// New creates a configuration to apply a cosine annealing schedule for the learning rate.
// See details https://paperswithcode.com/method/cosine-annealing.
//
// This is slightly different in the sense that $T_i$ is fixed to what here is called [PeriodInSteps].
//
// It returns a Config that can be configured. When finished configuring call
// `Done` and it will append to the program the ops that update the learning rate at every
// training step. It must be called before the optimizer's Minimize, so the updates see the
// scheduled learning rate.
//
// Example with only one cycle (assuming `*flagNumSteps` is the number of training steps):
//
//	prog := program.New("train_step")
//	cosineschedule.New(ctx, prog).PeriodInSteps(*flagNumSteps).Done()
//	optimizer.Minimize(ctx, prog, lossVar)
//
// Or more simply, just pass the hyperparameters in the context (see [ParamPeriodSteps]):
//
//	cosineschedule.New(ctx, prog).FromContext().Done()
func New(ctx *context.Context, prog *program.Program) *Config {
	return &Config{
		ctx:  ctx,
		prog: prog,
	}
}

// FromContext configures the cosine annealing from the context, using the keys
// [ParamPeriodSteps] and [ParamMinLearningRate].
func (opt *Config) FromContext() *Config {
	opt.periodNumSteps = context.GetParamOr(opt.ctx, ParamPeriodSteps, 0)
	opt.learningRate = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
	opt.minLearningRate = context.GetParamOr(opt.ctx, ParamMinLearningRate, 0.0)
	return opt
}

// PeriodInSteps sets the number of steps for one period of the cosine schedule. The effective
// learning rate decreases over the given period of training steps, and then is restarted at
// each new period.
//
// It's common to use only one period (so no annealing, just a cosine schedule), in which case
// just set to the number of steps that will be used for training.
//
// If set to 0, the cosine annealing schedule is silently disabled.
func (opt *Config) PeriodInSteps(periodSteps int) *Config {
	opt.periodNumSteps = periodSteps
	return opt
}

// MinLearningRate at the end of the cosine cycle. Defaults to 0.0.
func (opt *Config) MinLearningRate(minLearningRate float64) *Config {
	opt.minLearningRate = minLearningRate
	return opt
}

// LearningRate at the start of the cosine cycle. If not given, it will try to read from the context
// params (keyed by ParamLearningRate). If neither are set, Done panics.
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

// Scope where the schedule keeps its own step counter, under optimizers.Scope.
const Scope = "cosine_schedule"

// Done finalizes the configuration of New and appends the schedule ops to the program.
//
// It panics if invalid options are given.
func (opt *Config) Done() {
	ctx := opt.ctx.Checked(false)
	if opt.periodNumSteps == 0 {
		return
	}
	if opt.periodNumSteps < 0 {
		Panicf("cosineschedule: period in steps must be > 0, got %d", opt.periodNumSteps)
	}

	lrValue := opt.learningRate
	if lrValue == 0 {
		lrValue = context.GetParamOr(opt.ctx, optimizers.ParamLearningRate, 0.0)
		if lrValue == 0 {
			Panicf("learning rate not configured for cosineschedule.New and also "+
				"not set in the context as parameter %q", optimizers.ParamLearningRate)
		}
	}

	// Cosine schedule keeps its own "global step" counter: it's read before being incremented, so
	// the first step uses the full learning rate.
	stepVar := optimizers.GetGlobalStepVar(ctx.In(optimizers.Scope).In(Scope))
	lrVar := optimizers.LearningRateVarWithValue(ctx, lrValue)
	opt.prog.AppendOp(program.NewOp(program.OpCosineDecay).
		In("X", stepVar.ScopeAndName()).
		Out(program.SlotLearningRate, lrVar.ScopeAndName()).
		Attr(program.AttrBaseLR, lrValue).
		Attr(program.AttrMinLR, opt.minLearningRate).
		Attr(program.AttrPeriodInSteps, float64(opt.periodNumSteps)).
		WithRole(program.RoleLRSched))
	opt.prog.AppendOp(program.NewOp(program.OpIncrement).
		In("X", stepVar.ScopeAndName()).
		Out("Out", stepVar.ScopeAndName()).
		WithRole(program.RoleLRSched))
}
