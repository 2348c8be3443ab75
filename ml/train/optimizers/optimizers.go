// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of ML optimizers, that can be used by train.Trainer,
// or by themselves. They all implement optimizers.Interface.
//
// Optimizers don't compute anything themselves: Minimize appends to a program.Program the update ops
// for every trainable variable, and the program.Executor runs them on every training step.
package optimizers

import (
	"fmt"
	"maps"
	"slices"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/context/initializers"
	"github.com/gomlx/localsgd/ml/program"
	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
)

// Kind identifies the update rule of an optimizer. Strategies that wrap optimizers (e.g. localsgd)
// use it to decide whether they support the optimizer's internal state.
type Kind string

const (
	KindSGD      Kind = "sgd"
	KindMomentum Kind = "momentum"
	KindAdam     Kind = "adam"
)

// UpdateResult describes one update appended by Minimize: the op, the parameter it updates and the
// gradient it consumes.
type UpdateResult struct {
	Op          *program.Op
	Param, Grad *context.Variable
}

// Interface implemented by optimizer implementations.
type Interface interface {
	// Kind of update rule implemented.
	Kind() Kind

	// Minimize appends to prog the ops that update the trainable variables of ctx for one
	// training step, and returns them, in the order they were appended.
	//
	// ctx holds the variables to train (marked as trainable), the hyperparameters used by the
	// optimizer (in ctx params) and non-trainable variables that the optimizer itself may create.
	// The gradients are read from the variables returned by GradientVar, which the caller (usually
	// train.Trainer) must fill before the program is executed.
	//
	// loss must be a scalar variable. It panics (with exceptions.Panicf) on invalid inputs.
	Minimize(ctx *context.Context, prog *program.Program, loss *context.Variable) []UpdateResult

	// Clear deletes all temporary variables used by the optimizer.
	// This may be used for a model to be used by inference to save space, or if the training should be reset
	// for some other reason.
	Clear(ctx *context.Context)
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	// This provides an easy quick start point.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"sgd":      func(ctx *context.Context) Interface { return StochasticGradientDescent() },
		"momentum": func(ctx *context.Context) Interface { return Momentum().FromContext(ctx).Done() },
		"nesterov": func(ctx *context.Context) Interface { return Momentum().FromContext(ctx).Nesterov(true).Done() },
		"adam":     func(ctx *context.Context) Interface { return Adam().FromContext(ctx).Done() },
	}

	// ParamOptimizer is the context parameter with the name of the optimizer.
	// The default value is "sgd", and the valid values are the keys of KnownOptimizers.
	ParamOptimizer = "optimizer"
)

const (
	// GlobalStepVariableName as stored in context.Context, usually in the root scope -- but depends on the
	// caller.
	GlobalStepVariableName = "global_step"

	// Scope reserved for optimizers.
	Scope = "optimizers"

	// GradientSuffix is appended to the name of a variable to name its gradient variable.
	GradientSuffix = "@GRAD"
)

// FromContext creates an optimizer from context hyperparameters.
// See [ParamOptimizer]. The default is "sgd".
func FromContext(ctx *context.Context) Interface {
	optName := context.GetParamOr(ctx, ParamOptimizer, "sgd")
	return ByName(ctx, optName)
}

// ByName returns an optimizer given the name, or panics if one does not exist.
// It uses KnownOptimizers -- in case one wants to better handle invalid values.
//
// Some optimizers (e.g.: Momentum, Adam) use optional hyperparameters set in the context for configuration.
func ByName(ctx *context.Context, optName string) Interface {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		Panicf("Unknown optimizer %q, valid values are %v.", optName, slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return optBuilder(ctx)
}

// GetGlobalStepVar returns the global step counter.
// It creates it (initialized with 0) if not already there.
func GetGlobalStepVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).VariableWithValue(GlobalStepVariableName, 0).SetTrainable(false)
}

// GetGlobalStep returns the current global step value.
// It creates the global step variable if it does not yet exist.
func GetGlobalStep(ctx *context.Context) int64 {
	v := GetGlobalStepVar(ctx).Value()
	if v.DType() != shapes.Int64 {
		Panicf("Context(scope=%q)[%q] has dtype %s, expected Int64", ctx.Scope(), GlobalStepVariableName, v.DType())
	}
	return tensors.ToScalar[int64](v)
}

// DeleteGlobalStep in case one wants to reset the model state, or hide how many steps were taken.
func DeleteGlobalStep(ctx *context.Context) {
	ctx.DeleteVariable(ctx.Scope(), GlobalStepVariableName)
}

// IncrementGlobalStepOp creates (if not there yet) a global step counter, and appends to prog the op
// that increments it by one on every run.
//
// Typically, this is called by the optimizers Minimize method.
func IncrementGlobalStepOp(ctx *context.Context, prog *program.Program) *context.Variable {
	globalStepVar := GetGlobalStepVar(ctx)
	path := globalStepVar.ScopeAndName()
	prog.AppendOp(program.NewOp(program.OpIncrement).In("X", path).Out("Out", path).WithRole(program.RoleOptimize))
	return globalStepVar
}

var (
	// ParamLearningRate is the context parameter name for the default value of learning rate.
	// It is used by all optimizers.
	ParamLearningRate = "learning_rate"
)

// LearningRateVar returns the learning rate variable -- a Float64 scalar.
//
// If variable doesn't exist yet, it will be created using the parameter ParamLearningRate, if it
// is set, or the provided defaultValue if not.
func LearningRateVar(ctx *context.Context, defaultValue float64) *context.Variable {
	lrValue := context.GetParamOr(ctx, ParamLearningRate, defaultValue)
	return LearningRateVarWithValue(ctx, lrValue)
}

// LearningRateVarWithValue creates (or reuses) variable for learning rate with the given value.
func LearningRateVarWithValue(ctx *context.Context, value float64) *context.Variable {
	ctx = ctx.Checked(false).In(Scope)
	return ctx.VariableWithValue(ParamLearningRate, value).SetTrainable(false)
}

// CurrentLearningRate returns the current value of the learning rate variable, or 0 if it hasn't
// been created yet.
func CurrentLearningRate(ctx *context.Context) float64 {
	v := ctx.InspectVariable(ctx.In(Scope).Scope(), ParamLearningRate)
	if v == nil {
		return 0
	}
	return tensors.ToScalar[float64](v.Value())
}

// GradientVar returns the variable holding the gradient of v, in the same scope as v, named
// `<name>@GRAD`. It's created with zeros if it doesn't exist yet.
func GradientVar(v *context.Variable) *context.Variable {
	ctx := v.Context().Checked(false).InAbsPath(v.Scope()).WithInitializer(initializers.Zero)
	return ctx.VariableWithShape(v.Name()+GradientSuffix, v.Shape()).SetTrainable(false)
}

// TrainableVariables returns the trainable variables of ctx, in creation order.
func TrainableVariables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			vars = append(vars, v)
		}
	})
	return vars
}

// checkLoss panics if loss is not a scalar float variable.
func checkLoss(loss *context.Variable) {
	if loss == nil {
		Panicf("optimizer requires a loss variable, got nil")
	}
	if !loss.Shape().IsScalar() || !loss.Shape().DType.IsFloat() {
		Panicf("optimizer requires a scalar float loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
}

// stateVariable creates (or reuses) a non-trainable optimizer state variable for trainable, stored in
// `/<scopeName><trainable scope>` with the name `<trainable name>_<suffix>`.
func stateVariable(ctx *context.Context, scopeName string, trainable *context.Variable, suffix string,
	shape shapes.Shape, initializer context.VariableInitializer) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, scopeName, trainable.Scope())
	if trainable.Scope() == context.RootScope {
		scopePath = context.ScopeSeparator + scopeName
	}
	name := fmt.Sprintf("%s_%s", trainable.Name(), suffix)
	return ctx.Checked(false).InAbsPath(scopePath).WithInitializer(initializer).
		VariableWithShape(name, shape).SetTrainable(false)
}

// sgd is an empty struct that implements Interface for SGD.
type sgd struct{}

// SgdDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SgdDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD: `param -= learning_rate * grad`.
// It looks for "learning_rate" in Context.Params for the initial
// learning rate, otherwise it defaults to SgdDefaultLearningRate.
func StochasticGradientDescent() Interface {
	return &sgd{}
}

// Kind implements optimizers.Interface.
func (*sgd) Kind() Kind { return KindSGD }

// Minimize appends one `sgd` op per trainable variable.
// It implements optimizers.Interface.
func (*sgd) Minimize(ctx *context.Context, prog *program.Program, loss *context.Variable) []UpdateResult {
	checkLoss(loss)
	lrVar := LearningRateVar(ctx, SgdDefaultLearningRate)
	var results []UpdateResult
	for _, v := range TrainableVariables(ctx) {
		grad := GradientVar(v)
		op := program.NewOp(program.OpSGD).
			In(program.SlotParam, v.ScopeAndName()).
			In(program.SlotGrad, grad.ScopeAndName()).
			In(program.SlotLearningRate, lrVar.ScopeAndName()).
			Out(program.SlotParamOut, v.ScopeAndName()).
			WithRole(program.RoleOptimize)
		prog.AppendOp(op)
		results = append(results, UpdateResult{Op: op, Param: v, Grad: grad})
	}
	IncrementGlobalStepOp(ctx, prog)
	return results
}

// Clear all optimizer variables.
// There are none for SGD, so this is a non-op.
// It implements optimizers.Interface.
func (*sgd) Clear(_ *context.Context) {}
