// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/context/initializers"
	"github.com/gomlx/localsgd/ml/program"
)

const (
	// MomentumDefaultLearningRate is used by Momentum if no learning rate is set.
	MomentumDefaultLearningRate = 0.01

	// MomentumDefaultScope is the default scope name for the velocity variables used by Momentum.
	MomentumDefaultScope = "MomentumOptimizer"
)

var (
	// ParamMomentum is the context parameter with the momentum decay (mu) used by Momentum. Defaults to 0.9.
	ParamMomentum = "momentum"

	// ParamNesterov is the context parameter that enables Nesterov momentum. Defaults to false.
	ParamNesterov = "momentum_nesterov"
)

// MomentumConfig holds the configuration of a Momentum optimizer, create it with Momentum(), and
// once configured call Done to create the optimizer.Interface.
type MomentumConfig struct {
	scopeName    string
	learningRate float64
	mu           float64
	nesterov     bool
}

// Momentum is SGD with a velocity per trainable variable:
//
//	velocity = mu * velocity + grad
//	param -= learning_rate * velocity
//
// Or, with Nesterov, `param -= learning_rate * (grad + mu * velocity)`.
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done,
// and it will return an optimizer.Interface.
func Momentum() *MomentumConfig {
	return &MomentumConfig{
		scopeName:    MomentumDefaultScope,
		learningRate: -1, // < 0 means use the default.
		mu:           0.9,
	}
}

// FromContext reads ParamMomentum and ParamNesterov from the context, if they are set.
func (c *MomentumConfig) FromContext(ctx *context.Context) *MomentumConfig {
	c.mu = context.GetParamOr(ctx, ParamMomentum, c.mu)
	c.nesterov = context.GetParamOr(ctx, ParamNesterov, c.nesterov)
	return c
}

// Scope defines the top-level scope to use to store the velocity variables.
// It defaults to MomentumDefaultScope.
func (c *MomentumConfig) Scope(name string) *MomentumConfig {
	c.scopeName = name
	return c
}

// LearningRate sets the base learning rate.
//
// Default is either the value of ParamLearningRate ("learning_rate") in the Context if defined, or
// MomentumDefaultLearningRate if not.
func (c *MomentumConfig) LearningRate(value float64) *MomentumConfig {
	c.learningRate = value
	return c
}

// Mu sets the decay of the velocity. It defaults to 0.9.
func (c *MomentumConfig) Mu(mu float64) *MomentumConfig {
	c.mu = mu
	return c
}

// Nesterov configures the optimizer to use Nesterov momentum.
func (c *MomentumConfig) Nesterov(nesterov bool) *MomentumConfig {
	c.nesterov = nesterov
	return c
}

// Done will finish the configuration and construct an optimizer.Interface that implements Momentum.
func (c *MomentumConfig) Done() Interface {
	return &momentum{config: c}
}

type momentum struct {
	config *MomentumConfig
}

// Kind implements optimizers.Interface.
func (*momentum) Kind() Kind { return KindMomentum }

// Minimize appends one `momentum` op per trainable variable.
// It implements optimizers.Interface.
func (o *momentum) Minimize(ctx *context.Context, prog *program.Program, loss *context.Variable) []UpdateResult {
	checkLoss(loss)
	lrVar := o.learningRateVar(ctx)
	var results []UpdateResult
	for _, v := range TrainableVariables(ctx) {
		grad := GradientVar(v)
		velocity := o.velocityVar(ctx, v)
		op := program.NewOp(program.OpMomentum).
			In(program.SlotParam, v.ScopeAndName()).
			In(program.SlotGrad, grad.ScopeAndName()).
			In("Velocity", velocity.ScopeAndName()).
			In(program.SlotLearningRate, lrVar.ScopeAndName()).
			Out(program.SlotParamOut, v.ScopeAndName()).
			Out("VelocityOut", velocity.ScopeAndName()).
			Attr(program.AttrMu, o.config.mu).
			Attr(program.AttrUseNesterov, o.config.nesterov).
			WithRole(program.RoleOptimize)
		prog.AppendOp(op)
		results = append(results, UpdateResult{Op: op, Param: v, Grad: grad})
	}
	IncrementGlobalStepOp(ctx, prog)
	return results
}

func (o *momentum) learningRateVar(ctx *context.Context) *context.Variable {
	if o.config.learningRate >= 0 {
		return LearningRateVarWithValue(ctx, o.config.learningRate)
	}
	return LearningRateVar(ctx, MomentumDefaultLearningRate)
}

func (o *momentum) velocityVar(ctx *context.Context, trainable *context.Variable) *context.Variable {
	return stateVariable(ctx, o.config.scopeName, trainable, "velocity", trainable.Shape(), initializers.Zero)
}

// Clear deletes the velocity variables.
// It implements optimizers.Interface.
func (o *momentum) Clear(ctx *context.Context) {
	clearScope(ctx, o.config.scopeName)
}

// clearScope deletes all variables under the top-level scope with the given name.
func clearScope(ctx *context.Context, scopeName string) {
	var toDelete []*context.Variable
	ctx.InAbsPath(context.ScopeSeparator + scopeName).EnumerateVariablesInScope(func(v *context.Variable) {
		toDelete = append(toDelete, v)
	})
	for _, v := range toDelete {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
}
