// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/context/initializers"
	"github.com/gomlx/localsgd/ml/program"
	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultScope is the default scope name for moments and step used by Adam.
	AdamDefaultScope = "AdamOptimizer"
)

var (
	// ParamAdamEpsilon is the context parameter for Adam's epsilon. Defaults to 1e-7.
	ParamAdamEpsilon = "adam_epsilon"
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// Its per-parameter moments are local to a worker, so strategies that average parameters across
// workers (localsgd) refuse to wrap it.
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done, and it
// will return an optimizer.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName:    AdamDefaultScope,
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam based optimizer.Interface.
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
}

// FromContext reads ParamAdamEpsilon from the context, if set.
func (c *AdamConfig) FromContext(ctx *context.Context) *AdamConfig {
	c.epsilon = context.GetParamOr(ctx, ParamAdamEpsilon, c.epsilon)
	return c
}

// Scope defines the top-level scope to use to store the 1st and 2nd order moments of the gradients and the
// powers of the betas used by Adam optimizer.
//
// It defaults to AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate sets the base learning rate.
//
// Default is either the value of ParamLearningRate ("learning_rate") global parameter in Context if defined, or 0.001 if not.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done will finish the configuration and construct an optimizer.Interface that implements Adam.
func (c *AdamConfig) Done() Interface {
	return &adam{config: c}
}

// adam implements the Adam algorithm as an optimizer.Interface.
type adam struct {
	config *AdamConfig
}

// Kind implements optimizers.Interface.
func (*adam) Kind() Kind { return KindAdam }

// Minimize appends one `adam` op per trainable variable.
// It implements optimizers.Interface.
func (o *adam) Minimize(ctx *context.Context, prog *program.Program, loss *context.Variable) []UpdateResult {
	checkLoss(loss)
	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, AdamDefaultLearningRate)
	}
	lrVar := LearningRateVarWithValue(ctx, lrValue)

	var results []UpdateResult
	for _, v := range TrainableVariables(ctx) {
		grad := GradientVar(v)
		m1, m2 := o.getMomentVariables(ctx, v)
		beta1Pow := stateVariable(ctx, o.config.scopeName, v, "beta1_pow", shapes.Scalar(shapes.Float64),
			initializers.BroadcastTensorToShape(tensors.FromScalar(shapes.Float64, o.config.beta1)))
		beta2Pow := stateVariable(ctx, o.config.scopeName, v, "beta2_pow", shapes.Scalar(shapes.Float64),
			initializers.BroadcastTensorToShape(tensors.FromScalar(shapes.Float64, o.config.beta2)))
		op := program.NewOp(program.OpAdam).
			In(program.SlotParam, v.ScopeAndName()).
			In(program.SlotGrad, grad.ScopeAndName()).
			In("Moment1", m1.ScopeAndName()).
			In("Moment2", m2.ScopeAndName()).
			In("Beta1Pow", beta1Pow.ScopeAndName()).
			In("Beta2Pow", beta2Pow.ScopeAndName()).
			In(program.SlotLearningRate, lrVar.ScopeAndName()).
			Out(program.SlotParamOut, v.ScopeAndName()).
			Out("Moment1Out", m1.ScopeAndName()).
			Out("Moment2Out", m2.ScopeAndName()).
			Out("Beta1PowOut", beta1Pow.ScopeAndName()).
			Out("Beta2PowOut", beta2Pow.ScopeAndName()).
			Attr(program.AttrBeta1, o.config.beta1).
			Attr(program.AttrBeta2, o.config.beta2).
			Attr(program.AttrEpsilon, o.config.epsilon).
			WithRole(program.RoleOptimize)
		prog.AppendOp(op)
		results = append(results, UpdateResult{Op: op, Param: v, Grad: grad})
	}
	IncrementGlobalStepOp(ctx, prog)
	return results
}

// getMomentVariables returns the moment variables corresponding to the trainable variable given,
// creating them with zeros if they don't exist yet.
func (o *adam) getMomentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	shape := trainable.Shape()
	m1 = stateVariable(ctx, o.config.scopeName, trainable, "1st_moment", shape, initializers.Zero)
	m2 = stateVariable(ctx, o.config.scopeName, trainable, "2nd_moment", shape, initializers.Zero)
	return
}

// Clear deletes the moments and beta powers.
// It implements optimizers.Interface.
func (o *adam) Clear(ctx *context.Context) {
	clearScope(ctx, o.config.scopeName)
}
