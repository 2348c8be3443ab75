// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"math"

	"github.com/gomlx/localsgd/collective"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/types/tensors"
	"github.com/pkg/errors"
)

// Op types with kernels registered by this package.
const (
	OpIncrement       = "increment"
	OpSGD             = "sgd"
	OpMomentum        = "momentum"
	OpAdam            = "adam"
	OpCosineDecay     = "cosine_decay"
	OpElementwiseSub  = "elementwise_sub"
	OpScale           = "scale"
	OpAssign          = "assign"
	OpSyncCalcStream  = "c_sync_calc_stream"
	OpAllReduceSum    = "c_allreduce_sum"
	OpSyncCommStream  = "c_sync_comm_stream"
	AttrScale         = "scale"
	AttrBias          = "bias"
	AttrStep          = "step"
	AttrMu            = "mu"
	AttrUseNesterov   = "use_nesterov"
	AttrBeta1         = "beta1"
	AttrBeta2         = "beta2"
	AttrEpsilon       = "epsilon"
	AttrBaseLR        = "base_lr"
	AttrMinLR         = "min_lr"
	AttrPeriodInSteps = "period"
)

func init() {
	RegisterKernel(OpIncrement, OnCompute, incrementKernel)
	RegisterKernel(OpSGD, OnCompute, sgdKernel)
	RegisterKernel(OpMomentum, OnCompute, momentumKernel)
	RegisterKernel(OpAdam, OnCompute, adamKernel)
	RegisterKernel(OpCosineDecay, OnCompute, cosineDecayKernel)
	RegisterKernel(OpElementwiseSub, OnCompute, elementwiseSubKernel)
	RegisterKernel(OpScale, OnCompute, scaleKernel)
	RegisterKernel(OpAssign, OnCompute, assignKernel)
	RegisterKernel(OpSyncCalcStream, OnHost, func(exec *Executor, _ *Op) (collective.Task, error) {
		return exec.SynchronizeCompute, nil
	})
	RegisterKernel(OpAllReduceSum, OnComm, allReduceSumKernel)
	RegisterKernel(OpSyncCommStream, OnHost, func(exec *Executor, op *Op) (collective.Task, error) {
		if _, err := exec.Ring(op); err != nil {
			return nil, err
		}
		return func() error { return exec.SynchronizeComm(op) }, nil
	})
}

// slotVars resolves the first variable of each of the given slots.
func slotVars(exec *Executor, op *Op, slots map[string][]string, names ...string) ([]*context.Variable, error) {
	vars := make([]*context.Variable, len(names))
	for ii, name := range names {
		paths := slots[name]
		if len(paths) == 0 {
			return nil, errors.Errorf("op %s: slot %q not set", op.Type, name)
		}
		v, err := exec.Variable(paths[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "op %s, slot %q", op.Type, name)
		}
		vars[ii] = v
	}
	return vars, nil
}

// sameDimensions checks all variables have the same dimensions as the first.
func sameDimensions(op *Op, vars ...*context.Variable) error {
	for _, v := range vars[1:] {
		if !v.Shape().EqualDimensions(vars[0].Shape()) {
			return errors.Errorf("op %s: variable %s has shape %s, incompatible with %s shape %s",
				op.Type, v.ScopeAndName(), v.Shape(), vars[0].ScopeAndName(), vars[0].Shape())
		}
	}
	return nil
}

func scalarValue(op *Op, v *context.Variable) (*tensors.Tensor, error) {
	value := v.Value()
	if !value.IsScalar() {
		return nil, errors.Errorf("op %s: variable %s must be a scalar, got shape %s", op.Type, v.ScopeAndName(), value.Shape())
	}
	return value, nil
}

// incrementKernel: Out = X + step.
func incrementKernel(exec *Executor, op *Op) (collective.Task, error) {
	ins, err := slotVars(exec, op, op.Inputs, "X")
	if err != nil {
		return nil, err
	}
	outs, err := slotVars(exec, op, op.Outputs, "Out")
	if err != nil {
		return nil, err
	}
	if err := sameDimensions(op, ins[0], outs[0]); err != nil {
		return nil, err
	}
	step := GetAttrOr(op, AttrStep, 1.0)
	return func() error {
		x, out := ins[0].Value().Flat(), outs[0].Value().Flat()
		for ii := range out {
			out[ii] = x[ii] + step
		}
		outs[0].Value().Conform()
		return nil
	}, nil
}

// sgdKernel: ParamOut = Param - LearningRate * Grad.
func sgdKernel(exec *Executor, op *Op) (collective.Task, error) {
	ins, err := slotVars(exec, op, op.Inputs, SlotParam, SlotGrad, SlotLearningRate)
	if err != nil {
		return nil, err
	}
	outs, err := slotVars(exec, op, op.Outputs, SlotParamOut)
	if err != nil {
		return nil, err
	}
	if err := sameDimensions(op, ins[0], ins[1], outs[0]); err != nil {
		return nil, err
	}
	lr, err := scalarValue(op, ins[2])
	if err != nil {
		return nil, err
	}
	return func() error {
		param, grad, out := ins[0].Value().Flat(), ins[1].Value().Flat(), outs[0].Value().Flat()
		lrValue := tensors.ToScalar[float64](lr)
		for ii := range out {
			out[ii] = param[ii] - lrValue*grad[ii]
		}
		return nil
	}, nil
}

// momentumKernel:
//
//	VelocityOut = mu * Velocity + Grad
//	ParamOut = Param - LearningRate * VelocityOut                     (plain)
//	ParamOut = Param - LearningRate * (Grad + mu * VelocityOut)       (Nesterov)
func momentumKernel(exec *Executor, op *Op) (collective.Task, error) {
	ins, err := slotVars(exec, op, op.Inputs, SlotParam, SlotGrad, "Velocity", SlotLearningRate)
	if err != nil {
		return nil, err
	}
	outs, err := slotVars(exec, op, op.Outputs, SlotParamOut, "VelocityOut")
	if err != nil {
		return nil, err
	}
	if err := sameDimensions(op, ins[0], ins[1], ins[2], outs[0], outs[1]); err != nil {
		return nil, err
	}
	lr, err := scalarValue(op, ins[3])
	if err != nil {
		return nil, err
	}
	mu := GetAttrOr(op, AttrMu, 0.9)
	nesterov := GetAttrOr(op, AttrUseNesterov, false)
	return func() error {
		param, grad, velocity := ins[0].Value().Flat(), ins[1].Value().Flat(), ins[2].Value().Flat()
		paramOut, velocityOut := outs[0].Value().Flat(), outs[1].Value().Flat()
		lrValue := tensors.ToScalar[float64](lr)
		for ii := range paramOut {
			v := mu*velocity[ii] + grad[ii]
			velocityOut[ii] = v
			if nesterov {
				paramOut[ii] = param[ii] - lrValue*(grad[ii]+mu*v)
			} else {
				paramOut[ii] = param[ii] - lrValue*v
			}
		}
		return nil
	}, nil
}

// adamKernel implements Adam, with the bias corrections folded into the learning rate:
//
//	Moment1Out = beta1 * Moment1 + (1 - beta1) * Grad
//	Moment2Out = beta2 * Moment2 + (1 - beta2) * Grad^2
//	lr_t = LearningRate * sqrt(1 - Beta2Pow) / (1 - Beta1Pow)
//	ParamOut = Param - lr_t * Moment1Out / (sqrt(Moment2Out) + epsilon)
//	Beta1PowOut, Beta2PowOut = Beta1Pow * beta1, Beta2Pow * beta2
func adamKernel(exec *Executor, op *Op) (collective.Task, error) {
	ins, err := slotVars(exec, op, op.Inputs, SlotParam, SlotGrad, "Moment1", "Moment2", "Beta1Pow", "Beta2Pow", SlotLearningRate)
	if err != nil {
		return nil, err
	}
	outs, err := slotVars(exec, op, op.Outputs, SlotParamOut, "Moment1Out", "Moment2Out", "Beta1PowOut", "Beta2PowOut")
	if err != nil {
		return nil, err
	}
	if err := sameDimensions(op, ins[0], ins[1], ins[2], ins[3], outs[0], outs[1], outs[2]); err != nil {
		return nil, err
	}
	scalars := make([]*tensors.Tensor, 0, 5)
	for _, v := range []*context.Variable{ins[4], ins[5], ins[6], outs[3], outs[4]} {
		s, err := scalarValue(op, v)
		if err != nil {
			return nil, err
		}
		scalars = append(scalars, s)
	}
	beta1 := GetAttrOr(op, AttrBeta1, 0.9)
	beta2 := GetAttrOr(op, AttrBeta2, 0.999)
	epsilon := GetAttrOr(op, AttrEpsilon, 1e-7)
	return func() error {
		param, grad := ins[0].Value().Flat(), ins[1].Value().Flat()
		m1, m2 := ins[2].Value().Flat(), ins[3].Value().Flat()
		paramOut, m1Out, m2Out := outs[0].Value().Flat(), outs[1].Value().Flat(), outs[2].Value().Flat()
		beta1Pow, beta2Pow := tensors.ToScalar[float64](scalars[0]), tensors.ToScalar[float64](scalars[1])
		lr := tensors.ToScalar[float64](scalars[2])
		lrT := lr * math.Sqrt(1-beta2Pow) / (1 - beta1Pow)
		for ii := range paramOut {
			g := grad[ii]
			m1Out[ii] = beta1*m1[ii] + (1-beta1)*g
			m2Out[ii] = beta2*m2[ii] + (1-beta2)*g*g
			paramOut[ii] = param[ii] - lrT*m1Out[ii]/(math.Sqrt(m2Out[ii])+epsilon)
		}
		scalars[3].SetScalar(beta1Pow * beta1)
		scalars[4].SetScalar(beta2Pow * beta2)
		return nil
	}, nil
}

// cosineDecayKernel sets the LearningRate from the step counter X:
//
//	cycle = frac(X / period)
//	LearningRate = min_lr + (base_lr - min_lr) * (1 + cos(pi * cycle)) / 2
func cosineDecayKernel(exec *Executor, op *Op) (collective.Task, error) {
	ins, err := slotVars(exec, op, op.Inputs, "X")
	if err != nil {
		return nil, err
	}
	outs, err := slotVars(exec, op, op.Outputs, SlotLearningRate)
	if err != nil {
		return nil, err
	}
	step, err := scalarValue(op, ins[0])
	if err != nil {
		return nil, err
	}
	lr, err := scalarValue(op, outs[0])
	if err != nil {
		return nil, err
	}
	baseLR := GetAttrOr(op, AttrBaseLR, 0.0)
	minLR := GetAttrOr(op, AttrMinLR, 0.0)
	period := GetAttrOr(op, AttrPeriodInSteps, 0.0)
	if period <= 0 {
		return nil, errors.Errorf("op %s: attribute %q must be > 0, got %g", op.Type, AttrPeriodInSteps, period)
	}
	return func() error {
		cycle := tensors.ToScalar[float64](step) / period
		cycle -= math.Floor(cycle)
		lr.SetScalar(minLR + (baseLR-minLR)*(1+math.Cos(math.Pi*cycle))/2)
		return nil
	}, nil
}

// elementwiseSubKernel: Out = X - Y.
func elementwiseSubKernel(exec *Executor, op *Op) (collective.Task, error) {
	ins, err := slotVars(exec, op, op.Inputs, "X", "Y")
	if err != nil {
		return nil, err
	}
	outs, err := slotVars(exec, op, op.Outputs, "Out")
	if err != nil {
		return nil, err
	}
	if err := sameDimensions(op, ins[0], ins[1], outs[0]); err != nil {
		return nil, err
	}
	return func() error {
		x, y, out := ins[0].Value().Flat(), ins[1].Value().Flat(), outs[0].Value().Flat()
		for ii := range out {
			out[ii] = x[ii] - y[ii]
		}
		outs[0].Value().Conform()
		return nil
	}, nil
}

// scaleKernel: Out = X * scale + bias.
func scaleKernel(exec *Executor, op *Op) (collective.Task, error) {
	ins, err := slotVars(exec, op, op.Inputs, "X")
	if err != nil {
		return nil, err
	}
	outs, err := slotVars(exec, op, op.Outputs, "Out")
	if err != nil {
		return nil, err
	}
	if err := sameDimensions(op, ins[0], outs[0]); err != nil {
		return nil, err
	}
	scale := GetAttrOr(op, AttrScale, 1.0)
	bias := GetAttrOr(op, AttrBias, 0.0)
	return func() error {
		x, out := ins[0].Value().Flat(), outs[0].Value().Flat()
		for ii := range out {
			out[ii] = x[ii]*scale + bias
		}
		outs[0].Value().Conform()
		return nil
	}, nil
}

// assignKernel: Out = X.
func assignKernel(exec *Executor, op *Op) (collective.Task, error) {
	ins, err := slotVars(exec, op, op.Inputs, "X")
	if err != nil {
		return nil, err
	}
	outs, err := slotVars(exec, op, op.Outputs, "Out")
	if err != nil {
		return nil, err
	}
	if err := sameDimensions(op, ins[0], outs[0]); err != nil {
		return nil, err
	}
	return func() error {
		return outs[0].Value().CopyFrom(ins[0].Value())
	}, nil
}

// allReduceSumKernel sums X across all workers of the op's ring, in place (Out must be X).
func allReduceSumKernel(exec *Executor, op *Op) (collective.Task, error) {
	ins, err := slotVars(exec, op, op.Inputs, "X")
	if err != nil {
		return nil, err
	}
	if out := op.Output("Out"); out != "" && out != op.Input("X") {
		return nil, errors.Errorf("op %s reduces in place, but output %q is not the input %q", op.Type, out, op.Input("X"))
	}
	ring, err := exec.Ring(op)
	if err != nil {
		return nil, err
	}
	return func() error {
		ctx, cancel := exec.collectiveContext()
		defer cancel()
		return collective.NewFailure(ring.ID(), op.Type, ring.AllReduceSum(ctx, ins[0].Value().Flat()))
	}, nil
}
