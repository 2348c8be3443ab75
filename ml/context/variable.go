// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/localsgd/ml/context/initializers"
	"github.com/gomlx/localsgd/types/shapes"
	"github.com/gomlx/localsgd/types/tensors"
)

// Variable is a value that persists across training steps. It's commonly used to store the weights
// (aka. parameters) of a model, their gradients and optimizer state. It's defined in a scope in a Context.
//
// The value is a host tensor, mutated in place by the program kernels, or replaced with SetValue.
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether variable is trainable. If set to false it won't be
	// touched by the optimizers.
	Trainable bool

	// sharded indicates the variable is partitioned across workers: each worker holds only its own
	// slice, so it must never be averaged across workers.
	sharded bool

	shape shapes.Shape
	value *tensors.Tensor
}

// VariableInitializer returns a value to initialize a variable of the given shape. It is defined
// in the Context.
type VariableInitializer = initializers.VariableInitializer

// Name of the variable within the scope.
func (v *Variable) Name() string {
	v.AssertValid()
	return v.name
}

// String implements stringer.
func (v *Variable) String() string {
	if v == nil || !v.Shape().Ok() {
		return "INVALID (NIL) VARIABLE"
	}
	return v.ScopeAndName()
}

// AssertValid panics if the variable is in an invalid state: if it's nil or it's shape is not yet set.
func (v *Variable) AssertValid() {
	if v == nil {
		exceptions.Panicf("context.Variable is nil")
	}
	if !v.shape.Ok() {
		exceptions.Panicf("context.Variable has no shape")
	}
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	v.AssertValid()
	return v.scope
}

// Context where the variable was created. Its scope is the variable's scope.
func (v *Variable) Context() *Context {
	v.AssertValid()
	return v.ctx
}

// ScopeAndName returns the full path of the variable, e.g.: "/model/dense/weights".
func (v *Variable) ScopeAndName() string {
	return JoinScope(v.scope, v.name)
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape {
	if v == nil {
		return shapes.Shape{}
	}
	return v.shape
}

// Value returns the tensor holding the variable value. Changes to the tensor change the variable.
func (v *Variable) Value() *tensors.Tensor {
	v.AssertValid()
	return v.value
}

// SetValue replaces the tensor holding the variable value. The value must have the same shape as the
// variable.
func (v *Variable) SetValue(value *tensors.Tensor) {
	v.AssertValid()
	if !value.Shape().Eq(v.shape) {
		exceptions.Panicf("Variable(%q).SetValue(): value shape %s doesn't match variable shape %s",
			v.ScopeAndName(), value.Shape(), v.shape)
	}
	v.value = value
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.AssertValid()
	v.Trainable = trainable
	return v
}

// SetSharded marks the variable as partitioned across workers. Returns itself, so calls can be cascaded.
func (v *Variable) SetSharded(sharded bool) *Variable {
	v.AssertValid()
	v.sharded = sharded
	return v
}

// IsSharded returns whether the variable is partitioned across workers.
func (v *Variable) IsSharded() bool {
	return v.sharded
}

// Summary returns a one-line description of the variable, used by logging and inspection tools.
func (v *Variable) Summary() string {
	flags := ""
	if v.Trainable {
		flags += " trainable"
	}
	if v.sharded {
		flags += " sharded"
	}
	return fmt.Sprintf("%s %s%s", v.ScopeAndName(), v.shape, flags)
}
