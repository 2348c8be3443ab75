// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Role of an op in the training step. It's stored in the op attribute AttrRole, and it's used by the
// executor and by rewriting passes to distinguish the phases of a step.
type Role int

const (
	RoleForward  Role = 0x0000
	RoleBackward Role = 0x0001
	RoleOptimize Role = 0x0002
	RoleLRSched  Role = 0x0010
	RoleLoss     Role = 0x0100
)

// Has returns whether r has all the bits of role set. RoleForward (0) is always included.
func (r Role) Has(role Role) bool { return r&role == role }

// String implements fmt.Stringer.
func (r Role) String() string {
	if r == RoleForward {
		return "Forward"
	}
	var parts []string
	for _, named := range []struct {
		role Role
		name string
	}{{RoleBackward, "Backward"}, {RoleOptimize, "Optimize"}, {RoleLRSched, "LRSched"}, {RoleLoss, "Loss"}} {
		if r.Has(named.role) {
			parts = append(parts, named.name)
		}
	}
	return strings.Join(parts, "|")
}

// AttrRole is the attribute key holding the Role of an op.
const AttrRole = "op_role"

// Op is one operation of a Program: a type tag (used to find its kernel), named slots of input and
// output variables (referred to by their path, see context.Variable.ScopeAndName) and attributes.
type Op struct {
	Type    string
	Inputs  map[string][]string
	Outputs map[string][]string
	Attrs   map[string]any
}

// NewOp creates an op of the given type, with no inputs, outputs or attributes, and RoleForward.
func NewOp(opType string) *Op {
	return &Op{
		Type:    opType,
		Inputs:  make(map[string][]string),
		Outputs: make(map[string][]string),
		Attrs:   map[string]any{AttrRole: RoleForward},
	}
}

// In sets the input slot to the given variable paths. It returns the op, so calls can be cascaded.
func (op *Op) In(slot string, paths ...string) *Op {
	op.Inputs[slot] = paths
	return op
}

// Out sets the output slot to the given variable paths. It returns the op, so calls can be cascaded.
func (op *Op) Out(slot string, paths ...string) *Op {
	op.Outputs[slot] = paths
	return op
}

// Attr sets an attribute. It returns the op, so calls can be cascaded.
func (op *Op) Attr(key string, value any) *Op {
	op.Attrs[key] = value
	return op
}

// WithRole sets the role of the op. It returns the op, so calls can be cascaded.
func (op *Op) WithRole(role Role) *Op {
	return op.Attr(AttrRole, role)
}

// Role of the op.
func (op *Op) Role() Role {
	return GetAttrOr(op, AttrRole, RoleForward)
}

// Input returns the first path of the input slot, or "" if the slot is not set.
func (op *Op) Input(slot string) string {
	if paths := op.Inputs[slot]; len(paths) > 0 {
		return paths[0]
	}
	return ""
}

// Output returns the first path of the output slot, or "" if the slot is not set.
func (op *Op) Output(slot string) string {
	if paths := op.Outputs[slot]; len(paths) > 0 {
		return paths[0]
	}
	return ""
}

// Update op slots, as used by the optimizer ops.
const (
	SlotParam        = "Param"
	SlotGrad         = "Grad"
	SlotLearningRate = "LearningRate"
	SlotParamOut     = "ParamOut"
)

// IsUpdateOp returns whether the op is a parameter update: an op with the Optimize role that takes
// a Param, its Grad and a LearningRate.
func (op *Op) IsUpdateOp() bool {
	if !op.Role().Has(RoleOptimize) {
		return false
	}
	for _, slot := range []string{SlotParam, SlotGrad, SlotLearningRate} {
		if len(op.Inputs[slot]) == 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the op. Attribute values are copied shallowly.
func (op *Op) Clone() *Op {
	clone := &Op{
		Type:    op.Type,
		Inputs:  make(map[string][]string, len(op.Inputs)),
		Outputs: make(map[string][]string, len(op.Outputs)),
		Attrs:   maps.Clone(op.Attrs),
	}
	for slot, paths := range op.Inputs {
		clone.Inputs[slot] = slices.Clone(paths)
	}
	for slot, paths := range op.Outputs {
		clone.Outputs[slot] = slices.Clone(paths)
	}
	return clone
}

// String implements fmt.Stringer, e.g.: `c_allreduce_sum(X=[/w]) -> (Out=[/w]) {op_role=Optimize, ring_id=1}`.
func (op *Op) String() string {
	slotsStr := func(slots map[string][]string) string {
		var parts []string
		for _, slot := range slices.Sorted(maps.Keys(slots)) {
			parts = append(parts, fmt.Sprintf("%s=%v", slot, slots[slot]))
		}
		return strings.Join(parts, ", ")
	}
	var attrs []string
	for _, key := range slices.Sorted(maps.Keys(op.Attrs)) {
		attrs = append(attrs, fmt.Sprintf("%s=%v", key, op.Attrs[key]))
	}
	return fmt.Sprintf("%s(%s) -> (%s) {%s}", op.Type, slotsStr(op.Inputs), slotsStr(op.Outputs), strings.Join(attrs, ", "))
}

// GetAttrOr returns the attribute converted to T, or defaultValue if it's not set.
// It panics if the attribute cannot be converted to T.
func GetAttrOr[T any](op *Op, key string, defaultValue T) T {
	valueAny, found := op.Attrs[key]
	if !found || valueAny == nil {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(defaultValue)
	if !v.CanConvert(typeOfT) {
		exceptions.Panicf("op %q attribute %q is %T, it cannot be converted to %s", op.Type, key, valueAny, typeOfT)
	}
	return v.Convert(typeOfT).Interface().(T)
}
