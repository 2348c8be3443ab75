// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole(t *testing.T) {
	role := RoleOptimize | RoleLRSched
	assert.True(t, role.Has(RoleOptimize))
	assert.True(t, role.Has(RoleLRSched))
	assert.False(t, role.Has(RoleBackward))
	assert.True(t, role.Has(RoleForward))
	assert.Equal(t, "Optimize|LRSched", role.String())
	assert.Equal(t, "Forward", RoleForward.String())
}

func TestOp(t *testing.T) {
	op := NewOp(OpSGD).
		In(SlotParam, "/w").In(SlotGrad, "/w@GRAD").In(SlotLearningRate, "/optimizers/learning_rate").
		Out(SlotParamOut, "/w").
		WithRole(RoleOptimize)
	assert.True(t, op.IsUpdateOp())
	assert.Equal(t, "/w@GRAD", op.Input(SlotGrad))
	assert.Equal(t, "", op.Input("Velocity"))
	assert.Equal(t, "/w", op.Output(SlotParamOut))

	// Without the Optimize role it is not an update.
	forward := op.Clone().WithRole(RoleForward)
	assert.False(t, forward.IsUpdateOp())
	assert.True(t, op.IsUpdateOp(), "Clone must not share attributes")

	// Without a gradient it is not an update.
	noGrad := op.Clone()
	delete(noGrad.Inputs, SlotGrad)
	assert.False(t, noGrad.IsUpdateOp())
	assert.Equal(t, "/w@GRAD", op.Input(SlotGrad), "Clone must not share slots")

	assert.Equal(t,
		"sgd(Grad=[/w@GRAD], LearningRate=[/optimizers/learning_rate], Param=[/w]) -> (ParamOut=[/w]) {op_role=Optimize}",
		op.String())
}

func TestGetAttrOr(t *testing.T) {
	op := NewOp(OpScale).Attr(AttrScale, 0.5).Attr(AttrRingID, int64(1)).Attr("name", "x")
	assert.Equal(t, 0.5, GetAttrOr(op, AttrScale, 1.0))
	assert.Equal(t, 1, GetAttrOr(op, AttrRingID, 0))
	assert.Equal(t, 3.0, GetAttrOr(op, AttrBias, 3.0))
	assert.Panics(t, func() { _ = GetAttrOr(op, "name", 0.0) })
}

func TestProgramExpand(t *testing.T) {
	prog := New("main")
	for _, name := range []string{"a", "b", "c"} {
		prog.AppendOp(NewOp(OpAssign).In("X", "/"+name).Out("Out", "/"+name))
	}
	prog.InsertOp(0, NewOp(OpIncrement).In("X", "/step").Out("Out", "/step"))
	require.Equal(t, 4, prog.NumOps())
	assert.Equal(t, OpIncrement, prog.Op(0).Type)
	assert.Panics(t, func() { prog.InsertOp(10, NewOp(OpAssign)) })
	assert.Panics(t, func() { _ = prog.Op(-1) })

	visited := func(p *Program) []string {
		var inputs []string
		for _, op := range p.Ops() {
			inputs = append(inputs, op.Input("X"))
		}
		return inputs
	}
	keepAssigns := func(_ int, op *Op) []*Op {
		if op.Type != OpAssign {
			return nil
		}
		return []*Op{op}
	}
	assert.Equal(t, []string{"/a", "/b", "/c"}, visited(prog.Expand("forward", keepAssigns)))
	assert.Equal(t, []string{"/c", "/b", "/a"}, visited(prog.ExpandReverse("reverse", keepAssigns)))

	// Rewrite in place: duplicate every op.
	prog.Rewrite(func(_ int, op *Op) []*Op { return []*Op{op, op.Clone()} })
	assert.Equal(t, 8, prog.NumOps())
}

func TestProgramHooks(t *testing.T) {
	prog := New("main")
	var calls []string
	prog.OnRun("first", func(*Executor) error { calls = append(calls, "first"); return nil })
	prog.OnRun("second", func(*Executor) error { calls = append(calls, "second"); return nil })
	prog.OnRun("first", func(*Executor) error { calls = append(calls, "first-replaced"); return nil })
	assert.Equal(t, []string{"first", "second"}, prog.HookNames())

	// Derived programs don't carry hooks.
	assert.Empty(t, prog.Expand("derived", func(_ int, op *Op) []*Op { return []*Op{op} }).HookNames())

	exec := NewExecutor(nil, nil)
	defer func() { _ = exec.Close() }()
	require.NoError(t, exec.Run(prog))
	assert.Equal(t, []string{"first-replaced", "second"}, calls)
}
