// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package program defines the training step as an ordered list of ops over context variables, and
// the Executor that runs it.
//
// Optimizers append their update ops to a Program; strategies that wrap optimizers derive new
// programs from it with rewriting passes (see Program.Expand and Program.ExpandReverse) and
// register hooks (Program.OnRun) that run after the ops of a step, with plain Go control flow.
package program

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Program is an ordered list of ops, plus hooks executed after the ops on every run.
//
// A Program is not safe for concurrent use.
type Program struct {
	name  string
	ops   []*Op
	hooks []namedHook
}

// Hook is called by Executor.Run after all ops of the program finished executing.
type Hook func(exec *Executor) error

type namedHook struct {
	name string
	fn   Hook
}

// New creates an empty Program.
func New(name string) *Program {
	return &Program{name: name}
}

// Name of the program.
func (p *Program) Name() string { return p.name }

// NumOps returns the number of ops in the program.
func (p *Program) NumOps() int { return len(p.ops) }

// Ops returns a copy of the list of ops. The ops themselves are shared.
func (p *Program) Ops() []*Op { return slices.Clone(p.ops) }

// Op returns the op at position idx.
func (p *Program) Op(idx int) *Op {
	if idx < 0 || idx >= len(p.ops) {
		exceptions.Panicf("Program(%q).Op(%d): index out of range [0, %d)", p.name, idx, len(p.ops))
	}
	return p.ops[idx]
}

// AppendOp appends op at the end of the program. It returns the op.
func (p *Program) AppendOp(op *Op) *Op {
	p.ops = append(p.ops, op)
	return op
}

// InsertOp inserts op at position idx, moving the following ops forward. idx == NumOps() is the
// same as AppendOp. It returns the op.
func (p *Program) InsertOp(idx int, op *Op) *Op {
	if idx < 0 || idx > len(p.ops) {
		exceptions.Panicf("Program(%q).InsertOp(%d): index out of range [0, %d]", p.name, idx, len(p.ops))
	}
	p.ops = slices.Insert(p.ops, idx, op)
	return op
}

// Pass is a rewriting pass: it is called for each op of a program, with the op's index, and returns
// the ops that take its place in the result.
type Pass func(idx int, op *Op) []*Op

// Rewrite replaces, in place, each op by the ops returned by pass. Returning []*Op{op} keeps the op
// unchanged, and returning nil removes it.
func (p *Program) Rewrite(pass Pass) {
	var ops []*Op
	for idx, op := range p.ops {
		ops = append(ops, pass(idx, op)...)
	}
	p.ops = ops
}

// Expand creates a new program (without hooks) with the concatenation of the ops returned by pass
// for each op of p, visited in order.
func (p *Program) Expand(name string, pass Pass) *Program {
	result := New(name)
	for idx, op := range p.ops {
		result.ops = append(result.ops, pass(idx, op)...)
	}
	return result
}

// ExpandReverse is like Expand, but visits the ops of p in reverse order.
func (p *Program) ExpandReverse(name string, pass Pass) *Program {
	result := New(name)
	for idx := len(p.ops) - 1; idx >= 0; idx-- {
		result.ops = append(result.ops, pass(idx, p.ops[idx])...)
	}
	return result
}

// OnRun registers a hook to be called after the ops of the program, every time it is run.
// Hooks are called in the order they were registered. Registering a hook with the name of an
// existing one replaces it.
func (p *Program) OnRun(name string, hook Hook) {
	for ii, h := range p.hooks {
		if h.name == name {
			p.hooks[ii].fn = hook
			return
		}
	}
	p.hooks = append(p.hooks, namedHook{name: name, fn: hook})
}

// HookNames returns the names of the registered hooks, in execution order.
func (p *Program) HookNames() []string {
	names := make([]string, len(p.hooks))
	for ii, h := range p.hooks {
		names[ii] = h.name
	}
	return names
}

// String returns a listing of the program, one op per line.
func (p *Program) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Program %q: %d ops\n", p.name, len(p.ops))
	for ii, op := range p.ops {
		_, _ = fmt.Fprintf(&sb, "\t#%03d %s\n", ii, op)
	}
	if len(p.hooks) > 0 {
		_, _ = fmt.Fprintf(&sb, "\thooks: %v\n", p.HookNames())
	}
	return sb.String()
}
