// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/train/optimizers"
	"github.com/gomlx/localsgd/types/tensors"
)

// scopeSizes of the variables under a scope.
type scopeSizes struct {
	numVars, numValues int
	memory             uintptr
}

func sizesOf(scopedCtx *context.Context) (s scopeSizes) {
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		s.numVars++
		s.numValues += v.Shape().Size()
		s.memory += v.Shape().Memory()
	})
	return
}

// rowOf returns a table row with the label followed by value(ii) for each checkpoint.
func rowOf(label string, numCheckpoints int, value func(ii int) string) []string {
	row := make([]string, 0, numCheckpoints+1)
	row = append(row, label)
	for ii := range numCheckpoints {
		row = append(row, value(ii))
	}
	return row
}

// Summary prints, for each checkpoint side by side, the global step and the sizes of the variables
// under -scope. Global steps that differ are flagged: checkpoints of the workers of a run are saved
// at the same steps.
func Summary(ctxs, scopedCtxs []*context.Context, names []string) {
	n := len(names)
	fmt.Println(titleStyle.Render("Summary"))
	table := newReport(lipgloss.Right, lipgloss.Left)
	table.Row(rowOf("checkpoint", n, func(ii int) string { return names[ii] })...)
	table.Row(rowOf("scope", n, func(int) string { return *flagScope })...)

	steps := rowOf("global_step", n, func(ii int) string {
		v := ctxs[ii].InspectVariable(context.RootScope, optimizers.GlobalStepVariableName)
		if v == nil {
			return "-"
		}
		return humanize.Comma(tensors.ToScalar[int64](v.Value()))
	})
	table.FlaggedRow(disagree(steps[1:]), steps...)

	sizes := make([]scopeSizes, n)
	for ii, scopedCtx := range scopedCtxs {
		sizes[ii] = sizesOf(scopedCtx)
	}
	table.Row(rowOf("# variables", n, func(ii int) string { return humanize.Comma(int64(sizes[ii].numVars)) })...)
	table.Row(rowOf("# values", n, func(ii int) string { return humanize.Comma(int64(sizes[ii].numValues)) })...)
	table.Row(rowOf("# bytes", n, func(ii int) string { return humanize.Bytes(uint64(sizes[ii].memory)) })...)
	// Loaded variables keep their trainable flag, so snapshots and optimizer state are not counted.
	table.Row(rowOf("# trainable (all scopes)", n, func(ii int) string {
		return humanize.Comma(int64(ctxs[ii].NumParameters()))
	})...)
	table.Print()
}
