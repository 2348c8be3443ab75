// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"cmp"
	"flag"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/janpfeifer/must"
)

var (
	flagVars       = flag.Bool("vars", false, "Lists the variables under --scope.")
	flagDeleteVars = flag.String("delete_vars", "", "Delete variables under the given (comma-separated) scope(s), "+
		"and save a new checkpoint. Useful for instance to remove the optimizer state or the LocalSGD snapshots.")
)

// valueStats returns the mean absolute value, the root-mean-square and the max absolute value of values.
func valueStats(values []float64) (mav, rms, maxAV float64) {
	if len(values) == 0 {
		return
	}
	for _, v := range values {
		abs := math.Abs(v)
		mav += abs
		rms += v * v
		maxAV = max(maxAV, abs)
	}
	n := float64(len(values))
	return mav / n, math.Sqrt(rms / n), maxAV
}

// variableRow describes v for ListVariables. Non-scalar float variables get the MAV (mean absolute
// value), RMS (root-mean-square) and MaxAV (max absolute value) columns; scalars show their value.
func variableRow(v *context.Variable) []string {
	shape := v.Shape()
	row := []string{v.Scope(), v.Name(), shape.String(),
		humanize.Comma(int64(shape.Size())), humanize.Bytes(uint64(shape.Memory())), "", "", ""}
	switch {
	case shape.Size() == 1:
		row[5] = fmt.Sprintf("%8v", v.Value().Value())
	case shape.DType.IsFloat():
		mav, rms, maxAV := valueStats(v.Value().Flat())
		row[5], row[6], row[7] = fmt.Sprintf("%.3g", mav), fmt.Sprintf("%.3g", rms), fmt.Sprintf("%.3g", maxAV)
	}
	return row
}

// ListVariables lists the variables under the scope of ctx, sorted by scope and name.
func ListVariables(ctx *context.Context) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	var rows [][]string
	ctx.EnumerateVariablesInScope(func(v *context.Variable) { rows = append(rows, variableRow(v)) })
	slices.SortFunc(rows, func(a, b []string) int {
		return cmp.Or(strings.Compare(a[0], b[0]), strings.Compare(a[1], b[1]))
	})
	table := newReport().Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, row := range rows {
		table.Row(row...)
	}
	table.Print()
	printGlossary(
		[2]string{"Scalar/MAV", "If variable is a scalar then the value itself, else the Mean Absolute Value"},
		[2]string{"RMS", "Root Mean Square"},
		[2]string{"MaxAV", "Max Absolute Value"})
}

// deleteVarsInScopes deletes from ctx the variables under any of the scopes, and returns how many were deleted.
func deleteVarsInScopes(ctx *context.Context, scopes ...string) int {
	var varsToDelete []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		for _, scope := range scopes {
			if scope == "" {
				continue
			}
			if v.Scope() == scope || strings.HasPrefix(v.Scope(), scope+context.ScopeSeparator) {
				varsToDelete = append(varsToDelete, v)
				return
			}
		}
	})
	for _, v := range varsToDelete {
		ctx.DeleteVariable(v.Scope(), v.Name())
	}
	return len(varsToDelete)
}

// DeleteVars on the given scopes, and save a new checkpoint if any was deleted.
func DeleteVars(checkpointPath string, scopes ...string) {
	ctx, checkpoint := loadCheckpoint(checkpointPath)
	numDeleted := deleteVarsInScopes(ctx, scopes...)
	if numDeleted == 0 {
		// No changes needed.
		return
	}
	must.M(checkpoint.Save())
	fmt.Printf("%d deleted vars under scopes %v, new checkpoint saved in %s.\n", numDeleted, scopes, checkpoint)
}
