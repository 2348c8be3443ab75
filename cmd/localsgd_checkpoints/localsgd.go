// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/localsgd/ml/context"
	"github.com/gomlx/localsgd/ml/train/optimizers/localsgd"
)

// LocalSGDState prints the LocalSGD state of the checkpoints side by side. Workers of the same run
// should have the same state, the rows that differ are highlighted.
func LocalSGDState(ctxs []*context.Context, names []string) {
	fmt.Println(titleStyle.Render("LocalSGD State"))
	numCols := len(names) + 1
	table := newReport(lipgloss.Right, lipgloss.Left)
	table.Row(append([]string{"checkpoint"}, names...)...)
	rowNames := []string{"step", "last_step", "k_steps", "learning_rate_0", "loss_0"}
	rows := make([][]string, len(rowNames))
	for ii, name := range rowNames {
		rows[ii] = make([]string, numCols)
		rows[ii][0] = name
	}
	for ii, ctx := range ctxs {
		state, found := localsgd.ReadState(ctx)
		if !found {
			for _, row := range rows {
				row[ii+1] = "-"
			}
			continue
		}
		rows[0][ii+1] = humanize.Comma(state.Step)
		rows[1][ii+1] = humanize.Comma(state.LastStep)
		rows[2][ii+1] = humanize.Comma(state.KSteps)
		if state.BaselineCaptured {
			rows[3][ii+1] = fmt.Sprintf("%g", state.LearningRate0)
			rows[4][ii+1] = fmt.Sprintf("%g", state.Loss0)
		} else {
			rows[3][ii+1], rows[4][ii+1] = "n/a", "n/a"
		}
	}
	for _, row := range rows {
		table.FlaggedRow(disagree(row[1:]), row...)
	}
	table.Print()
}

// driftRow is the difference between a parameter and its snapshot.
type driftRow struct {
	Param       string
	RMS, MaxAbs float64
}

// snapshotDrift returns how far each parameter drifted from its snapshot, that is, the local progress since
// the last synchronization round. It's 0 right after a round.
func snapshotDrift(ctx *context.Context) []driftRow {
	var rows []driftRow
	ctx.EnumerateVariables(func(snapshot *context.Variable) {
		paramName, isSnapshot := strings.CutSuffix(snapshot.Name(), localsgd.SnapshotSuffix)
		if !isSnapshot {
			return
		}
		param := ctx.InspectVariable(snapshot.Scope(), paramName)
		if param == nil || !param.Shape().Eq(snapshot.Shape()) {
			return
		}
		diff := make([]float64, param.Shape().Size())
		paramFlat, snapshotFlat := param.Value().Flat(), snapshot.Value().Flat()
		for ii := range diff {
			diff[ii] = paramFlat[ii] - snapshotFlat[ii]
		}
		_, rms, maxAbs := valueStats(diff)
		rows = append(rows, driftRow{Param: param.ScopeAndName(), RMS: rms, MaxAbs: maxAbs})
	})
	return rows
}

// SnapshotDrift prints the drift of each parameter from its snapshot.
func SnapshotDrift(ctx *context.Context) {
	rows := snapshotDrift(ctx)
	if len(rows) == 0 {
		fmt.Println("  no LocalSGD snapshots in checkpoint")
		return
	}
	fmt.Println(titleStyle.Render("Drift From Snapshots"))
	table := newReport(lipgloss.Left, lipgloss.Right)
	table.Headers("Parameter", "RMS", "MaxAbs")
	var totalSquares float64
	var numValues int
	for _, row := range rows {
		table.Row(row.Param, fmt.Sprintf("%.3g", row.RMS), fmt.Sprintf("%.3g", row.MaxAbs))
		size := ctx.GetVariableByPath(row.Param).Shape().Size()
		totalSquares += row.RMS * row.RMS * float64(size)
		numValues += size
	}
	table.Row("(all)", fmt.Sprintf("%.3g", math.Sqrt(totalSquares/float64(numValues))), "")
	table.Print()
	printGlossary(
		[2]string{"RMS", "Root Mean Square of parameter - snapshot"},
		[2]string{"MaxAbs", "Max Absolute Value of parameter - snapshot"})
}
