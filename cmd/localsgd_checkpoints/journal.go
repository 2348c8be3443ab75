// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	gocontext "context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/localsgd/ml/train/journal"
	"github.com/janpfeifer/must"
)

// JournalReport prints the runs in the journal, or the rounds of runID if it is set.
func JournalReport(journalPath, runID string) {
	j := must.M1(journal.Open(journalPath))
	defer func() { must.M(j.Close()) }()
	ctx := gocontext.Background()

	if runID == "" {
		fmt.Println(titleStyle.Render("Runs"))
		table := newReport()
		table.Headers("Run ID", "Started", "Workers", "Rounds", "Last Step", "k-steps", "Reduced", "Mean Round")
		for _, run := range must.M1(j.Runs(ctx)) {
			table.Row(run.RunID, humanize.Time(run.StartedAt), strconv.Itoa(run.WorldSize),
				humanize.Comma(int64(run.NumRounds)), humanize.Comma(run.LastStep), strconv.FormatInt(run.LastKSteps, 10),
				humanize.Bytes(run.BytesReduced), run.MeanDuration.String())
		}
		table.Print()
		return
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Rounds of run %s", runID)))
	table := newReport()
	table.Headers("Step", "Rank", "k-steps", "Loss", "Learning Rate", "Params", "Reduced", "Duration")
	for _, round := range must.M1(j.Rounds(ctx, runID, -1)) {
		// Highlight the rounds where the interval changed.
		table.FlaggedRow(round.KStepsBefore != round.KStepsAfter,
			humanize.Comma(round.Step), strconv.Itoa(round.Rank),
			fmt.Sprintf("%d → %d", round.KStepsBefore, round.KStepsAfter),
			fmt.Sprintf("%.4g", round.Loss), fmt.Sprintf("%.4g", round.LearningRate),
			strconv.Itoa(round.NumParams), humanize.Bytes(round.BytesReduced), round.Duration.String())
	}
	table.Print()
}
