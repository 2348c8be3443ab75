// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	cellStyle     = lipgloss.NewStyle().Padding(0, 1)
	headerStyle   = cellStyle.Bold(true).Reverse(true).Align(lipgloss.Center)
	stripeStyle   = cellStyle.Faint(true)
	divergedStyle = cellStyle.Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"})
	borderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// reportTable is one table of the inspector output.
//
// Rows added with FlaggedRow(true, ...) are printed in red. They mark values that should agree and
// don't: e.g. the step counters of the checkpoints of different workers of a LocalSGD run, or a
// round where the adaptive interval changed k_steps.
type reportTable struct {
	table      *lgtable.Table
	alignments []lipgloss.Position
	numRows    int
	flagged    map[int]bool
}

// newReport creates a table with the given column alignments. Columns beyond the alignments given
// take the last one; by default columns are left aligned.
func newReport(alignments ...lipgloss.Position) *reportTable {
	r := &reportTable{alignments: alignments, flagged: make(map[int]bool)}
	r.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(r.style)
	return r
}

func (r *reportTable) style(row, col int) lipgloss.Style {
	var s lipgloss.Style
	switch {
	case row < 0:
		return headerStyle
	case r.flagged[row]:
		s = divergedStyle
	case row%2 == 1:
		s = stripeStyle
	default:
		s = cellStyle
	}
	if len(r.alignments) == 0 {
		return s.Align(lipgloss.Left)
	}
	return s.Align(r.alignments[min(col, len(r.alignments)-1)])
}

// Headers sets the column titles.
func (r *reportTable) Headers(headers ...string) *reportTable {
	r.table.Headers(headers...)
	return r
}

// Row appends a row.
func (r *reportTable) Row(cells ...string) {
	r.FlaggedRow(false, cells...)
}

// FlaggedRow appends a row, printed in red if flagged.
func (r *reportTable) FlaggedRow(flagged bool, cells ...string) {
	if flagged {
		r.flagged[r.numRows] = true
	}
	r.table.Row(cells...)
	r.numRows++
}

// Print renders the table to the standard output.
func (r *reportTable) Print() {
	fmt.Println(r.table.Render())
}

// printGlossary of the abbreviations used in a table, unless disabled by -glossary=false.
func printGlossary(entries ...[2]string) {
	if !*flagGlossary {
		return
	}
	fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
	for _, entry := range entries {
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render(entry[0]), italicStyle.Render(entry[1]))
	}
}

// disagree returns whether the values (one per checkpoint) are not all the same.
func disagree[E comparable](values []E) bool {
	for _, v := range values[min(1, len(values)):] {
		if v != values[0] {
			return true
		}
	}
	return false
}
