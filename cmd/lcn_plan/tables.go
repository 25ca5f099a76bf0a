// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	fadedStyle  = cellStyle.Faint(true)
	markedStyle = cellStyle.Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"})
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// report is a table whose rows alternate between plain and faded, except for marked rows
// (e.g. the reshapes that reallocated scratch memory), which are shown in bold red.
type report struct {
	Table  *lgtable.Table
	marked []bool
}

// Row appends a row, marked if requested.
func (r *report) Row(marked bool, cells ...string) {
	r.marked = append(r.marked, marked)
	r.Table.Row(cells...)
}

// newReport creates a report with the given column alignments: columns beyond the
// given ones take the last alignment.
func newReport(withHeader bool, alignments ...lipgloss.Position) *report {
	r := &report{}
	r.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				if withHeader {
					return headerStyle
				}
				return lipgloss.NewStyle()
			}
			return r.rowStyle(row).Align(alignmentOf(alignments, col))
		})
	return r
}

func (r *report) rowStyle(row int) lipgloss.Style {
	switch {
	case row < len(r.marked) && r.marked[row]:
		return markedStyle
	case row%2 == 1:
		return fadedStyle
	}
	return cellStyle
}

func alignmentOf(alignments []lipgloss.Position, col int) lipgloss.Position {
	switch {
	case len(alignments) == 0:
		return lipgloss.Left
	case col < len(alignments):
		return alignments[col]
	}
	return alignments[len(alignments)-1]
}
