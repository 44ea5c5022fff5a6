package main

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// writeTable renders a rounded table to w. Columns holding only numbers
// align right.
func writeTable(w io.Writer, header table.Row, rows ...table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
}
