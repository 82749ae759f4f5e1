// Package cliutil formats command output: tables, summaries, and colors
// that are applied only when writing to a terminal.
package cliutil

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

// IsTerminal reports whether w is a terminal file descriptor.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var stdoutColor = IsTerminal(os.Stdout)

func paint(s string, colors ...text.Color) string {
	if !stdoutColor {
		return s
	}
	return text.Colors(colors).Sprint(s)
}

// Bold emphasizes headings and states.
func Bold(s string) string { return paint(s, text.Bold) }

// ID highlights identifiers such as connection ids.
func ID(s string) string { return paint(s, text.FgCyan) }

// Error highlights failure text.
func Error(s string) string { return paint(s, text.FgRed) }

// Table wraps a go-pretty writer with the colors decision for its output.
type Table struct {
	table.Writer
	color bool
}

// NewTable creates a table rendered to w with the light box style.
func NewTable(w io.Writer) *Table {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return &Table{Writer: t, color: IsTerminal(w)}
}

// StatusRowPainter colors rows by the HTTP status in column idx. It has no
// effect when the table is not written to a terminal.
func (t *Table) StatusRowPainter(idx int) table.RowPainter {
	return func(row table.Row) text.Colors {
		if !t.color || idx >= len(row) {
			return nil
		}
		return StatusColors(row[idx])
	}
}

// StatusColors picks the row colors for a status cell value.
func StatusColors(v any) text.Colors {
	var code int
	switch s := v.(type) {
	case int:
		code = s
	case string:
		if s == "blocked" {
			return text.Colors{text.FgMagenta}
		}
		code, _ = strconv.Atoi(s)
	}
	switch {
	case code >= 500:
		return text.Colors{text.FgRed}
	case code >= 400:
		return text.Colors{text.FgYellow}
	case code >= 300:
		return text.Colors{text.FgCyan}
	case code >= 200:
		return text.Colors{text.FgGreen}
	default:
		return nil
	}
}

// Summary prints a trailing count line, choosing the singular or plural noun.
func Summary(w io.Writer, n int, singular, plural string) {
	noun := plural
	if n == 1 {
		noun = singular
	}
	_, _ = fmt.Fprintf(w, "%d %s\n", n, noun)
}

// NoResults prints the message used in place of an empty table.
func NoResults(w io.Writer, msg string) {
	_, _ = fmt.Fprintln(w, msg)
}
