// Package ui defines the narrow progress-reporting contract the pipeline
// drives (spec §1: the terminal progress renderer is out of scope beyond
// this interface) and a default terminal implementation.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Reporter is the narrow contract pipeline steps use to report progress.
// It never returns an error: reporting failures are not pipeline
// failures.
type Reporter interface {
	StartTask(name string)
	SucceedTask(name string)
	FailTask(name string, err error)
	Dot(status DotStatus)
	Message(format string, args ...interface{})
	Table(headers []string, rows [][]string)
}

// DotStatus is the per-item indicator spec §7 describes: "logged with an
// indicator dot (OK/NOK/neutral)".
type DotStatus int

const (
	DotOK DotStatus = iota
	DotNOK
	DotNeutral
)

// TermReporter is the default Reporter, printing colored status lines to
// an io.Writer (normally os.Stdout), grounded on lazydocker's use of
// fatih/color for terminal status coloring.
type TermReporter struct {
	out     io.Writer
	ok      *color.Color
	nok     *color.Color
	neutral *color.Color
	title   *color.Color
}

func NewTermReporter() *TermReporter {
	return &TermReporter{
		out:     os.Stdout,
		ok:      color.New(color.FgGreen),
		nok:     color.New(color.FgRed),
		neutral: color.New(color.FgYellow),
		title:   color.New(color.FgCyan, color.Bold),
	}
}

func (r *TermReporter) StartTask(name string) {
	r.title.Fprintf(r.out, "==> %s\n", name)
}

func (r *TermReporter) SucceedTask(name string) {
	r.ok.Fprintf(r.out, "    %s: done\n", name)
}

func (r *TermReporter) FailTask(name string, err error) {
	r.nok.Fprintf(r.out, "    %s: failed: %v\n", name, err)
}

func (r *TermReporter) Dot(status DotStatus) {
	switch status {
	case DotOK:
		r.ok.Fprint(r.out, ".")
	case DotNOK:
		r.nok.Fprint(r.out, "x")
	default:
		r.neutral.Fprint(r.out, "-")
	}
}

func (r *TermReporter) Message(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *TermReporter) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	printRow := func(row []string) {
		for i, cell := range row {
			fmt.Fprintf(r.out, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(r.out)
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
}
