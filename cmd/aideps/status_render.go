package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"aideps/internal/api"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const statusLabelWidth = 20

var statusColors = map[statusKind]text.Colors{
	statusInfo:  {text.FgBlue},
	statusOK:    {text.FgGreen},
	statusWarn:  {text.FgYellow},
	statusError: {text.FgRed},
}

func (k statusKind) label() string {
	switch k {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// statusWriter prints the sectioned "label: [KIND] detail" report used by
// `status` and `workflow show`.
type statusWriter struct {
	out      io.Writer
	colorize bool
}

func newStatusWriter(out io.Writer) *statusWriter {
	return &statusWriter{out: out, colorize: shouldColorize(out)}
}

func (w *statusWriter) paint(kind statusKind, s string) string {
	if !w.colorize {
		return s
	}
	return statusColors[kind].Sprint(s)
}

func (w *statusWriter) section(title string) {
	heading := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	fmt.Fprintln(w.out, w.paint(statusInfo, heading))
	fmt.Fprintln(w.out, w.paint(statusInfo, strings.Repeat("-", len(heading))))
}

func (w *statusWriter) line(label string, kind statusKind, detail string) {
	fmt.Fprintln(w.out, w.paint(kind, formatStatusLine(label, kind, detail)))
}

// checks prints one line per health check, failing checks as errors.
func (w *statusWriter) checks(checks []api.HealthCheck) {
	for _, check := range checks {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		w.line(check.Name, kind, check.Detail)
	}
}

func (w *statusWriter) blank() { fmt.Fprintln(w.out) }

func formatStatusLine(label string, kind statusKind, detail string) string {
	status := "[" + kind.label() + "]"
	if detail != "" {
		status += " " + detail
	}
	return fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", status)
}

// stageStatusKind maps a stage status to the colour it is shown in.
func stageStatusKind(status string) statusKind {
	switch status {
	case "completed":
		return statusOK
	case "stale", "invalidated":
		return statusWarn
	default:
		return statusInfo
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
