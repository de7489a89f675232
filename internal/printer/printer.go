// Package printer renders run summaries for a terminal.
package printer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"mailpace/internal/dispatch"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Out is where the helpers below write; tests swap it.
var Out io.Writer = os.Stdout

// Success prints a green line with a checkmark prefix.
func Success(format string, a ...any) {
	green.Fprintf(Out, "✓ %s\n", fmt.Sprintf(format, a...))
}

// Warning prints a yellow line.
func Warning(format string, a ...any) {
	yellow.Fprintf(Out, "! %s\n", fmt.Sprintf(format, a...))
}

// Error prints title in red to stderr followed by the explanation, and
// returns title as an error for the caller's exit path.
func Error(title, explanation string) error {
	red.Fprintf(os.Stderr, "%s\n", title)
	if explanation != "" {
		fmt.Fprintf(os.Stderr, "%s\n", explanation)
	}
	return fmt.Errorf("%s", title)
}

func Step(format string, a ...any) {
	cyan.Fprintf(Out, "→ %s\n", fmt.Sprintf(format, a...))
}

// Report prints the summary of a finished run. The headline color follows
// the terminal state.
func Report(rep dispatch.Report) {
	headline := fmt.Sprintf("run %s finished: %s", shortID(rep.RunID), rep.State)
	switch rep.State {
	case dispatch.StateCompleted:
		Success("%s", headline)
	case dispatch.StateExhausted, dispatch.StateCancelled:
		Warning("%s", headline)
	default:
		red.Fprintf(Out, "✗ %s\n", headline)
	}

	rows := [][2]string{
		{"recipients", fmt.Sprintf("%d (%d unique)", rep.Total, rep.Unique)},
		{"already sent", fmt.Sprint(rep.Skipped)},
		{"sent", fmt.Sprint(rep.Sent)},
		{"failed", fmt.Sprint(rep.Failed)},
		{"probes", fmt.Sprint(rep.Probes)},
	}
	if !rep.FinishedAt.IsZero() {
		rows = append(rows, [2]string{"elapsed", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond).String()})
	}
	if rep.Error != "" {
		rows = append(rows, [2]string{"error", rep.Error})
	}
	width := 0
	for _, r := range rows {
		width = max(width, len(r[0]))
	}
	for _, r := range rows {
		fmt.Fprintf(Out, "  %s%s  %s\n", r[0], strings.Repeat(" ", width-len(r[0])), r[1])
	}
	if hint := hintFor(rep.State); hint != "" {
		fmt.Fprintf(Out, "\n%s\n", hint)
	}
}

func hintFor(s dispatch.State) string {
	switch s {
	case dispatch.StateExhausted:
		return "Every sender is at its daily quota. Run again once the window resets."
	case dispatch.StateTripped:
		return "The probe message landed in the filtered folder. Review sender reputation before resuming."
	case dispatch.StateConfigError:
		return "Add an identity with is_test set to true to the identity store."
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
