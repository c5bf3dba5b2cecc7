package analysis

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jkaninda/checkbench/internal/runner"
)

// FormatReport renders a finished run as plain text, one section per tool
// in the given order. Tools missing from order follow alphabetically.
func FormatReport(out *Outcome, order []string) string {
	results := slices.Clone(out.Results)
	rank := func(tool string) int {
		if i := slices.Index(order, tool); i >= 0 {
			return i
		}
		return len(order)
	}
	slices.SortFunc(results, func(a, b runner.Result) int {
		if d := rank(a.Tool) - rank(b.Tool); d != 0 {
			return d
		}
		return strings.Compare(a.Tool, b.Tool)
	})

	var b strings.Builder
	if out.Install != nil && out.Install.Ran {
		fmt.Fprintf(&b, "== install (exit %d, %d ms) ==\n", out.Install.ReturnCode, out.Install.DurationMs)
		writeBlock(&b, out.Install.Output)
	}
	for _, r := range results {
		fmt.Fprintf(&b, "== %s (exit %d, %d ms", r.Tool, r.ReturnCode, r.DurationMs)
		if r.Cached {
			b.WriteString(", cached")
		}
		b.WriteString(") ==\n")
		writeBlock(&b, r.Output)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeBlock(b *strings.Builder, text string) {
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		text = "(no output)"
	}
	b.WriteString(text)
	b.WriteString("\n\n")
}

// ExitCode folds a run into a process exit status: 0 when every tool
// exited 0, 1 when any reported findings, 2 when any failed to run.
func ExitCode(out *Outcome) int {
	code := 0
	for _, r := range out.Results {
		switch {
		case r.ReturnCode < 0:
			return 2
		case r.ReturnCode > 0:
			code = 1
		}
	}
	return code
}
