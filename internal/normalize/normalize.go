// Package normalize turns raw analyzer output into the display text sent to
// clients. Everything here is a pure function of captured text plus the
// sandbox root used for path rewriting.
package normalize

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Normalize returns the display text for one tool run. pyright's JSON report
// is rendered as text; every other tool's output is passed through.
func Normalize(tool, stdout, stderr, root string) string {
	if tool == "pyright" {
		return FormatPyright(stdout, stderr, root)
	}
	return stdout + stderr
}

// FormatPyright renders `pyright --outputjson` output as one line per
// diagnostic followed by a summary line. Coordinates are converted from
// 0-based to 1-based and paths under root are made relative to it. Output
// that is not a JSON object is returned verbatim.
func FormatPyright(stdout, stderr, root string) string {
	dec := json.NewDecoder(strings.NewReader(stdout))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil || dec.More() {
		return stdout + stderr
	}

	var lines []string
	if diags, ok := payload["generalDiagnostics"].([]any); ok {
		for _, item := range diags {
			if d, ok := item.(map[string]any); ok {
				lines = append(lines, formatDiagnostic(d, root))
			}
		}
	}

	if summary, ok := payload["summary"].(map[string]any); ok {
		lines = append(lines, fmt.Sprintf("summary: files=%s errors=%s warnings=%s information=%s time=%ss",
			intOrUnknown(summary["filesAnalyzed"]),
			intOrUnknown(summary["errorCount"]),
			intOrUnknown(summary["warningCount"]),
			intOrUnknown(summary["informationCount"]),
			numberOrUnknown(summary["timeInSec"]),
		))
	}

	if trimmed := strings.TrimSpace(stderr); trimmed != "" {
		lines = append(lines, "", "stderr:", trimmed)
	}

	if len(lines) == 0 {
		return "(no output)"
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \t\r\n") + "\n"
}

func formatDiagnostic(d map[string]any, root string) string {
	file := "<unknown>"
	if p, ok := d["file"].(string); ok && p != "" {
		file = RelativizePath(p, root)
	}

	severity := "info"
	if s, ok := d["severity"].(string); ok {
		severity = s
	}
	message, _ := d["message"].(string)

	line, col := "?", "?"
	if rng, ok := d["range"].(map[string]any); ok {
		if start, ok := rng["start"].(map[string]any); ok {
			if n, ok := asInt(start["line"]); ok {
				line = fmt.Sprint(n + 1)
			}
			if n, ok := asInt(start["character"]); ok {
				col = fmt.Sprint(n + 1)
			}
		}
	}

	var rule string
	if r, ok := d["rule"].(string); ok && r != "" {
		rule = " [" + r + "]"
	}
	return fmt.Sprintf("%s:%s:%s: %s: %s%s", file, line, col, severity, message, rule)
}

func asInt(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	return i, err == nil
}

func intOrUnknown(v any) string {
	if i, ok := asInt(v); ok {
		return fmt.Sprint(i)
	}
	return "?"
}

func numberOrUnknown(v any) string {
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return "?"
}

// RelativizePath rewrites an absolute path under root as a root-relative
// slash path, also trying both paths with symlinks resolved. Absolute paths
// outside root are returned unchanged rather than as a ../ chain; relative
// paths are returned as slash paths.
func RelativizePath(p, root string) string {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(p)
	}

	candidates := [][2]string{{p, root}}
	if rp, rr := resolve(p), resolve(root); rp != p || rr != root {
		candidates = append(candidates, [2]string{rp, rr})
	}
	for _, c := range candidates {
		if rel, ok := within(c[0], c[1]); ok {
			return rel
		}
	}
	return filepath.ToSlash(p)
}

func within(p, root string) (string, bool) {
	if root == "" {
		return "", false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// resolve evaluates symlinks in the longest existing prefix of p and keeps
// the remainder as is.
func resolve(p string) string {
	p = filepath.Clean(p)
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p
	}
	return filepath.Join(resolve(parent), filepath.Base(p))
}

