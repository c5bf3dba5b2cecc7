package installer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseDependencies accepts the wire form of a dependency list: JSON null,
// an array of strings, or one string split by SplitDependencies. Entries are trimmed, blanks dropped and duplicates removed
// (first occurrence wins). Entries starting with "-" are rejected.
func ParseDependencies(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []string{}, nil
	}

	var items []string
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDependency, err)
		}
		items = SplitDependencies(s)
	case '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: 'dependencies' must be a list of strings", ErrInvalidDependency)
		}
	default:
		return nil, fmt.Errorf("%w: 'dependencies' must be a list or a string", ErrInvalidDependency)
	}
	return cleanDependencies(items)
}

// SplitDependencies splits a free-form requirement string. Newlines and
// commas separate requirements, and so does whitespace between two names.
// Whitespace or a comma next to a version operator, an extras bracket or an
// environment marker continues the current requirement, so
// "requests >= 2.31, < 3" stays one entry.
func SplitDependencies(s string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' }) {
		out = append(out, splitLine(line)...)
	}
	return out
}

func splitLine(line string) []string {
	var reqs []string
	for _, piece := range strings.Split(line, ",") {
		inMarker := false
		for i, tok := range strings.Fields(piece) {
			sep := " "
			if i == 0 {
				sep = ","
			}
			if n := len(reqs); n > 0 && (inMarker || continuesRequirement(reqs[n-1], tok)) {
				reqs[n-1] += sep + tok
			} else {
				reqs = append(reqs, tok)
			}
			if strings.Contains(tok, ";") {
				inMarker = true
			}
		}
	}
	return reqs
}

// continuesRequirement reports whether tok belongs to the requirement prev.
func continuesRequirement(prev, tok string) bool {
	return strings.ContainsRune("<>=!~[(;@", rune(tok[0])) ||
		strings.ContainsRune("<>=!~[(;@,", rune(prev[len(prev)-1]))
}

func cleanDependencies(items []string) ([]string, error) {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasPrefix(item, "-") {
			return nil, fmt.Errorf("%w: %q looks like an installer option", ErrInvalidDependency, item)
		}
		if strings.ContainsAny(item, "\x00\n\r") {
			return nil, fmt.Errorf("%w: %q contains control characters", ErrInvalidDependency, item)
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out, nil
}
