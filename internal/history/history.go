// Package history records completed analysis runs so a session can list
// what it ran before. Backends live under internal/storage.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 20

// Run is one completed analysis run.
type Run struct {
	ID            uuid.UUID     `json:"id"`
	SessionID     string        `json:"session_id"`
	PythonVersion string        `json:"python_version"`
	Tools         []string      `json:"tools"`
	Dependencies  []string      `json:"dependencies"`
	InstallCode   *int          `json:"install_returncode,omitempty"` // nil when no install step ran
	Results       []ToolSummary `json:"results"`
	StartedAt     time.Time     `json:"started_at"`
	DurationMs    int64         `json:"duration_ms"`
}

// ToolSummary is the part of a tool result worth keeping. Output is not
// stored; it is derived from project contents the service does not retain.
type ToolSummary struct {
	Tool       string `json:"tool"`
	ReturnCode int    `json:"returncode"`
	DurationMs int64  `json:"duration_ms"`
	Cached     bool   `json:"cached"`
}

// Store persists runs.
type Store interface {
	// Record appends a run. Runs are immutable once recorded.
	Record(ctx context.Context, run Run) error
	// List returns up to limit runs of sessionID, newest first.
	List(ctx context.Context, sessionID string, limit int) ([]Run, error)
}

// Nop is the Store used when history is disabled. It keeps nothing.
type Nop struct{}

func (Nop) Record(context.Context, Run) error { return nil }

func (Nop) List(context.Context, string, int) ([]Run, error) { return []Run{}, nil }

var _ Store = Nop{}
