package analysis

import (
	"sync"

	"github.com/jkaninda/checkbench/internal/installer"
	"github.com/jkaninda/checkbench/internal/runner"
)

// Record types, in the order a stream emits them.
const (
	TypeMetadata = "metadata"
	TypeResult   = "result"
	TypeDone     = "done"
	TypeError    = "error"
)

// Record is one message of a result stream.
type Record interface {
	RecordType() string
}

// Metadata opens a stream.
type Metadata struct {
	Type           string            `json:"type"`
	SessionID      string            `json:"session_id"`
	SessionCreated bool              `json:"session_created"`
	Tools          []string          `json:"tools"`
	PythonVersion  string            `json:"python_version"`
	Dependencies   []string          `json:"dependencies"`
	ToolVersions   map[string]string `json:"tool_versions"`
	ToolSources    map[string]string `json:"tool_sources,omitempty"`
	Install        *installer.Result `json:"install"`
	SandboxDir     string            `json:"sandbox_dir,omitempty"`
}

func (Metadata) RecordType() string { return TypeMetadata }

// ResultRecord carries one finished tool run.
type ResultRecord struct {
	Type   string        `json:"type"`
	Result runner.Result `json:"result"`
}

func (ResultRecord) RecordType() string { return TypeResult }

// Done closes a stream once every tool has reported.
type Done struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	RunID      string `json:"run_id"`
	Completed  int    `json:"completed"`
	DurationMs int64  `json:"duration_ms"`
}

func (Done) RecordType() string { return TypeDone }

// ErrorRecord replaces a stream that could not start. Only the WebSocket
// transport sends it; NDJSON uses status codes instead.
type ErrorRecord struct {
	Type    string            `json:"type"`
	Error   string            `json:"error"`
	Install *installer.Result `json:"install,omitempty"`
}

func (ErrorRecord) RecordType() string { return TypeError }

// Sink receives the records of one run. A Send error means the client is
// gone; the service stops sending but still waits for the tools.
type Sink interface {
	Send(Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record) error

func (f SinkFunc) Send(r Record) error { return f(r) }

// Collector is a Sink that keeps every record in memory. Used by the CLI
// and the MCP server, which report once the run is over.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

func (c *Collector) Send(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
	return nil
}

// Records returns the collected records in arrival order.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.records...)
}
