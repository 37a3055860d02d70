// Package journal is the durable record of workflow executions: one row per
// execution, one per node run, and an ordered log stream, with read queries
// for inspection and aggregate statistics. Three stores implement the same
// interface: in-memory for tests and short-lived processes, SQLite for
// single-host deployments, MySQL for shared ones.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by reads for a missing execution.
var ErrNotFound = errors.New("journal: not found")

// Status is the lifecycle state of a workflow execution.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

// NodeStatus is the lifecycle state of a single node run.
type NodeStatus string

const (
	NodePending  NodeStatus = "pending"
	NodeRunning  NodeStatus = "running"
	NodeSuccess  NodeStatus = "success"
	NodeError    NodeStatus = "error"
	NodeSkipped  NodeStatus = "skipped"
	NodeCanceled NodeStatus = "canceled"
)

// Terminal reports whether s is a final state.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSuccess, NodeError, NodeSkipped, NodeCanceled:
		return true
	}
	return false
}

// Level orders log severities; higher is more severe.
type Level int8

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "info"
}

// ParseLevel reads the string form produced by Level.String.
func ParseLevel(s string) Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Execution is one run of one workflow.
type Execution struct {
	ID           string         `json:"id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	Status       Status         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	TriggerMode  string         `json:"trigger_mode,omitempty"`
	TriggerData  map[string]any `json:"trigger_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMS   int64          `json:"duration_ms"`

	NodesExecuted int `json:"nodes_executed"`
	NodesSkipped  int `json:"nodes_skipped"`
	NodesFailed   int `json:"nodes_failed"`

	// Path lists node ids in the order they reached a terminal
	// non-skipped state.
	Path []string `json:"execution_path"`

	// Nodes and Logs are populated only when requested via LoadOpts.
	Nodes []NodeExecution `json:"nodes,omitempty"`
	Logs  []LogEntry      `json:"logs,omitempty"`
}

// NodeExecution is one node's run within an execution. Retries reuse the
// row, bumping RetryCount.
type NodeExecution struct {
	ID           string     `json:"id"`
	ExecutionID  string     `json:"execution_id"`
	NodeID       string     `json:"node_id"`
	NodeName     string     `json:"node_name"`
	Status       NodeStatus `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Input        any        `json:"input,omitempty"`
	Output       any        `json:"output,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	DurationMS   int64      `json:"duration_ms"`
	// Order is assigned when the node reaches a terminal state; Path
	// ordering follows it.
	Order int `json:"execution_order"`
}

// LogEntry is one line of the execution's audit stream. Entries are totally
// ordered by (Timestamp, Seq); Seq preserves insertion order on timestamp
// ties.
type LogEntry struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Seq         int64          `json:"seq"`
	Level       Level          `json:"level"`
	Message     string         `json:"message"`
	NodeID      string         `json:"node_id,omitempty"`
	NodeName    string         `json:"node_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// LoadOpts selects which child collections Execution loads.
type LoadOpts struct {
	WithNodes bool
	WithLogs  bool
}

// Filter narrows List. Zero fields match everything; From/To bound
// StartedAt inclusively.
type Filter struct {
	WorkflowID  string
	Status      Status
	Environment string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 50
	}
	return f.Limit
}

// Stats aggregates executions for one workflow or globally.
type Stats struct {
	Total         int64      `json:"total"`
	Succeeded     int64      `json:"succeeded"`
	Failed        int64      `json:"failed"`
	Running       int64      `json:"running"`
	Canceled      int64      `json:"canceled"`
	AvgDurationMS float64    `json:"avg_duration_ms"`
	MinDurationMS int64      `json:"min_duration_ms"`
	MaxDurationMS int64      `json:"max_duration_ms"`
	SuccessRate   float64    `json:"success_rate"`
	LastExecution *time.Time `json:"last_execution,omitempty"`
}

// Store is the journal persistence contract. Writers sequence calls per
// execution; implementations may be called concurrently across executions.
type Store interface {
	CreateExecution(ctx context.Context, ex *Execution) error
	// FinishExecution writes the terminal snapshot: status, finished-at,
	// duration, counters, path, and error message.
	FinishExecution(ctx context.Context, ex *Execution) error

	CreateNodeExecution(ctx context.Context, ne *NodeExecution) error
	// UpdateNodeExecution overwrites the row in place (status transitions
	// and retry bumps).
	UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error

	AppendLogs(ctx context.Context, entries []LogEntry) error

	Execution(ctx context.Context, id string, opts LoadOpts) (*Execution, error)
	List(ctx context.Context, f Filter) ([]*Execution, int64, error)
	Recent(ctx context.Context, workflowID string, n int) ([]*Execution, error)
	Stats(ctx context.Context, workflowID string) (*Stats, error)
	GlobalStats(ctx context.Context) (*Stats, error)
	Logs(ctx context.Context, executionID string, minLevel Level) ([]LogEntry, error)

	// PurgeBefore deletes executions (with their nodes and logs) whose
	// StartedAt is older than cutoff, returning how many were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
