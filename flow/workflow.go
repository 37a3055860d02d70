package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Environment identifies the promotion stage a workflow runs in.
type Environment string

const (
	EnvTesting    Environment = "testing"
	EnvLaunched   Environment = "launched"
	EnvProduction Environment = "production"
)

// ExecutionMode selects how the scheduler dispatches ready nodes.
type ExecutionMode string

const (
	// ModeSequential runs one node at a time in deterministic order.
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel runs up to Settings.MaxConcurrency nodes concurrently.
	ModeParallel ExecutionMode = "parallel"
)

// DefaultMaxConcurrency applies when Settings.MaxConcurrency is unset.
const DefaultMaxConcurrency = 5

// Workflow is the unit handed to the engine: graph content plus metadata.
// The engine treats it as an immutable snapshot; editing happens elsewhere.
type Workflow struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Active      bool        `json:"active"`
	Environment Environment `json:"environment"`
	Version     int         `json:"version"`
	CreatedBy   string      `json:"created_by,omitempty"`
	// ParentID links a promoted copy back to the workflow it was promoted from.
	ParentID   string     `json:"parent_id,omitempty"`
	Definition Definition `json:"definition"`
}

// Definition is the authored content of a workflow: the node graph,
// its connections, workflow-scoped variables, and execution settings.
type Definition struct {
	Nodes       []Node         `json:"nodes"`
	Connections []Connection   `json:"connections"`
	Variables   map[string]any `json:"variables,omitempty"`
	Settings    Settings       `json:"settings"`
}

// Settings holds per-workflow execution controls.
type Settings struct {
	Mode           ExecutionMode `json:"execution_mode,omitempty"`
	MaxConcurrency int           `json:"max_concurrency,omitempty"`
	// TimeoutSeconds bounds the whole execution; 0 falls back to the
	// engine's default execution timeout.
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	// ErrorWorkflowID names a workflow to hand the failure payload to when
	// an execution ends in Error and an error handler is installed.
	ErrorWorkflowID string `json:"error_workflow_id,omitempty"`
}

// Concurrency returns the worker count for Parallel mode.
func (s Settings) Concurrency() int {
	if s.MaxConcurrency > 0 {
		return s.MaxConcurrency
	}
	return DefaultMaxConcurrency
}

// ExecMode returns the configured mode, defaulting to Sequential.
func (s Settings) ExecMode() ExecutionMode {
	if s.Mode == ModeParallel {
		return ModeParallel
	}
	return ModeSequential
}

// Timeout returns the per-execution budget, or fallback when unset.
func (s Settings) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Node is one vertex of the workflow graph.
type Node struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`
	// Parameters are raw authored values; string values may carry
	// {{ … }} expressions resolved just before the node runs.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Credentials maps a credential slot name to an opaque reference
	// resolved through the CredentialProvider.
	Credentials map[string]string `json:"credentials,omitempty"`
	Position    Position          `json:"position"`
	Retry       *RetrySettings    `json:"retry,omitempty"`
	// TimeoutSeconds bounds a single attempt of this node; 0 means the
	// execution budget alone applies.
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
	Disabled       bool `json:"disabled,omitempty"`
}

// DisplayName returns the canvas name, falling back to the node id.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Timeout returns the per-attempt bound, zero when unset.
func (n Node) Timeout() time.Duration {
	if n.TimeoutSeconds > 0 {
		return time.Duration(n.TimeoutSeconds) * time.Second
	}
	return 0
}

// Position is the canvas location; the engine carries it but never reads it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Default retry timing. Backoff doubles per attempt from Base up to Cap.
const (
	DefaultRetryBase = time.Second
	MaxRetryDelay    = 60 * time.Second
)

// RetrySettings controls re-execution of a failed node. A node without
// retry settings fails on its first error.
type RetrySettings struct {
	MaxRetries int `json:"max_retries"`
	BaseMS     int `json:"base_ms,omitempty"`
	MaxMS      int `json:"max_ms,omitempty"`
}

// Base returns the first retry delay.
func (r *RetrySettings) Base() time.Duration {
	if r == nil || r.BaseMS <= 0 {
		return DefaultRetryBase
	}
	return time.Duration(r.BaseMS) * time.Millisecond
}

// Cap returns the maximum delay between attempts.
func (r *RetrySettings) Cap() time.Duration {
	if r == nil || r.MaxMS <= 0 {
		return MaxRetryDelay
	}
	d := time.Duration(r.MaxMS) * time.Millisecond
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}

// Retries returns how many re-runs are allowed after the first attempt.
func (r *RetrySettings) Retries() int {
	if r == nil || r.MaxRetries < 0 {
		return 0
	}
	return r.MaxRetries
}

// Reserved output names used by branching nodes. Connections leaving an If
// node use OutputTrue/OutputFalse; connections leaving a Switch node use the
// decimal form of the case's output index; OutputError routes a terminally
// failed node to an error-handling successor instead of aborting the run.
const (
	OutputMain  = "main"
	OutputTrue  = "true"
	OutputFalse = "false"
	OutputError = "error"
)

// Connection is one directed edge: data flows From(Output) → To(Input).
type Connection struct {
	From   string `json:"from"`
	Output string `json:"output,omitempty"`
	To     string `json:"to"`
	Input  string `json:"input,omitempty"`
}

func (c Connection) String() string {
	return fmt.Sprintf("%s[%s] -> %s[%s]", c.From, c.output(), c.To, c.input())
}

func (c Connection) output() string {
	if c.Output == "" {
		return OutputMain
	}
	return c.Output
}

func (c Connection) input() string {
	if c.Input == "" {
		return OutputMain
	}
	return c.Input
}

// Clone returns an independent deep copy of the definition. The engine
// clones before executing so a caller mutating its copy mid-run cannot
// corrupt the execution-time view.
func (d *Definition) Clone() (*Definition, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone definition: %w", err)
	}
	var out Definition
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone definition: %w", err)
	}
	return &out, nil
}

// Node returns the node with the given id, or nil.
func (d *Definition) Node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// ExportDefinition serializes a definition to its canonical JSON form.
// ImportDefinition reverses it; export→import→execute behaves identically
// to executing the original.
func ExportDefinition(d *Definition) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// ImportDefinition parses a definition previously produced by
// ExportDefinition (or authored externally in the same shape).
func ImportDefinition(raw []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("import definition: %w", err)
	}
	return &d, nil
}
