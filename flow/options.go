package flow

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/canalhq/canal/flow/journal"
)

// Failure is the payload handed to an ErrorHandler when an execution ends
// in Error and its workflow names an error workflow.
type Failure struct {
	ExecutionID  string    `json:"execution_id"`
	WorkflowID   string    `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name"`
	NodeID       string    `json:"node_id"`
	NodeName     string    `json:"node_name"`
	Message      string    `json:"message"`
	RetryCount   int       `json:"retry_count"`
	FinishedAt   time.Time `json:"finished_at"`
}

// ErrorHandler receives failed executions whose settings carry an
// ErrorWorkflowID. The engine calls it on its own goroutine after the
// failing execution is finalized; a typical handler starts the named
// workflow with the failure as trigger data.
type ErrorHandler func(ctx context.Context, errorWorkflowID string, f Failure)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithClock substitutes the time source used for timestamps, retry
// backoff, and node delays.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the engine's structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithConfig overrides the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithCredentials installs the provider node executors resolve credential
// references through.
func WithCredentials(p CredentialProvider) Option {
	return func(e *Engine) { e.creds = p }
}

// WithEnvironment installs the provider consulted by $env lookups before
// the process environment.
func WithEnvironment(p EnvironmentProvider) Option {
	return func(e *Engine) { e.env = p }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithErrorHandler installs the hook invoked for executions that fail
// with an error workflow configured.
func WithErrorHandler(h ErrorHandler) Option {
	return func(e *Engine) { e.onError = h }
}

// WithWriterOptions tunes the per-execution journal writers.
func WithWriterOptions(o journal.WriterOptions) Option {
	return func(e *Engine) { e.writerOpts = o }
}
