// Package node defines the executor contract for workflow nodes and ships
// the builtin kinds: triggers (start, webhook, schedule), actions
// (http_request, code), logic (if, switch, merge, split), data (set,
// function) and utility (noop).
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/canalhq/canal/flow/expression"
	"github.com/canalhq/canal/flow/journal"
)

// Kind keys for the builtin node kinds.
const (
	KeyStart       = "start"
	KeyWebhook     = "webhook"
	KeySchedule    = "schedule"
	KeyHTTPRequest = "http_request"
	KeyIf          = "if"
	KeySwitch      = "switch"
	KeySet         = "set"
	KeyCode        = "code"
	KeyFunction    = "function"
	KeyMerge       = "merge"
	KeySplit       = "split"
	KeyNoOp        = "noop"
)

// Node category labels used in kind definitions.
const (
	CategoryTrigger = "trigger"
	CategoryAction  = "action"
	CategoryLogic   = "logic"
	CategoryData    = "data"
	CategoryUtility = "utility"
)

// Kind is one executable node type. Implementations must be safe for
// concurrent use; a single Kind value serves every node of that type across
// all executions.
type Kind interface {
	Definition() Definition
	Execute(ctx context.Context, p Params, rc *RunContext) Result
}

// StaticValidator is an optional Kind extension checked at workflow
// validation time, before any execution is created. Params arrive raw
// (unresolved), so implementations must tolerate expression placeholders.
type StaticValidator interface {
	ValidateStatic(params map[string]any) error
}

// ErrorKind classifies node failures. Validation failures are never
// retried; everything else is.
type ErrorKind string

const (
	ValidationKind ErrorKind = "validation"
	EvaluationKind ErrorKind = "evaluation"
	ExecutionKind  ErrorKind = "execution"
	NetworkKind    ErrorKind = "network"
	TimeoutKind    ErrorKind = "timeout"
	CanceledKind   ErrorKind = "canceled"
)

// Error is a failed node outcome.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is eligible for retry.
func (e *Error) Retryable() bool {
	return e.Kind != ValidationKind && e.Kind != CanceledKind
}

// Errorf builds an Error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr builds an Error around a cause.
func WrapErr(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Route selects which output connectors carry the node's result onward.
// A nil Route means every output.
type Route struct {
	Outputs []string
}

// Result is a node execution outcome: either Err is set, or Data (and
// optionally Route) describe success.
type Result struct {
	Data  any
	Route *Route
	Err   *Error
}

// OK reports whether the node succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Success returns a passing result routed to every output.
func Success(data any) Result { return Result{Data: data} }

// RouteTo returns a passing result routed to the named outputs only.
func RouteTo(data any, outputs ...string) Result {
	return Result{Data: data, Route: &Route{Outputs: outputs}}
}

// Fail returns a failed result.
func Fail(kind ErrorKind, format string, args ...any) Result {
	return Result{Err: Errorf(kind, format, args...)}
}

// FailWith returns a failed result around a cause.
func FailWith(kind ErrorKind, msg string, cause error) Result {
	return Result{Err: WrapErr(kind, msg, cause)}
}

// Clock abstracts time for executors so tests can drive delays and
// schedule previews deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// CredentialSource resolves a stored credential reference to its secret
// material.
type CredentialSource interface {
	Get(ctx context.Context, ref string) (map[string]string, error)
}

// Input is the payload delivered along one inbound connection, in
// connection declaration order. Live is false when the upstream branch was
// pruned or the source did not route to this edge.
type Input struct {
	NodeID   string
	NodeName string
	Output   string
	Data     any
	Live     bool
}

// LogFunc records a line in the execution journal and live event stream.
type LogFunc func(level journal.Level, msg string, meta map[string]any)

// RunContext carries everything an executor may read during one attempt.
// Executors must treat the shared maps as read-only and return fresh data.
type RunContext struct {
	ExecutionID  string
	WorkflowID   string
	WorkflowName string
	Environment  string

	NodeID   string
	NodeName string

	// Variables are the workflow's static definition variables.
	Variables map[string]any
	// Trigger is the payload the execution was started with.
	Trigger map[string]any

	// Input is the merged payload from live inbound connections; Inputs
	// lists each inbound connection individually.
	Input  any
	Inputs []Input

	// Attempt is 0 on the first run and increments per retry.
	Attempt int

	Evaluator *expression.Evaluator
	Expr      *expression.Context

	// CredentialRefs maps the node's declared credential slots to stored
	// references, resolved on demand through Credentials.
	CredentialRefs map[string]string
	Credentials    CredentialSource

	Clock Clock
	Log   LogFunc
}

// Credential resolves the named credential slot. It returns nil when the
// node declares no reference for the slot or no source is configured.
func (rc *RunContext) Credential(ctx context.Context, slot string) (map[string]string, error) {
	ref := rc.CredentialRefs[slot]
	if ref == "" || rc.Credentials == nil {
		return nil, nil
	}
	return rc.Credentials.Get(ctx, ref)
}

// Eval runs src as a bare expression against this node's evaluation
// context.
func (rc *RunContext) Eval(ctx context.Context, src string) (any, error) {
	return rc.Evaluator.Evaluate(ctx, src, rc.Expr)
}

// ResolveValue applies template resolution ({{...}} interpolation) to v,
// recursing through nested maps and slices.
func (rc *RunContext) ResolveValue(ctx context.Context, v any) (any, error) {
	return rc.Evaluator.ResolveValue(ctx, v, rc.Expr)
}

// Logf is a convenience wrapper over Log without metadata.
func (rc *RunContext) Logf(level journal.Level, format string, args ...any) {
	if rc.Log != nil {
		rc.Log(level, fmt.Sprintf(format, args...), nil)
	}
}

// LiveInputs filters Inputs down to connections that actually delivered
// data.
func (rc *RunContext) LiveInputs() []Input {
	live := make([]Input, 0, len(rc.Inputs))
	for _, in := range rc.Inputs {
		if in.Live {
			live = append(live, in)
		}
	}
	return live
}
