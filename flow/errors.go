package flow

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine surface.
var (
	// ErrExecutionNotFound is returned by Cancel for an unknown or already
	// settled execution id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrEngineClosed is returned by Execute after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNilWorkflow is returned when Execute receives a nil workflow.
	ErrNilWorkflow = errors.New("workflow is nil")
)

// DefinitionCode classifies why a workflow definition was rejected before
// any execution state was created.
type DefinitionCode string

const (
	CodeCycle             DefinitionCode = "CYCLE"
	CodeDuplicateNode     DefinitionCode = "DUPLICATE_NODE"
	CodeUnknownNode       DefinitionCode = "UNKNOWN_NODE"
	CodeUnknownKind       DefinitionCode = "UNKNOWN_KIND"
	CodeInvalidConnection DefinitionCode = "INVALID_CONNECTION"
	CodeInvalidCron       DefinitionCode = "INVALID_CRON"
	CodeInvalidParameter  DefinitionCode = "INVALID_PARAMETER"
	CodeBadDocument       DefinitionCode = "BAD_DOCUMENT"
	CodeEmptyWorkflow     DefinitionCode = "EMPTY_WORKFLOW"
)

// DefinitionError reports a structurally invalid workflow. It is surfaced
// synchronously by Execute; no execution row exists when one is returned.
type DefinitionError struct {
	Code   DefinitionCode
	NodeID string
	Detail string
}

func (e *DefinitionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("invalid definition [%s] node %s: %s", e.Code, e.NodeID, e.Detail)
	}
	return fmt.Sprintf("invalid definition [%s]: %s", e.Code, e.Detail)
}

func definitionErr(code DefinitionCode, nodeID, format string, args ...any) *DefinitionError {
	return &DefinitionError{Code: code, NodeID: nodeID, Detail: fmt.Sprintf(format, args...)}
}

// IsDefinitionError reports whether err is a DefinitionError, optionally
// extracting it.
func IsDefinitionError(err error) (*DefinitionError, bool) {
	var de *DefinitionError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
