// Package broadcast fans execution progress out to live subscribers.
//
// The engine publishes one event per journal write: execution start and
// finish, node row transitions, and log entries. Subscribers receive
// events over buffered channels in publish order; a slow subscriber has
// events dropped rather than stalling the execution that produced them.
package broadcast

import (
	"time"

	"github.com/canalhq/canal/flow/journal"
)

// Type discriminates the payload carried by an Event.
type Type string

const (
	TypeExecutionStarted   Type = "execution.started"
	TypeNodeStarted        Type = "node.started"
	TypeNodeCompleted      Type = "node.completed"
	TypeLog                Type = "log"
	TypeExecutionCompleted Type = "execution.completed"
)

// Event is one observable step of a workflow execution. Exactly one of
// Execution, Node, or Entry is set depending on Type; execution.completed
// is always the final event for its execution.
type Event struct {
	Type        Type      `json:"type"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	Sequence    int64     `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`

	Execution *journal.Execution     `json:"execution,omitempty"`
	Node      *journal.NodeExecution `json:"node,omitempty"`
	Entry     *journal.LogEntry      `json:"log,omitempty"`
}

// Terminal reports whether this event closes its execution's stream.
func (e Event) Terminal() bool { return e.Type == TypeExecutionCompleted }
