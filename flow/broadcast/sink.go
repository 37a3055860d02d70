package broadcast

import (
	"github.com/rs/zerolog"

	"github.com/canalhq/canal/flow/journal"
)

// Sink observes every event a Hub publishes, before fan-out to
// subscribers. Implementations are called with the hub lock held and
// must return quickly; buffer or drop rather than block, and never
// panic.
type Sink interface {
	Deliver(e Event)
}

// NopSink discards everything. Useful as a placeholder in tests.
type NopSink struct{}

func (NopSink) Deliver(Event) {}

// LogSink writes events to a zerolog logger. Log events keep their
// original level; lifecycle events log at debug except for terminal
// failures, which log at warn.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger}
}

func (l *LogSink) Deliver(e Event) {
	switch e.Type {
	case TypeLog:
		if e.Entry == nil {
			return
		}
		ev := l.log.WithLevel(zerologLevel(e.Entry.Level)).
			Str("execution_id", e.ExecutionID).
			Str("node_id", e.Entry.NodeID)
		if len(e.Entry.Metadata) > 0 {
			ev = ev.Interface("meta", e.Entry.Metadata)
		}
		ev.Msg(e.Entry.Message)

	case TypeNodeStarted, TypeNodeCompleted:
		if e.Node == nil {
			return
		}
		level := zerolog.DebugLevel
		if e.Node.Status == journal.NodeError {
			level = zerolog.WarnLevel
		}
		ev := l.log.WithLevel(level).
			Str("execution_id", e.ExecutionID).
			Str("node_id", e.Node.NodeID).
			Str("node", e.Node.NodeName).
			Str("status", string(e.Node.Status))
		if e.Node.RetryCount > 0 {
			ev = ev.Int("retries", e.Node.RetryCount)
		}
		if e.Node.ErrorMessage != "" {
			ev = ev.Str("error", e.Node.ErrorMessage)
		}
		ev.Msg(string(e.Type))

	case TypeExecutionStarted, TypeExecutionCompleted:
		if e.Execution == nil {
			return
		}
		level := zerolog.InfoLevel
		if e.Execution.Status == journal.StatusError || e.Execution.Status == journal.StatusTimeout {
			level = zerolog.WarnLevel
		}
		ev := l.log.WithLevel(level).
			Str("execution_id", e.ExecutionID).
			Str("workflow_id", e.WorkflowID).
			Str("status", string(e.Execution.Status))
		if e.Type == TypeExecutionCompleted {
			ev = ev.Int64("duration_ms", e.Execution.DurationMS).
				Int("nodes_executed", e.Execution.NodesExecuted)
		}
		if e.Execution.ErrorMessage != "" {
			ev = ev.Str("error", e.Execution.ErrorMessage)
		}
		ev.Msg(string(e.Type))
	}
}

func zerologLevel(l journal.Level) zerolog.Level {
	switch l {
	case journal.LevelTrace:
		return zerolog.TraceLevel
	case journal.LevelDebug:
		return zerolog.DebugLevel
	case journal.LevelInfo:
		return zerolog.InfoLevel
	case journal.LevelWarn:
		return zerolog.WarnLevel
	case journal.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
