package broadcast

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/canalhq/canal/flow/journal"
)

// SpanListener turns events into OpenTelemetry spans. Each event becomes
// a short span named after its type, carrying canal.* attributes, so an
// execution shows up in a trace backend as one span per lifecycle step.
// Failed nodes and failed executions set error status on their spans.
//
// It can be attached to a hub directly with WithSink, or drained from a
// subscription with Run.
type SpanListener struct {
	tracer trace.Tracer
}

// NewSpanListener wraps a tracer, e.g. otel.Tracer("canal").
func NewSpanListener(tracer trace.Tracer) *SpanListener {
	return &SpanListener{tracer: tracer}
}

// Run consumes a subscription until its channel closes, emitting one span
// per event. It blocks; run it on its own goroutine.
func (o *SpanListener) Run(sub *Subscription) {
	for e := range sub.Events() {
		o.Deliver(e)
	}
}

func (o *SpanListener) Deliver(e Event) {
	_, span := o.tracer.Start(context.Background(), string(e.Type))
	defer span.End()

	span.SetAttributes(
		attribute.String("canal.execution_id", e.ExecutionID),
		attribute.String("canal.workflow_id", e.WorkflowID),
		attribute.Int64("canal.sequence", e.Sequence),
	)

	switch {
	case e.Node != nil:
		span.SetAttributes(
			attribute.String("canal.node_id", e.Node.NodeID),
			attribute.String("canal.node_name", e.Node.NodeName),
			attribute.String("canal.node_status", string(e.Node.Status)),
			attribute.Int("canal.retry_count", e.Node.RetryCount),
		)
		if e.Type == TypeNodeCompleted {
			span.SetAttributes(attribute.Int64("canal.duration_ms", e.Node.DurationMS))
		}
		if e.Node.Status == journal.NodeError {
			span.SetStatus(codes.Error, e.Node.ErrorMessage)
			span.RecordError(errors.New(e.Node.ErrorMessage))
		}

	case e.Execution != nil:
		span.SetAttributes(
			attribute.String("canal.status", string(e.Execution.Status)),
			attribute.String("canal.trigger_mode", e.Execution.TriggerMode),
		)
		if e.Type == TypeExecutionCompleted {
			span.SetAttributes(
				attribute.Int64("canal.duration_ms", e.Execution.DurationMS),
				attribute.Int("canal.nodes_executed", e.Execution.NodesExecuted),
				attribute.Int("canal.nodes_skipped", e.Execution.NodesSkipped),
				attribute.Int("canal.nodes_failed", e.Execution.NodesFailed),
			)
		}
		switch e.Execution.Status {
		case journal.StatusError, journal.StatusTimeout:
			span.SetStatus(codes.Error, e.Execution.ErrorMessage)
			if e.Execution.ErrorMessage != "" {
				span.RecordError(errors.New(e.Execution.ErrorMessage))
			}
		}

	case e.Entry != nil:
		span.SetAttributes(
			attribute.String("canal.node_id", e.Entry.NodeID),
			attribute.String("canal.log_level", e.Entry.Level.String()),
			attribute.String("canal.log_message", e.Entry.Message),
		)
	}
}

// Flush forces export of buffered spans on the global provider. Call
// before shutdown so trailing execution spans are not lost.
func (o *SpanListener) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
