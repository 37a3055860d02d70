package broadcast_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/canalhq/canal/flow/broadcast"
	"github.com/canalhq/canal/flow/journal"
)

func newTestSink(t *testing.T) (*broadcast.SpanListener, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return broadcast.NewSpanListener(tp.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func TestOTelSinkNodeSpan(t *testing.T) {
	sink, exporter := newTestSink(t)

	fin := time.Now()
	sink.Deliver(broadcast.Event{
		Type:        broadcast.TypeNodeCompleted,
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Sequence:    3,
		Node: &journal.NodeExecution{
			NodeID:     "n1",
			NodeName:   "Fetch",
			Status:     journal.NodeSuccess,
			FinishedAt: &fin,
			DurationMS: 42,
			RetryCount: 1,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "node.completed" {
		t.Errorf("span name = %q", span.Name)
	}
	attrs := attributeMap(span.Attributes)
	if attrs["canal.execution_id"] != "exec-1" || attrs["canal.workflow_id"] != "wf-1" {
		t.Errorf("ids = %v", attrs)
	}
	if attrs["canal.sequence"] != int64(3) {
		t.Errorf("sequence = %v", attrs["canal.sequence"])
	}
	if attrs["canal.node_name"] != "Fetch" || attrs["canal.node_status"] != "success" {
		t.Errorf("node attrs = %v", attrs)
	}
	if attrs["canal.duration_ms"] != int64(42) || attrs["canal.retry_count"] != int64(1) {
		t.Errorf("timing attrs = %v", attrs)
	}
	if span.Status.Code == codes.Error {
		t.Error("successful node should not set error status")
	}
	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelSinkMarksFailures(t *testing.T) {
	sink, exporter := newTestSink(t)

	sink.Deliver(broadcast.Event{
		Type:        broadcast.TypeNodeCompleted,
		ExecutionID: "exec-1",
		Node: &journal.NodeExecution{
			NodeID:       "n1",
			Status:       journal.NodeError,
			ErrorMessage: "request returned status 500",
		},
	})
	sink.Deliver(broadcast.Event{
		Type:        broadcast.TypeExecutionCompleted,
		ExecutionID: "exec-1",
		Execution: &journal.Execution{
			ID:           "exec-1",
			Status:       journal.StatusTimeout,
			ErrorMessage: "execution timed out",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	for i, span := range spans {
		if span.Status.Code != codes.Error {
			t.Errorf("spans[%d].Status.Code = %v, want Error", i, span.Status.Code)
		}
		if len(span.Events) == 0 {
			t.Errorf("spans[%d] has no recorded error event", i)
		}
	}
	if spans[0].Status.Description != "request returned status 500" {
		t.Errorf("node status description = %q", spans[0].Status.Description)
	}
}

func TestSpanListenerRunConsumesSubscription(t *testing.T) {
	listener, exporter := newTestSink(t)
	hub := broadcast.NewHub()
	defer hub.Close()
	sub := hub.Subscribe("exec-1", 0)

	done := make(chan struct{})
	go func() {
		listener.Run(sub)
		close(done)
	}()

	hub.Publish(broadcast.Event{
		Type:        broadcast.TypeNodeStarted,
		ExecutionID: "exec-1",
		Node:        &journal.NodeExecution{NodeID: "n1", Status: journal.NodeRunning},
	})
	hub.Publish(broadcast.Event{
		Type:        broadcast.TypeExecutionCompleted,
		ExecutionID: "exec-1",
		Execution:   &journal.Execution{ID: "exec-1", Status: journal.StatusSuccess},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after channel close")
	}
	if got := len(exporter.GetSpans()); got != 2 {
		t.Errorf("got %d spans, want 2", got)
	}
}

func TestOTelSinkLogEntrySpan(t *testing.T) {
	sink, exporter := newTestSink(t)

	sink.Deliver(broadcast.Event{
		Type:        broadcast.TypeLog,
		ExecutionID: "exec-1",
		Entry: &journal.LogEntry{
			NodeID:  "n1",
			Level:   journal.LevelWarn,
			Message: "request-attempt-1",
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	attrs := attributeMap(spans[0].Attributes)
	if attrs["canal.log_level"] != "warn" || attrs["canal.log_message"] != "request-attempt-1" {
		t.Errorf("log attrs = %v", attrs)
	}
}
