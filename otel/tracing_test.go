package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/chatflow/core"
	"github.com/petal-labs/chatflow/engine"
	chatotel "github.com/petal-labs/chatflow/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return exporter, tp
}

func runningEvent(runID string, seq uint64, at time.Time) engine.Event {
	return engine.Event{Kind: engine.EventStatus, RunID: runID, Seq: seq, Time: at, Status: core.StatusRunning}
}

func enterNodeEvent(runID, nodeID string, seq uint64, at time.Time) engine.Event {
	return engine.Event{
		Kind: engine.EventTrace, RunID: runID, NodeID: nodeID, Seq: seq, Time: at,
		Trace: &core.TraceEvent{Type: "enterNode", NodeID: nodeID, NodeLabel: "Send a Message"},
	}
}

func doneEvent(runID string, seq uint64, at time.Time, reason core.DoneReason) engine.Event {
	return engine.Event{Kind: engine.EventDone, RunID: runID, Seq: seq, Time: at, Done: &core.Done{Reason: reason}}
}

func TestTracingHandler_RunAndNodeSpanLifecycle(t *testing.T) {
	exporter, tp := newTestTracer()
	h := chatotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(runningEvent("run-1", 1, now))
	h.Handle(enterNodeEvent("run-1", "n1", 2, now.Add(time.Millisecond)))
	h.Handle(enterNodeEvent("run-1", "n2", 3, now.Add(2*time.Millisecond)))
	h.Handle(doneEvent("run-1", 4, now.Add(3*time.Millisecond), core.DoneCompleted))

	spans := exporter.GetSpans()
	// n1 closed on entering n2, n2 and the run closed on done.
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}

	names := make(map[string]bool)
	for _, s := range spans {
		names[s.Name] = true
	}
	for _, want := range []string{"node:n1", "node:n2", "run:run-1"} {
		if !names[want] {
			t.Errorf("missing span %q in %v", want, names)
		}
	}

	// Node spans are children of the run span.
	var runSpan tracetest.SpanStub
	for _, s := range spans {
		if s.Name == "run:run-1" {
			runSpan = s
		}
	}
	for _, s := range spans {
		if s.Name == "node:n1" && s.Parent.SpanID() != runSpan.SpanContext.SpanID() {
			t.Error("node span not parented under run span")
		}
	}
}

func TestTracingHandler_ErrorMarksNodeSpanFailed(t *testing.T) {
	exporter, tp := newTestTracer()
	h := chatotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(runningEvent("run-1", 1, now))
	h.Handle(enterNodeEvent("run-1", "n1", 2, now))
	h.Handle(engine.Event{
		Kind: engine.EventError, RunID: "run-1", NodeID: "n1", Seq: 3, Time: now,
		Error: &core.NodeError{NodeID: "n1", Message: "api node has no request configuration"},
	})
	h.Handle(doneEvent("run-1", 4, now, core.DoneCompleted))

	for _, s := range exporter.GetSpans() {
		if s.Name != "node:n1" {
			continue
		}
		if s.Status.Code != otelcodes.Error {
			t.Errorf("node span status = %v, want error", s.Status.Code)
		}
		if len(s.Events) == 0 {
			t.Error("error not recorded on span")
		}
		return
	}
	t.Fatal("node span not exported")
}

func TestTracingHandler_StoppedRunMarksRunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := chatotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(runningEvent("run-1", 1, now))
	h.Handle(doneEvent("run-1", 2, now, core.DoneStopped))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "run:run-1" {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("stopped run span status = %v, want error", spans[0].Status.Code)
	}
}

func TestEnrichHandler_StampsActiveSpanIDs(t *testing.T) {
	_, tp := newTestTracer()
	h := chatotel.NewTracingHandler(tp.Tracer("test"))

	var got engine.Event
	enriched := chatotel.EnrichHandler(func(e engine.Event) { got = e }, h)

	now := time.Now()
	h.Handle(runningEvent("run-1", 1, now))
	h.Handle(enterNodeEvent("run-1", "n1", 2, now))

	enriched(engine.Event{Kind: engine.EventTrace, RunID: "run-1", NodeID: "n1", Seq: 3, Time: now})
	if got.TraceID == "" || got.SpanID == "" {
		t.Fatal("event not enriched with active span identifiers")
	}

	h.Handle(doneEvent("run-1", 4, now, core.DoneCompleted))
	enriched(engine.Event{Kind: engine.EventStatus, RunID: "run-1", Seq: 5, Time: now})
	if got.TraceID != "" {
		t.Error("event enriched after run ended")
	}
}
