// Package otel translates engine events into OpenTelemetry spans: one
// root span per run and one child span per executed node.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/chatflow/core"
	"github.com/petal-labs/chatflow/engine"
)

// TracingHandler maintains active run and node spans from the engine's
// event stream. Execution is sequential, so a node span stays open until
// the next node is entered or the run ends; error events mark the open
// node span failed.
type TracingHandler struct {
	tracer trace.Tracer

	mu       sync.RWMutex
	runSpans map[string]trace.Span      // runID -> span
	runCtxs  map[string]context.Context // runID -> context (for child spans)
	nodeSpan map[string]trace.Span      // runID -> currently open node span
	nodeIDs  map[string]string          // runID -> node id of the open span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:   tracer,
		runSpans: make(map[string]trace.Span),
		runCtxs:  make(map[string]context.Context),
		nodeSpan: make(map[string]trace.Span),
		nodeIDs:  make(map[string]string),
	}
}

// Handle processes one engine event. Attach it with
// engine.On(engine.EventAny, handler.Handle).
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventStatus:
		if e.Status == core.StatusRunning {
			h.ensureRunSpan(e)
		}
	case engine.EventTrace:
		if e.Trace != nil && e.Trace.Type == "enterNode" {
			h.enterNode(e)
		}
	case engine.EventError:
		h.markNodeError(e)
	case engine.EventDone:
		h.finishRun(e)
	}
}

// ensureRunSpan opens the root span the first time a run goes running.
func (h *TracingHandler) ensureRunSpan(e engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.runSpans[e.RunID]; ok {
		return
	}
	ctx, span := h.tracer.Start(context.Background(), "run:"+e.RunID,
		trace.WithAttributes(attribute.String("chatflow.run_id", e.RunID)),
		trace.WithTimestamp(e.Time),
	)
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
}

// enterNode closes the previous node span and opens one for the node
// being entered.
func (h *TracingHandler) enterNode(e engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.nodeSpan[e.RunID]; ok {
		prev.SetStatus(codes.Ok, "")
		prev.End(trace.WithTimestamp(e.Time))
	}

	parentCtx, ok := h.runCtxs[e.RunID]
	if !ok {
		parentCtx = context.Background()
	}
	_, span := h.tracer.Start(parentCtx, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("chatflow.run_id", e.RunID),
			attribute.String("chatflow.node_id", e.NodeID),
			attribute.String("chatflow.node_label", e.Trace.NodeLabel),
		),
		trace.WithTimestamp(e.Time),
	)
	h.nodeSpan[e.RunID] = span
	h.nodeIDs[e.RunID] = e.NodeID
}

// markNodeError ends the open node span with error status.
func (h *TracingHandler) markNodeError(e engine.Event) {
	h.mu.Lock()
	span, ok := h.nodeSpan[e.RunID]
	if ok {
		delete(h.nodeSpan, e.RunID)
		delete(h.nodeIDs, e.RunID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	msg := "node failed"
	if e.Error != nil {
		msg = e.Error.Message
	}
	span.SetStatus(codes.Error, msg)
	span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

// finishRun closes the open node span and the root run span.
func (h *TracingHandler) finishRun(e engine.Event) {
	h.mu.Lock()
	nodeSpan, hasNode := h.nodeSpan[e.RunID]
	runSpan, hasRun := h.runSpans[e.RunID]
	delete(h.nodeSpan, e.RunID)
	delete(h.nodeIDs, e.RunID)
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	h.mu.Unlock()

	if hasNode {
		nodeSpan.SetStatus(codes.Ok, "")
		nodeSpan.End(trace.WithTimestamp(e.Time))
	}
	if !hasRun {
		return
	}

	reason := ""
	if e.Done != nil {
		reason = string(e.Done.Reason)
	}
	runSpan.SetAttributes(attribute.String("chatflow.done_reason", reason))
	if reason == string(core.DoneStopped) {
		runSpan.SetStatus(codes.Error, "run stopped")
	} else {
		runSpan.SetStatus(codes.Ok, "")
	}
	runSpan.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the open node span for a
// run, or the run span, or an empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if span, ok := h.nodeSpan[runID]; ok {
		return span.SpanContext()
	}
	if span, ok := h.runSpans[runID]; ok {
		return span.SpanContext()
	}
	return trace.SpanContext{}
}

// EnrichHandler wraps an event handler so every event carries the trace
// and span IDs of the active span. When no span is active the event
// passes through unchanged.
func EnrichHandler(next engine.Handler, tracing *TracingHandler) engine.Handler {
	return func(e engine.Event) {
		if sc := tracing.ActiveSpanContext(e.RunID); sc.IsValid() {
			e.TraceID = sc.TraceID().String()
			e.SpanID = sc.SpanID().String()
		}
		next(e)
	}
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
