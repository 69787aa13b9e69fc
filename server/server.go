// Package server exposes the flow engine over a small HTTP API: upload
// a flow, start runs against it, push user input into a waiting run, and
// stream run events over SSE.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/petal-labs/chatflow/bus"
	"github.com/petal-labs/chatflow/core"
	"github.com/petal-labs/chatflow/engine"
	"github.com/petal-labs/chatflow/loader"
	chatotel "github.com/petal-labs/chatflow/otel"
	"github.com/petal-labs/chatflow/schedule"
	"github.com/petal-labs/chatflow/sse"
)

// Server routes flow and run operations. One engine instance exists per
// run; every engine event is persisted to the store and published on
// the bus for live streaming. Flows whose meta carries a cron schedule
// get recurring runs via the embedded scheduler.
type Server struct {
	store   bus.EventStore
	bus     bus.EventBus
	logger  *slog.Logger
	tracing *chatotel.TracingHandler
	sched   *schedule.Scheduler

	mu    sync.Mutex
	flows map[string]*loader.FlowFile
	runs  map[string]*engine.Engine
}

// New creates a Server. A nil logger falls back to slog.Default.
func New(store bus.EventStore, eb bus.EventBus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		bus:    eb,
		logger: logger,
		flows:  make(map[string]*loader.FlowFile),
		runs:   make(map[string]*engine.Engine),
	}
	s.sched = schedule.New(s.runScheduledFlow, logger)
	s.sched.Run()
	return s
}

// WithTracing installs OpenTelemetry span emission: every run's events
// drive the handler's run/node spans and get stamped with the active
// trace and span IDs before persistence.
func (s *Server) WithTracing(t *chatotel.TracingHandler) *Server {
	s.tracing = t
	return s
}

// Close stops the cron scheduler. Engines of in-flight runs are left
// alone.
func (s *Server) Close() error {
	s.sched.Stop()
	return nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /flows", s.handleCreateFlow)
	mux.HandleFunc("POST /flows/{flow_id}/runs", s.handleStartRun)
	mux.HandleFunc("POST /runs/{run_id}/input", s.handlePushInput)
	mux.Handle("GET /runs/{run_id}/events", sse.NewHandler(s.store, s.bus))
	return mux
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	flow, err := loader.LoadBytes(raw, "flow.json")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if flow.Meta.Schedule != "" {
		if _, err := schedule.ParseExpression(flow.Meta.Schedule); err != nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid schedule: %v", err))
			return
		}
	}

	flowID := uuid.NewString()
	s.mu.Lock()
	s.flows[flowID] = flow
	s.mu.Unlock()

	if flow.Meta.Schedule != "" {
		if err := s.sched.Add(flowID, flow.Meta.Schedule); err != nil {
			s.logger.Error("failed to schedule flow", "flow_id", flowID, "error", err)
		}
	}

	s.logger.Info("flow created", "flow_id", flowID, "name", flow.Meta.Name, "nodes", len(flow.Nodes))
	writeJSON(w, http.StatusCreated, map[string]any{"flowId": flowID})
}

type startRunRequest struct {
	Channel     string         `json:"channel,omitempty"`
	StartNodeID string         `json:"startNodeId,omitempty"`
	InitialVars map[string]any `json:"initialVars,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flow_id")
	s.mu.Lock()
	flow := s.flows[flowID]
	s.mu.Unlock()
	if flow == nil {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}

	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
	}

	eng := s.newRun(flow, req)

	start := req.StartNodeID
	if start == "" {
		start = flow.StartNodeID
	}

	err := eng.Start(start)
	runID := eng.RunID()
	s.mu.Lock()
	s.runs[runID] = eng
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("run failed to start", "run_id", runID, "flow_id", flowID, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"runId":  runID,
			"status": eng.Status(),
			"error":  err.Error(),
		})
		return
	}

	s.logger.Info("run started", "run_id", runID, "flow_id", flowID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"runId":  runID,
		"status": eng.Status(),
	})
}

// newRun builds an engine for one run, wired to persistence, the live
// bus, and the optional tracing layer.
func (s *Server) newRun(flow *loader.FlowFile, req startRunRequest) *engine.Engine {
	channel := core.Channel(req.Channel)
	if channel == "" {
		channel = core.Channel(flow.Meta.Channel)
	}

	eng := engine.New(engine.Options{
		Channel:     channel,
		InitialVars: req.InitialVars,
	})
	eng.SetFlow(flow.Nodes, flow.Edges)

	persist := bus.NewStoreSubscriber(s.store, s.logger)
	var emit engine.Handler = func(ev engine.Event) {
		persist.Handle(ev)
		s.bus.Publish(ev)
	}
	if s.tracing != nil {
		// Spans open before the event is enriched, so enterNode events
		// carry their own node span's identifiers.
		tr := s.tracing
		enriched := chatotel.EnrichHandler(emit, tr)
		emit = func(ev engine.Event) {
			tr.Handle(ev)
			enriched(ev)
		}
	}
	eng.On(engine.EventAny, emit)
	return eng
}

// runScheduledFlow starts one cron-triggered run with the flow's
// defaults.
func (s *Server) runScheduledFlow(flowID string) {
	s.mu.Lock()
	flow := s.flows[flowID]
	s.mu.Unlock()
	if flow == nil {
		return
	}

	eng := s.newRun(flow, startRunRequest{})
	err := eng.Start(flow.StartNodeID)
	runID := eng.RunID()
	s.mu.Lock()
	s.runs[runID] = eng
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled run failed to start", "flow_id", flowID, "run_id", runID, "error", err)
		return
	}
	s.logger.Info("scheduled run started", "flow_id", flowID, "run_id", runID)
}

type pushInputRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePushInput(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	s.mu.Lock()
	eng := s.runs[runID]
	s.mu.Unlock()
	if eng == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	var req pushInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	eng.PushUserInput(req.Text)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    eng.Status(),
		"variables": eng.Variables(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
