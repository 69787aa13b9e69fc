package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/chatflow/bus"
	"github.com/petal-labs/chatflow/core"
	chatotel "github.com/petal-labs/chatflow/otel"
)

const askFlow = `{
  "meta": {"name": "color", "channel": "webchat"},
  "nodes": [
    {"id": "q", "data": {"label": "Question", "content": "Favorite color?", "variableName": "color"}},
    {"id": "m", "data": {"label": "Send a Message", "content": "You picked {{color}}"}}
  ],
  "edges": [{"source": "q", "target": "m"}]
}`

func newTestServer(t *testing.T) *httptest.Server {
	srv, _ := newTestServerAPI(t, bus.NewMemEventStore())
	return srv
}

func newTestServerAPI(t *testing.T, store bus.EventStore) (*httptest.Server, *Server) {
	t.Helper()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { eb.Close() })
	api := New(store, eb, nil)
	t.Cleanup(func() { api.Close() })
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, api
}

func postJSON(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("bad response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestFlowRunLifecycle(t *testing.T) {
	srv := newTestServer(t)

	status, created := postJSON(t, srv.URL+"/flows", askFlow)
	if status != http.StatusCreated {
		t.Fatalf("create flow = %d %v", status, created)
	}
	flowID, _ := created["flowId"].(string)
	if flowID == "" {
		t.Fatal("no flowId returned")
	}

	status, run := postJSON(t, srv.URL+"/flows/"+flowID+"/runs", `{}`)
	if status != http.StatusCreated {
		t.Fatalf("start run = %d %v", status, run)
	}
	runID, _ := run["runId"].(string)
	if run["status"] != "waiting" {
		t.Fatalf("run status = %v, want waiting on the ask node", run["status"])
	}

	status, pushed := postJSON(t, srv.URL+"/runs/"+runID+"/input", `{"text":"blue"}`)
	if status != http.StatusOK {
		t.Fatalf("push input = %d %v", status, pushed)
	}
	if pushed["status"] != "completed" {
		t.Fatalf("status after input = %v, want completed", pushed["status"])
	}
	vars, _ := pushed["variables"].(map[string]any)
	if vars["color"] != "blue" {
		t.Fatalf("variables = %v", vars)
	}

	// The finished run replays over SSE from the store.
	resp, err := http.Get(srv.URL + "/runs/" + runID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "event: done") {
		t.Errorf("replay missing done event: %q", body)
	}
	if !strings.Contains(string(body), "You picked blue") {
		t.Errorf("replay missing rendered message: %q", body)
	}
}

func TestCreateFlow_RejectsInvalid(t *testing.T) {
	srv := newTestServer(t)

	status, _ := postJSON(t, srv.URL+"/flows", "{not json")
	if status != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", status)
	}

	const dangling = `{"nodes":[{"id":"a","data":{"label":"Send a Message"}}],"edges":[{"source":"a","target":"ghost"}]}`
	status, body := postJSON(t, srv.URL+"/flows", dangling)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("invalid flow = %d %v, want 422", status, body)
	}
}

const scheduledFlow = `{
  "meta": {"name": "daily", "schedule": "0 9 * * *"},
  "nodes": [{"id": "m", "data": {"label": "Send a Message", "content": "good morning"}}],
  "edges": []
}`

func TestCreateFlow_RegistersSchedule(t *testing.T) {
	srv, api := newTestServerAPI(t, bus.NewMemEventStore())

	status, created := postJSON(t, srv.URL+"/flows", scheduledFlow)
	if status != http.StatusCreated {
		t.Fatalf("create flow = %d %v", status, created)
	}
	flowID, _ := created["flowId"].(string)
	if !api.sched.Has(flowID) {
		t.Error("flow schedule not registered")
	}

	const badCron = `{
	  "meta": {"schedule": "CRON_TZ=UTC 0 9 * * *"},
	  "nodes": [{"id": "m", "data": {"label": "Send a Message", "content": "hi"}}],
	  "edges": []
	}`
	status, body := postJSON(t, srv.URL+"/flows", badCron)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("invalid schedule = %d %v, want 422", status, body)
	}
}

func TestRunScheduledFlow_StartsWithFlowDefaults(t *testing.T) {
	store := bus.NewMemEventStore()
	srv, api := newTestServerAPI(t, store)

	_, created := postJSON(t, srv.URL+"/flows", scheduledFlow)
	flowID, _ := created["flowId"].(string)

	api.runScheduledFlow(flowID)

	runIDs, err := store.RunIDs(context.Background())
	if err != nil || len(runIDs) != 1 {
		t.Fatalf("run ids = %v (%v), want one persisted run", runIDs, err)
	}
	api.mu.Lock()
	eng := api.runs[runIDs[0]]
	api.mu.Unlock()
	if eng == nil {
		t.Fatal("scheduled run not registered")
	}
	if eng.Status() != core.StatusCompleted {
		t.Errorf("status = %v, want completed", eng.Status())
	}
}

func TestWithTracing_EmitsSpansAndStampsEvents(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { eb.Close() })
	api := New(store, eb, nil).WithTracing(chatotel.NewTracingHandler(tp.Tracer("test")))
	t.Cleanup(func() { api.Close() })
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	const flow = `{"nodes":[{"id":"m","data":{"label":"Send a Message","content":"hi"}}],"edges":[]}`
	_, created := postJSON(t, srv.URL+"/flows", flow)
	flowID, _ := created["flowId"].(string)

	status, run := postJSON(t, srv.URL+"/flows/"+flowID+"/runs", `{}`)
	if status != http.StatusCreated {
		t.Fatalf("start run = %d %v", status, run)
	}
	runID, _ := run["runId"].(string)

	names := make(map[string]bool)
	for _, s := range exporter.GetSpans() {
		names[s.Name] = true
	}
	if !names["node:m"] || !names["run:"+runID] {
		t.Fatalf("spans = %v, want node and run spans", names)
	}

	events, err := store.List(context.Background(), runID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var stamped bool
	for _, ev := range events {
		if ev.TraceID != "" && ev.SpanID != "" {
			stamped = true
		}
	}
	if !stamped {
		t.Error("no stored event carries trace identifiers")
	}
}

func TestStartRun_UnknownFlow(t *testing.T) {
	srv := newTestServer(t)
	status, _ := postJSON(t, srv.URL+"/flows/nope/runs", `{}`)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestPushInput_UnknownRun(t *testing.T) {
	srv := newTestServer(t)
	status, _ := postJSON(t, srv.URL+"/runs/nope/input", `{"text":"x"}`)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}
