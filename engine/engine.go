// Package engine interprets a compiled flow graph as a single
// conversational run: a queue-driven state machine that renders
// messages, suspends on input nodes, schedules delays on an injectable
// clock, and dispatches API calls, reporting everything through a typed
// event bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/chatflow/clock"
	"github.com/petal-labs/chatflow/compiler"
	"github.com/petal-labs/chatflow/core"
	"github.com/petal-labs/chatflow/expr"
)

var (
	// ErrNoFlow is returned by Start when SetFlow was never called.
	ErrNoFlow = errors.New("engine: no flow set")

	// ErrNoStartNode is returned by Start when neither an override nor a
	// compiled start node resolves.
	ErrNoStartNode = errors.New("engine: no start node found")
)

// Options configures an Engine. Zero values select the defaults:
// whatsapp channel, wall clock, real HTTP dispatcher.
type Options struct {
	Channel     core.Channel
	Clock       clock.Clock
	Dispatcher  Dispatcher
	InitialVars map[string]any
}

type signal int

const (
	signalSync signal = iota
	signalAsync
	signalWait
)

// Engine executes one flow at a time. All methods are safe for
// concurrent use; execution itself is sequential under one mutex, the
// way the drain loop requires.
type Engine struct {
	mu   sync.Mutex
	bus  *Bus
	opts Options

	clock      clock.Clock
	dispatcher Dispatcher

	graph   *compiler.Graph
	status  core.EngineStatus
	queue   []string
	timers  map[clock.TimerID]struct{}
	pending int
	waiting *core.WaitState
	vars    map[string]any

	runID  string
	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine with the given options.
func New(opts Options) *Engine {
	e := &Engine{
		bus:    NewBus(),
		status: core.StatusIdle,
		timers: make(map[clock.TimerID]struct{}),
		vars:   make(map[string]any),
	}
	e.Configure(opts)
	return e
}

// Configure applies options and reseeds the variable bag. Call before
// Start; calling mid-run leaves queued work untouched.
func (e *Engine) Configure(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if opts.Channel == "" {
		opts.Channel = core.ChannelWhatsApp
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = NewHTTPDispatcher()
	}
	e.opts = opts
	e.clock = opts.Clock
	e.dispatcher = opts.Dispatcher
	e.vars = copyVars(opts.InitialVars)
}

// SetFlow compiles and installs the flow. Safe to call before every
// Start to pick up editor changes.
func (e *Engine) SetFlow(nodes []compiler.EditorNode, edges []compiler.EditorEdge) {
	g := compiler.Compile(nodes, edges)
	e.mu.Lock()
	e.graph = g
	e.mu.Unlock()
}

// On subscribes a handler to events of the given kind.
func (e *Engine) On(kind EventKind, fn Handler) { e.bus.On(kind, fn) }

// Off removes a handler by function identity.
func (e *Engine) Off(kind EventKind, fn Handler) { e.bus.Off(kind, fn) }

// Status returns the current engine status.
func (e *Engine) Status() core.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// RunID returns the identifier of the current (or last) run.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID
}

// Variables returns a copy of the variable bag. Mutating the copy never
// affects the run.
func (e *Engine) Variables() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyVars(e.vars)
}

// Start begins a fresh run. startNodeOverride, when non-empty, takes
// precedence over the compiled start nodes. Run-scoped state is reset
// first. A missing start node emits a structural error, leaves the
// engine stopped, and returns ErrNoStartNode.
func (e *Engine) Start(startNodeOverride string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.graph == nil {
		return ErrNoFlow
	}

	e.runID = uuid.NewString()
	e.seq = 0
	e.resetLocked()
	e.ctx, e.cancel = context.WithCancel(context.Background())

	start := startNodeOverride
	if start == "" && len(e.graph.Starts) > 0 {
		start = e.graph.Starts[0]
	}
	if start == "" {
		e.emit(Event{Kind: EventError, Error: &core.NodeError{Message: "no start node found for the flow"}})
		e.setStatus(core.StatusStopped)
		return ErrNoStartNode
	}

	e.queue = append(e.queue, start)
	e.setStatus(core.StatusRunning)
	e.drain()
	return nil
}

// Stop force-terminates the run: pending timers and the queue are
// cleared, wait-state dropped, and done{stopped} emitted. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == core.StatusStopped {
		return
	}
	e.clearRunWork()
	e.setStatus(core.StatusStopped)
	e.emit(Event{Kind: EventDone, Done: &core.Done{Reason: core.DoneStopped}})
}

// Reset clears run state and returns to idle without emitting done.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

// resetLocked clears run-scoped state and reseeds variables.
func (e *Engine) resetLocked() {
	e.clearRunWork()
	e.vars = copyVars(e.opts.InitialVars)
	e.setStatus(core.StatusIdle)
}

// clearRunWork cancels timers and in-flight dispatches and empties the
// queue and wait-state.
func (e *Engine) clearRunWork() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	for id := range e.timers {
		e.clock.Clear(id)
		delete(e.timers, id)
	}
	e.pending = 0
	e.queue = nil
	e.waiting = nil
}

// PushUserInput resumes a waiting engine with the user's reply. The
// reply is always recorded as last_user_message; everything else is a
// no-op unless the engine is waiting.
func (e *Engine) PushUserInput(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.vars["last_user_message"] = text
	if e.waiting == nil {
		return
	}

	w := *e.waiting
	e.vars[w.VarName] = text
	e.waiting = nil
	e.setStatus(core.StatusRunning)

	next := e.resumeTarget(w, text)
	if next != "" {
		e.queue = append(e.queue, next)
	}
	e.drain()
}

// resumeTarget resolves which edge to follow after input. Buttons and
// list replies match the literal option label to its branch-tagged edge;
// ask follows the first edge. When nothing matches, the node's
// unbranched default edge is the fallback.
func (e *Engine) resumeTarget(w core.WaitState, text string) string {
	outs := e.graph.Next[w.NodeID]

	if w.Kind == core.NodeKindButtons || w.Kind == core.NodeKindList {
		node, ok := e.graph.Nodes[w.NodeID]
		if ok {
			for _, opt := range node.Data.Options() {
				if opt.Label != text {
					continue
				}
				for _, o := range outs {
					if o.Branch == opt.ID {
						return o.To
					}
				}
			}
		}
	} else if len(outs) > 0 {
		return outs[0].To
	}

	for _, o := range outs {
		if o.Branch == "" {
			return o.To
		}
	}
	return ""
}

// drain pops and executes queued nodes until the queue empties or an
// async/wait signal breaks the loop. The run completes only when the
// queue is empty, no wait-state is set, and no async work is pending.
func (e *Engine) drain() {
	for len(e.queue) > 0 && e.status == core.StatusRunning {
		nodeID := e.queue[0]
		e.queue = e.queue[1:]

		node, ok := e.graph.Nodes[nodeID]
		if !ok {
			continue
		}
		sig, err := e.execute(node)
		if err != nil {
			e.emit(Event{Kind: EventError, NodeID: nodeID, Error: &core.NodeError{NodeID: nodeID, Message: err.Error()}})
			continue
		}
		if sig != signalSync {
			break
		}
	}

	if e.status == core.StatusRunning && len(e.queue) == 0 && e.waiting == nil && e.pending == 0 {
		e.setStatus(core.StatusCompleted)
		e.emit(Event{Kind: EventDone, Done: &core.Done{Reason: core.DoneCompleted}})
	}
}

func (e *Engine) execute(n compiler.RuntimeNode) (signal, error) {
	d := n.Data
	e.emit(Event{Kind: EventTrace, NodeID: n.ID, Trace: &core.TraceEvent{
		Time: time.Now(), Type: "enterNode", NodeID: n.ID, NodeLabel: d.Label,
	}})

	switch n.Kind {
	case core.NodeKindMessage:
		raw := d.TextContent()
		if raw == "" {
			raw = d.Label
		}
		text := expr.Render(raw, e.vars)
		var attachments []core.Attachment
		for _, p := range d.MediaParts() {
			name := p.Name
			if name == "" {
				name = "file"
			}
			attachments = append(attachments, core.Attachment{ID: p.ID, Type: p.Type, Name: name, URL: p.URL})
		}
		e.emitBot(n.ID, text, d.QuickReplies, attachments)
		e.traceLog(n.ID, fmt.Sprintf("message(%q)", trunc(text)))
		e.enqueueNext(n.ID)
		return signalSync, nil

	case core.NodeKindAsk, core.NodeKindButtons, core.NodeKindList:
		varName := d.VariableName
		if varName == "" {
			varName = "answer"
		}
		prompt := "Please reply"
		if raw := d.TextContent(); raw != "" {
			prompt = expr.Render(raw, e.vars)
		}
		var buttons []core.QuickReply
		switch n.Kind {
		case core.NodeKindButtons:
			buttons = d.QuickReplies
		case core.NodeKindList:
			buttons = d.Options()
		}
		e.emitBot(n.ID, prompt, buttons, nil)
		e.waiting = &core.WaitState{NodeID: n.ID, VarName: varName, Kind: n.Kind}
		e.setStatus(core.StatusWaiting)
		w := *e.waiting
		e.emit(Event{Kind: EventWaitingForInput, NodeID: n.ID, Waiting: &w})
		e.traceLog(n.ID, fmt.Sprintf("%s(%q)", n.Kind, varName))
		return signalWait, nil

	case core.NodeKindCondition:
		res := false
		if d.Condition != nil {
			res = expr.EvalCondition(*d.Condition, e.vars)
		}
		tgt := e.chooseBranch(n.ID, res)
		e.traceLog(n.ID, fmt.Sprintf("condition(%t)", res))
		// No matching branch means this path ends here, silently.
		if tgt != "" {
			e.queue = append(e.queue, tgt)
		}
		return signalSync, nil

	case core.NodeKindDelay:
		var spec core.DelaySpec
		if d.Delay != nil {
			spec = *d.Delay
		}
		ms := expr.DelayMillis(spec)
		run := e.runID
		e.pending++
		// The callback dereferences id only inside onTimer, under the
		// engine mutex held here, so the write below is visible to it even
		// when the real clock fires immediately.
		id := new(clock.TimerID)
		*id = e.clock.Set(func() {
			e.onTimer(run, id, n.ID, ms)
		}, time.Duration(ms)*time.Millisecond)
		e.timers[*id] = struct{}{}
		return signalAsync, nil

	case core.NodeKindAPI:
		if d.API == nil {
			return signalSync, errors.New("api node has no request configuration")
		}
		req := e.buildAPIRequest(*d.API)
		run := e.runID
		e.pending++
		go e.dispatch(e.ctx, run, n.ID, req, d.API.AssignTo)
		return signalAsync, nil

	default:
		e.traceLog(n.ID, "noop")
		e.enqueueNext(n.ID)
		return signalSync, nil
	}
}

// onTimer is the delay-node completion path. Timers from a previous run
// or landing after a stop or reset are dropped.
func (e *Engine) onTimer(run string, id *clock.TimerID, nodeID string, ms int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runID != run || e.status != core.StatusRunning {
		return
	}
	delete(e.timers, *id)
	e.pending--
	e.traceLog(nodeID, fmt.Sprintf("delay %dms", ms))
	e.enqueueNext(nodeID)
	if e.status == core.StatusRunning {
		e.drain()
	}
}

// dispatch runs an API request off-loop and rejoins the drain loop on
// completion. Responses from a previous run or landing after a stop or
// reset are dropped, even when the dispatcher ignores context
// cancellation. Failure records a trace entry only: no successor is
// enqueued, pending stays elevated, and the run stalls in running.
func (e *Engine) dispatch(ctx context.Context, run, nodeID string, req core.APIRequest, assignTo string) {
	resp, err := e.dispatcher.SendTestRequest(ctx, req)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runID != run || e.status != core.StatusRunning {
		return
	}
	if err != nil {
		e.traceLog(nodeID, "api error: "+err.Error())
		return
	}

	e.pending--
	e.vars["last_api_response"] = resp
	if assignTo != "" {
		e.vars[assignTo] = resp
	}
	e.traceLog(nodeID, fmt.Sprintf("api %s %s -> %d", req.Method, req.URL, resp.StatusCode))
	e.enqueueNext(nodeID)
	if e.status == core.StatusRunning {
		e.drain()
	}
}

func (e *Engine) buildAPIRequest(cfg core.APIConfig) core.APIRequest {
	req := core.APIRequest{
		URL:    expr.Render(cfg.URL, e.vars),
		Method: strings.ToUpper(cfg.Method),
		Body:   expr.Render(cfg.Body, e.vars),
	}
	for _, h := range cfg.Headers {
		req.Headers = append(req.Headers, core.HeaderKV{
			Key:   expr.Render(h.Key, e.vars),
			Value: expr.Render(h.Value, e.vars),
		})
	}
	return req
}

// enqueueNext pushes the first outgoing edge's target, if any.
func (e *Engine) enqueueNext(fromID string) {
	if outs := e.graph.Next[fromID]; len(outs) > 0 {
		e.queue = append(e.queue, outs[0].To)
	}
}

var (
	truthyTokens = []string{"true", "yes", "1"}
	falsyTokens  = []string{"false", "no", "0", "else", "default"}
)

// chooseBranch picks the outgoing edge for a condition result. The first
// edge whose branch or label matches a truthy/falsy token wins, scanned
// in declaration order; a literal "true"/"false" branch is the fallback.
func (e *Engine) chooseBranch(fromID string, truthy bool) string {
	outs := e.graph.Next[fromID]
	want := falsyTokens
	literal := "false"
	if truthy {
		want = truthyTokens
		literal = "true"
	}

	for _, o := range outs {
		if matchesToken(o.Branch, want) || matchesToken(o.Label, want) {
			return o.To
		}
	}
	for _, o := range outs {
		if o.Branch == literal {
			return o.To
		}
	}
	return ""
}

func matchesToken(s string, tokens []string) bool {
	if s == "" {
		return false
	}
	s = strings.ToLower(s)
	for _, t := range tokens {
		if s == t {
			return true
		}
	}
	return false
}

func (e *Engine) emitBot(nodeID, text string, buttons []core.QuickReply, attachments []core.Attachment) {
	msg := core.ChatMessage{
		ID:          uuid.NewString(),
		Channel:     e.opts.Channel,
		Text:        text,
		Buttons:     buttons,
		Attachments: attachments,
	}
	e.emit(Event{Kind: EventBotMessage, NodeID: nodeID, Message: &msg})
}

func (e *Engine) traceLog(nodeID, result string) {
	e.emit(Event{Kind: EventTrace, NodeID: nodeID, Trace: &core.TraceEvent{
		Time: time.Now(), Type: "log", NodeID: nodeID, Result: result,
	}})
}

func (e *Engine) setStatus(s core.EngineStatus) {
	e.status = s
	e.emit(Event{Kind: EventStatus, Status: s})
}

// emit stamps the event with run scope and dispatches it. Caller holds
// the engine mutex, so event order matches execution order exactly.
func (e *Engine) emit(ev Event) {
	e.seq++
	ev.RunID = e.runID
	ev.Seq = e.seq
	ev.Time = time.Now()
	e.bus.Emit(ev)
}

func copyVars(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// trunc shortens trace text to 80 characters.
func trunc(s string) string {
	const n = 80
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
