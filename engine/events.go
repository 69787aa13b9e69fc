package engine

import (
	"reflect"
	"sync"
	"time"

	"github.com/petal-labs/chatflow/core"
)

// EventKind identifies the type of event emitted by the engine.
type EventKind string

const (
	// EventStatus is emitted on every engine status transition.
	EventStatus EventKind = "status"

	// EventBotMessage is emitted when a node produces a chat message.
	EventBotMessage EventKind = "botMessage"

	// EventTrace is emitted for every interpretation step.
	EventTrace EventKind = "trace"

	// EventError is emitted when a node fails. Execution continues unless
	// the failure is structural.
	EventError EventKind = "error"

	// EventWaitingForInput is emitted when the engine suspends on an
	// ask, buttons, or list node.
	EventWaitingForInput EventKind = "waitingForInput"

	// EventDone is emitted exactly once per run, on completion or stop.
	EventDone EventKind = "done"

	// EventAny subscribes a handler to every event kind. Used by the
	// persistence and streaming layers.
	EventAny EventKind = "*"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of something that happened during a run.
// Exactly one payload field matching Kind is set. RunID, Seq, and Time
// make events persistable and replayable.
type Event struct {
	Kind   EventKind `json:"kind"`
	RunID  string    `json:"runId"`
	NodeID string    `json:"nodeId,omitempty"`
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`

	Status  core.EngineStatus `json:"status,omitempty"`
	Message *core.ChatMessage `json:"message,omitempty"`
	Trace   *core.TraceEvent  `json:"trace,omitempty"`
	Error   *core.NodeError   `json:"error,omitempty"`
	Waiting *core.WaitState   `json:"waiting,omitempty"`
	Done    *core.Done        `json:"done,omitempty"`

	// TraceID and SpanID are hex-encoded OpenTelemetry identifiers,
	// populated by the tracing layer when active.
	TraceID string `json:"traceId,omitempty"`
	SpanID  string `json:"spanId,omitempty"`
}

// Handler receives events synchronously on the emitting goroutine.
// Handlers must not call back into the engine.
type Handler func(Event)

type busEntry struct {
	ptr uintptr
	fn  Handler
}

// Bus is the engine-scoped typed event bus. Dispatch is synchronous and
// ordered: handlers run in subscription order, kind-specific handlers
// before EventAny handlers.
type Bus struct {
	mu       sync.Mutex
	handlers map[EventKind][]busEntry
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventKind][]busEntry)}
}

// On subscribes fn to events of the given kind.
func (b *Bus) On(kind EventKind, fn Handler) {
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], busEntry{
		ptr: reflect.ValueOf(fn).Pointer(),
		fn:  fn,
	})
	b.mu.Unlock()
}

// Off removes a previously subscribed handler, matched by function
// identity. Unknown handlers are a no-op.
func (b *Bus) Off(kind EventKind, fn Handler) {
	ptr := reflect.ValueOf(fn).Pointer()
	b.mu.Lock()
	entries := b.handlers[kind]
	for i, e := range entries {
		if e.ptr == ptr {
			b.handlers[kind] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// Emit delivers ev to every matching handler.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	entries := make([]busEntry, 0, len(b.handlers[ev.Kind])+len(b.handlers[EventAny]))
	entries = append(entries, b.handlers[ev.Kind]...)
	entries = append(entries, b.handlers[EventAny]...)
	b.mu.Unlock()

	for _, e := range entries {
		e.fn(ev)
	}
}
