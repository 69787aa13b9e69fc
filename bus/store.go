package bus

import (
	"context"

	"github.com/petal-labs/chatflow/engine"
)

// EventStore persists run events for replay: a finished run's full
// transcript and trace remain inspectable after the fact.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event engine.Event) error

	// List returns events for a run in sequence order.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]engine.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// RunIDs returns the distinct run IDs present in the store.
	RunIDs(ctx context.Context) ([]string, error)
}
