// Package memory is the Memory Store: the Postgres-backed episodic
// event log (memory_events) and capability-failure ledger
// (capability_failures) that the investigation pool and self-regulator
// write to, with a consistency sweep that files a curiosity question of
// its own when the data it finds violates the fixed invariants.
package memory

import (
	"context"
	"time"

	"github.com/kloros-systems/introspectd/pkg/introspect/model"
)

// Filter narrows GetEvents by the fields callers most commonly need:
// event type, source, conversation, and a time window. Zero values are
// unconstrained, per spec.md's "query by type/time/conversation."
type Filter struct {
	EventType      string
	Source         string
	ConversationID string
	Since          time.Time
	Until          time.Time
}

// ConsistencyReport is ConsistencyCheck's result: counts of rows that
// violate one of the fixed invariants, zero across the board meaning a
// clean sweep.
type ConsistencyReport struct {
	Scanned               int
	OrphanedMetadata       int
	MissingTimestamps      int
	InvalidEventTypes      int
	CheckedAt              time.Time
}

// Violations returns the total number of violations found; zero means a
// clean sweep.
func (r ConsistencyReport) Violations() int {
	return r.OrphanedMetadata + r.MissingTimestamps + r.InvalidEventTypes
}

// IntentSink receives the consistency-violation intent ConsistencyCheck
// files. pkg/intent.Router implements this (mirrors
// pkg/observer.IntentSink's contract).
type IntentSink interface {
	Route(ctx context.Context, intent model.Intent) error
}
