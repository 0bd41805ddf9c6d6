// Package persistence stores outbound bus events so that stanzas queued but
// not yet acknowledged survive process restarts. The session feeds it: every
// queued stanza is stored as pending, marked sent on write, acked on receipt
// of the matching ack, and pending entries are replayed into the outbound
// queue at startup.
package persistence

import (
	"context"
	"errors"
	"time"
)

// Status tracks an event through the outbound pipeline.
type Status string

const (
	// StatusPending means the event is queued and not yet written.
	StatusPending Status = "pending"
	// StatusSent means the event was written but not yet acknowledged.
	StatusSent Status = "sent"
	// StatusAcked means the peer acknowledged the event.
	StatusAcked Status = "acked"
	// StatusFailed means the event was dropped by the overflow policy.
	StatusFailed Status = "failed"
)

// ErrBackendUnavailable is returned when the backend cannot be reached.
var ErrBackendUnavailable = errors.New("persistence: backend unavailable")

// Record is one stored outbound event.
type Record struct {
	ID       string    `json:"id"`
	Topic    string    `json:"topic,omitempty"`
	Frame    []byte    `json:"frame"`
	Status   Status    `json:"status"`
	StoredAt time.Time `json:"stored_at"`
}

// Backend is the storage contract. Implementations must preserve insertion
// order in Pending so replay keeps the original send order.
type Backend interface {
	// Store persists a record. StoredAt is set by the caller.
	Store(ctx context.Context, rec Record) error

	// MarkStatus updates the status of a stored record. Unknown ids are
	// ignored: the record may have aged out.
	MarkStatus(ctx context.Context, id string, status Status) error

	// Pending returns records with status pending or sent, oldest first.
	Pending(ctx context.Context) ([]Record, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
