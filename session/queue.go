package session

import "errors"

// ErrQueueFull is returned by Send when the outbound queue is full and the
// overflow policy is OverflowReject.
var ErrQueueFull = errors.New("session: outbound queue full")

// OverflowPolicy selects what happens when the outbound queue is full.
type OverflowPolicy int

const (
	// OverflowDropOldest evicts the oldest unacknowledged stanza.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowReject fails the Send with ErrQueueFull.
	OverflowReject
)

func (p OverflowPolicy) String() string {
	if p == OverflowReject {
		return "reject"
	}
	return "drop-oldest"
}

type queueEntry struct {
	id    string
	topic string
	frame []byte
}

// outboundQueue holds stanzas that have not been acknowledged yet, FIFO.
// A stanza enters on Send, is retransmitted in order after every reconnect,
// and leaves only when the matching ack arrives. Callers synchronize access.
type outboundQueue struct {
	entries []*queueEntry
	size    int
	policy  OverflowPolicy
}

// push appends an entry. When the queue is full it either evicts and
// returns the oldest entry (drop-oldest) or returns ErrQueueFull (reject).
func (q *outboundQueue) push(e *queueEntry) (dropped *queueEntry, err error) {
	if len(q.entries) >= q.size {
		if q.policy == OverflowReject {
			return nil, ErrQueueFull
		}
		dropped = q.entries[0]
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, e)
	return dropped, nil
}

// ack removes the entry with the given id and reports whether it was held.
func (q *outboundQueue) ack(id string) bool {
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// snapshot returns the retained entries oldest first.
func (q *outboundQueue) snapshot() []*queueEntry {
	out := make([]*queueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *outboundQueue) len() int { return len(q.entries) }
