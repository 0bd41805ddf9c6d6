package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func rec(id string, at time.Time) Record {
	return Record{
		ID:       id,
		Frame:    []byte("<message id=\"" + id + "\"/>"),
		Status:   StatusPending,
		StoredAt: at,
	}
}

func TestMemoryPendingOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now()

	for i := 0; i < 3; i++ {
		if err := m.Store(ctx, rec(fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending records, got %d", len(pending))
	}
	for i, r := range pending {
		want := fmt.Sprintf("e%d", i)
		if r.ID != want {
			t.Fatalf("pending[%d]: expected %s, got %s", i, want, r.ID)
		}
	}
}

func TestMemoryMarkStatusExcludesAcked(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	m.Store(ctx, rec("a", now))
	m.Store(ctx, rec("b", now))

	if err := m.MarkStatus(ctx, "a", StatusAcked); err != nil {
		t.Fatalf("MarkStatus failed: %v", err)
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Fatalf("expected only %q pending, got %+v", "b", pending)
	}
}

func TestMemorySentStaysPending(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Store(ctx, rec("a", time.Now()))
	m.MarkStatus(ctx, "a", StatusSent)

	pending, _ := m.Pending(ctx)
	if len(pending) != 1 {
		t.Fatalf("sent record must remain replayable, got %d pending", len(pending))
	}
}

func TestMemoryFIFOEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithMemorySize(2))
	now := time.Now()

	m.Store(ctx, rec("old", now))
	m.Store(ctx, rec("mid", now.Add(time.Millisecond)))
	m.Store(ctx, rec("new", now.Add(2*time.Millisecond)))

	pending, _ := m.Pending(ctx)
	if len(pending) != 2 {
		t.Fatalf("expected size bound of 2, got %d", len(pending))
	}
	if pending[0].ID != "mid" || pending[1].ID != "new" {
		t.Fatalf("expected oldest evicted, got %+v", pending)
	}
}

func TestMemoryTTLEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithMemoryTTL(time.Hour))
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Store(ctx, rec("stale", now.Add(-2*time.Hour)))
	m.Store(ctx, rec("fresh", now))

	pending, _ := m.Pending(ctx)
	if len(pending) != 1 || pending[0].ID != "fresh" {
		t.Fatalf("expected stale record evicted, got %+v", pending)
	}
}
