package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/optiflows/nyuki-go/capability"
	"github.com/optiflows/nyuki-go/eventbus"
)

type echoIn struct {
	Message string `json:"message"`
}

type echoOut struct {
	Message string `json:"message"`
}

func newTestEngine(t *testing.T, cfg Config, caps ...capability.Capability) *Engine {
	t.Helper()
	reg := capability.NewRegistry()
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			t.Fatalf("Register(%s) failed: %v", c.Name, err)
		}
	}
	e, err := New(reg, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func echoCap() capability.Capability {
	return capability.New("echo", func(ctx context.Context, in echoIn) (echoOut, error) {
		return echoOut(in), nil
	})
}

func TestSubmitEcho(t *testing.T) {
	e := newTestEngine(t, Config{Policy: PolicyReject}, echoCap())

	resp := e.Submit(context.Background(), &Request{
		Transport:  "bus",
		Capability: "echo",
		Payload:    json.RawMessage(`{"message":"hi"}`),
	})
	if resp.Err != nil {
		t.Fatalf("unexpected error: %+v", resp.Err)
	}
	if resp.ID == "" {
		t.Fatal("expected an assigned correlation id")
	}
	var out echoOut
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("bad result %s: %v", resp.Result, err)
	}
	if out.Message != "hi" {
		t.Fatalf("expected echo of %q, got %q", "hi", out.Message)
	}
}

func TestSubmitUnknownCapabilitySkipsHandler(t *testing.T) {
	invoked := atomic.Bool{}
	cap := capability.New("echo", func(ctx context.Context, in echoIn) (echoOut, error) {
		invoked.Store(true)
		return echoOut(in), nil
	})
	e := newTestEngine(t, Config{Policy: PolicyReject}, cap)

	resp := e.Submit(context.Background(), &Request{Capability: "nope", Payload: json.RawMessage(`{"message":"x"}`)})
	if resp.Err == nil || resp.Err.Kind != KindNotFound {
		t.Fatalf("expected KindNotFound, got %+v", resp.Err)
	}
	if invoked.Load() {
		t.Fatal("handler must not run for an unknown capability")
	}
}

func TestSubmitInvalidInputSkipsHandler(t *testing.T) {
	invoked := atomic.Bool{}
	cap := capability.New("strict", func(ctx context.Context, in echoIn) (echoOut, error) {
		invoked.Store(true)
		return echoOut(in), nil
	})
	e := newTestEngine(t, Config{Policy: PolicyReject}, cap)

	resp := e.Submit(context.Background(), &Request{
		Capability: "strict",
		Payload:    json.RawMessage(`{"message":"hi","bogus":1}`),
	})
	if resp.Err == nil || resp.Err.Kind != KindInvalidInput {
		t.Fatalf("expected KindInvalidInput, got %+v", resp.Err)
	}
	if invoked.Load() {
		t.Fatal("handler must not run for invalid input")
	}
}

func TestDeadlineReturnsTimeoutAndDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	slow := capability.New("slow", func(ctx context.Context, in echoIn) (echoOut, error) {
		<-release
		return echoOut(in), nil
	})

	bus := eventbus.New()
	defer bus.Close()
	reg := capability.NewRegistry()
	if err := reg.Register(slow); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	e, err := New(reg, Config{Policy: PolicyReject}, WithEventBus(bus))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	diags := make(chan Diagnostic, 1)
	bus.Subscribe(TopicDiagnostics, func(topic string, evt any) {
		diags <- evt.(Diagnostic)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	delivered := 0
	resp := e.Submit(ctx, &Request{Capability: "slow", Payload: json.RawMessage(`{"message":"x"}`)})
	delivered++
	if resp.Err == nil || resp.Err.Kind != KindTimeout {
		t.Fatalf("expected KindTimeout, got %+v", resp.Err)
	}

	// Let the handler finish; its result must be discarded, not delivered.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for e.LateCompletions() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := e.LateCompletions(); got != 1 {
		t.Fatalf("expected 1 discarded late completion, got %d", got)
	}
	if delivered != 1 {
		t.Fatalf("expected exactly one delivered response, got %d", delivered)
	}

	select {
	case d := <-diags:
		if d.Detail != "late handler completion discarded" {
			t.Fatalf("unexpected diagnostic: %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late completion diagnostic never published")
	}
}

func TestClaimIsExactlyOnce(t *testing.T) {
	entry := &inflightEntry{cancel: func() {}}

	const racers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if entry.claim() {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", wins.Load())
	}
}

func TestRejectPolicyOverload(t *testing.T) {
	release := make(chan struct{})
	blocker := capability.New("block", func(ctx context.Context, in echoIn) (echoOut, error) {
		<-release
		return echoOut{}, nil
	})
	e := newTestEngine(t, Config{MaxConcurrent: 1, Policy: PolicyReject}, blocker)
	defer close(release)

	go e.Submit(context.Background(), &Request{Capability: "block", Payload: json.RawMessage(`{"message":"x"}`)})

	// Wait until the first request holds the pool slot.
	deadline := time.Now().Add(2 * time.Second)
	for len(e.sem) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	resp := e.Submit(context.Background(), &Request{Capability: "block", Payload: json.RawMessage(`{"message":"x"}`)})
	if resp.Err == nil || resp.Err.Kind != KindOverloaded {
		t.Fatalf("expected KindOverloaded, got %+v", resp.Err)
	}
}

func TestQueuePolicyAdmitsThenOverflows(t *testing.T) {
	release := make(chan struct{})
	blocker := capability.New("block", func(ctx context.Context, in echoIn) (echoOut, error) {
		<-release
		return echoOut{Message: "done"}, nil
	})
	e := newTestEngine(t, Config{MaxConcurrent: 1, QueueSize: 1, Policy: PolicyQueue}, blocker)

	first := make(chan *Response, 1)
	go func() {
		first <- e.Submit(context.Background(), &Request{Capability: "block", Payload: json.RawMessage(`{"message":"x"}`)})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(e.sem) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	second := make(chan *Response, 1)
	go func() {
		second <- e.Submit(context.Background(), &Request{Capability: "block", Payload: json.RawMessage(`{"message":"x"}`)})
	}()
	for len(e.queue) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Pool slot and queue slot both held: the third request overflows.
	resp := e.Submit(context.Background(), &Request{Capability: "block", Payload: json.RawMessage(`{"message":"x"}`)})
	if resp.Err == nil || resp.Err.Kind != KindOverloaded {
		t.Fatalf("expected KindOverloaded for third request, got %+v", resp.Err)
	}

	close(release)
	for _, ch := range []chan *Response{first, second} {
		select {
		case r := <-ch:
			if r.Err != nil {
				t.Fatalf("queued request failed: %+v", r.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("queued request never completed")
		}
	}
}

func TestSyncModeSerializesPerCapability(t *testing.T) {
	var running atomic.Int32
	var peak atomic.Int32
	serial := capability.New("serial", func(ctx context.Context, in echoIn) (echoOut, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return echoOut{}, nil
	}, capability.WithMode(capability.ModeSync))

	e := newTestEngine(t, Config{MaxConcurrent: 8, Policy: PolicyReject}, serial)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := e.Submit(context.Background(), &Request{Capability: "serial", Payload: json.RawMessage(`{"message":"x"}`)})
			if resp.Err != nil {
				t.Errorf("submit failed: %+v", resp.Err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Fatalf("sync capability overlapped: peak concurrency %d", peak.Load())
	}
}

func TestOutputSchemaViolationIsInternalFault(t *testing.T) {
	out := capability.Schema{
		Type:       "object",
		Properties: map[string]capability.Property{"ok": {Type: "boolean"}},
		Required:   []string{"ok"},
	}
	bad := capability.NewRaw("bad", capability.Schema{Type: "object", AdditionalProperties: true}, out,
		func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"wrong":"shape"}`), nil
		})

	bus := eventbus.New()
	defer bus.Close()
	reg := capability.NewRegistry()
	if err := reg.Register(bad); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	e, err := New(reg, Config{Policy: PolicyReject}, WithEventBus(bus))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	diags := make(chan Diagnostic, 1)
	bus.Subscribe(TopicDiagnostics, func(topic string, evt any) {
		diags <- evt.(Diagnostic)
	})

	resp := e.Submit(context.Background(), &Request{Capability: "bad", Payload: json.RawMessage(`{"message":"x"}`)})
	if resp.Err == nil || resp.Err.Kind != KindInternalFault {
		t.Fatalf("expected KindInternalFault, got %+v", resp.Err)
	}

	select {
	case d := <-diags:
		if d.Kind != KindInternalFault {
			t.Fatalf("unexpected diagnostic kind %s", d.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("output violation diagnostic never published")
	}
}

func TestHandlerPanicIsHandlerFailure(t *testing.T) {
	boom := capability.New("boom", func(ctx context.Context, in echoIn) (echoOut, error) {
		panic("handler bug")
	})
	e := newTestEngine(t, Config{Policy: PolicyReject}, boom)

	resp := e.Submit(context.Background(), &Request{Capability: "boom", Payload: json.RawMessage(`{"message":"x"}`)})
	if resp.Err == nil || resp.Err.Kind != KindHandlerFailure {
		t.Fatalf("expected KindHandlerFailure, got %+v", resp.Err)
	}
}

func TestCancelInterruptsHandler(t *testing.T) {
	started := make(chan struct{})
	waiting := capability.New("wait", func(ctx context.Context, in echoIn) (echoOut, error) {
		close(started)
		<-ctx.Done()
		return echoOut{}, ctx.Err()
	})
	e := newTestEngine(t, Config{Policy: PolicyReject}, waiting)

	req := &Request{ID: "cancel-me", Capability: "wait", Payload: json.RawMessage(`{"message":"x"}`)}
	done := make(chan *Response, 1)
	go func() { done <- e.Submit(context.Background(), req) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	if !e.Cancel("cancel-me") {
		t.Fatal("Cancel did not find the in-flight request")
	}

	select {
	case resp := <-done:
		if resp.Err == nil || resp.Err.Kind != KindTimeout {
			t.Fatalf("expected KindTimeout after cancellation, got %+v", resp.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit never returned after Cancel")
	}

	if e.Cancel("cancel-me") {
		t.Fatal("Cancel must not find a completed request")
	}
}

func TestSubmitFreezesRegistry(t *testing.T) {
	reg := capability.NewRegistry()
	if err := reg.Register(echoCap()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	e, err := New(reg, Config{Policy: PolicyReject})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	e.Submit(context.Background(), &Request{Capability: "echo", Payload: json.RawMessage(`{"message":"x"}`)})

	if !reg.Frozen() {
		t.Fatal("registry must be frozen after the first submit")
	}
	if err := reg.Register(echoCap()); err == nil {
		t.Fatal("registration after dispatch start must fail")
	}
}
