// Package dispatch executes capability invocations: validation, bounded
// concurrency admission, handler execution, and exactly-once response
// delivery. Both the bus iq path and the HTTP control surface submit through
// the same engine.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/optiflows/nyuki-go/capability"
	"github.com/optiflows/nyuki-go/eventbus"
)

// ErrorKind classifies a failed invocation. The same taxonomy is surfaced on
// the bus (iq error condition) and over HTTP (error payload kind).
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not-found"
	KindInvalidInput   ErrorKind = "invalid-input"
	KindHandlerFailure ErrorKind = "handler-failure"
	KindInternalFault  ErrorKind = "internal-fault"
	KindTimeout        ErrorKind = "timeout"
	KindOverloaded     ErrorKind = "overloaded"
)

// TopicDiagnostics is the internal bus topic dispatch anomalies are
// published on.
const TopicDiagnostics = "diag.dispatch"

// Error is the failure half of a Response.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: %s: %s", e.Kind, e.Detail)
}

// Request is one capability invocation.
type Request struct {
	// ID is the correlation id. Assigned when empty.
	ID string
	// Transport names the originating surface ("bus" or "http").
	Transport string
	// Capability is the registered capability name.
	Capability string
	// Payload is the raw JSON input.
	Payload json.RawMessage
}

// Response is the single reply for a Request. Exactly one Response reaches
// the originating transport per Request, even when a deadline races the
// handler.
type Response struct {
	ID     string
	Result json.RawMessage
	Err    *Error
}

// Diagnostic is published on TopicDiagnostics when dispatch detects an
// anomaly that the caller-facing Response cannot carry in full.
type Diagnostic struct {
	RequestID  string
	Capability string
	Kind       ErrorKind
	Detail     string
}

// Policy selects what a full handler pool does with new requests. There is
// no default: the choice is part of the deployment configuration.
type Policy int

const (
	PolicyUnset Policy = iota
	// PolicyQueue admits up to QueueSize waiting requests.
	PolicyQueue
	// PolicyReject fails immediately with KindOverloaded.
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyQueue:
		return "queue"
	case PolicyReject:
		return "reject"
	default:
		return "unset"
	}
}

// Config bounds the engine.
type Config struct {
	// MaxConcurrent is the handler pool size. Default 16.
	MaxConcurrent int
	// Policy is required: queue or reject on a full pool.
	Policy Policy
	// QueueSize bounds the admission queue under PolicyQueue. Default 64.
	QueueSize int
}

// Engine validates, admits and executes requests against a frozen registry.
type Engine struct {
	reg *capability.Registry
	log *slog.Logger
	bus *eventbus.Bus

	sem   chan struct{}
	queue chan struct{}

	freezeOnce sync.Once

	inflightMu sync.Mutex
	inflight   map[string]*inflightEntry

	syncMu   sync.Mutex
	syncLock map[string]*sync.Mutex

	lateCompletions atomic.Int64
}

type inflightEntry struct {
	claimed atomic.Bool
	cancel  context.CancelFunc
}

// claim marks the entry delivered. The first caller wins; later callers get
// false and must discard their result.
func (e *inflightEntry) claim() bool {
	return e.claimed.CompareAndSwap(false, true)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithEventBus sets the internal bus diagnostics are published on.
func WithEventBus(b *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// New creates an engine over the registry. The registry is frozen on the
// first Submit.
func New(reg *capability.Registry, cfg Config, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("dispatch: registry is required")
	}
	switch cfg.Policy {
	case PolicyQueue, PolicyReject:
	default:
		return nil, fmt.Errorf("dispatch: overflow policy must be queue or reject")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	e := &Engine{
		reg:      reg,
		log:      slog.Default(),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inflight: make(map[string]*inflightEntry),
		syncLock: make(map[string]*sync.Mutex),
	}
	if cfg.Policy == PolicyQueue {
		e.queue = make(chan struct{}, cfg.QueueSize)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// LateCompletions reports how many handler results were discarded because a
// deadline response had already been delivered.
func (e *Engine) LateCompletions() int64 {
	return e.lateCompletions.Load()
}

// Cancel cooperatively cancels an in-flight request by correlation id. The
// handler observes its context being cancelled; the response still flows
// through the normal claim path.
func (e *Engine) Cancel(id string) bool {
	e.inflightMu.Lock()
	entry, ok := e.inflight[id]
	e.inflightMu.Unlock()
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

// Submit runs one request to completion and returns its single Response.
// The caller's ctx bounds the wait: when it expires first, Submit returns a
// KindTimeout response and the handler result, arriving later, is discarded.
func (e *Engine) Submit(ctx context.Context, req *Request) *Response {
	e.freezeOnce.Do(e.reg.Freeze)

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := time.Now()
	log := e.log.With(
		slog.String("request_id", req.ID),
		slog.String("capability", req.Capability),
		slog.String("transport", req.Transport))

	cap, err := e.reg.Lookup(req.Capability)
	if err != nil {
		log.InfoContext(ctx, "dispatch.submit.not_found",
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return e.fail(req, KindNotFound, fmt.Sprintf("unknown capability %q", req.Capability))
	}

	if err := cap.InputSchema.Validate(req.Payload); err != nil {
		log.InfoContext(ctx, "dispatch.submit.invalid",
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return e.fail(req, KindInvalidInput, err.Error())
	}

	if resp := e.admit(ctx, req); resp != nil {
		log.InfoContext(ctx, "dispatch.submit.rejected",
			slog.String("kind", string(resp.Err.Kind)),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return resp
	}

	handlerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &inflightEntry{cancel: cancel}
	e.inflightMu.Lock()
	e.inflight[req.ID] = entry
	e.inflightMu.Unlock()

	done := make(chan *Response, 1)
	go e.execute(handlerCtx, cap, req, entry, done)

	select {
	case resp := <-done:
		e.release(req.ID)
		cancel()
		if resp.Err != nil {
			log.InfoContext(ctx, "dispatch.submit.fail",
				slog.String("kind", string(resp.Err.Kind)),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		} else {
			log.InfoContext(ctx, "dispatch.submit.ok",
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		}
		return resp
	case <-ctx.Done():
		if entry.claim() {
			// The handler keeps running; its late result is discarded.
			e.release(req.ID)
			log.InfoContext(ctx, "dispatch.submit.timeout",
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return e.fail(req, KindTimeout, "deadline exceeded before the handler completed")
		}
		// The handler won the race; its response is already buffered.
		resp := <-done
		e.release(req.ID)
		cancel()
		return resp
	}
}

// admit applies the concurrency bound. It returns a non-nil overload or
// timeout response when the request cannot enter the pool, and nil once a
// pool slot is held.
func (e *Engine) admit(ctx context.Context, req *Request) *Response {
	select {
	case e.sem <- struct{}{}:
		return nil
	default:
	}

	if e.queue == nil {
		return e.fail(req, KindOverloaded, "handler pool full")
	}

	select {
	case e.queue <- struct{}{}:
	default:
		return e.fail(req, KindOverloaded, "handler pool and admission queue full")
	}
	defer func() { <-e.queue }()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return e.fail(req, KindTimeout, "deadline exceeded while queued for admission")
	}
}

// execute runs the handler and pushes the single claimed response. A losing
// race against the deadline is counted and reported as a diagnostic.
func (e *Engine) execute(ctx context.Context, cap *capability.Capability, req *Request, entry *inflightEntry, done chan<- *Response) {
	defer func() { <-e.sem }()

	if cap.Mode == capability.ModeSync {
		lock := e.capabilityLock(cap.Name)
		lock.Lock()
		defer lock.Unlock()
	}

	resp := e.invoke(ctx, cap, req)

	if !entry.claim() {
		entry.cancel()
		e.lateCompletions.Add(1)
		e.diagnose(Diagnostic{
			RequestID:  req.ID,
			Capability: req.Capability,
			Kind:       KindTimeout,
			Detail:     "late handler completion discarded",
		})
		return
	}
	done <- resp
}

func (e *Engine) invoke(ctx context.Context, cap *capability.Capability, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			e.diagnose(Diagnostic{
				RequestID:  req.ID,
				Capability: req.Capability,
				Kind:       KindHandlerFailure,
				Detail:     fmt.Sprintf("handler panic: %v", r),
			})
			resp = e.fail(req, KindHandlerFailure, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	result, err := cap.Handler(ctx, req.Payload)
	if err != nil {
		var inputErr *capability.InputError
		if errors.As(err, &inputErr) {
			return e.fail(req, KindInvalidInput, inputErr.Reason)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return e.fail(req, KindTimeout, err.Error())
		}
		return e.fail(req, KindHandlerFailure, err.Error())
	}

	if err := e.validateOutput(cap.OutputSchema, result); err != nil {
		e.diagnose(Diagnostic{
			RequestID:  req.ID,
			Capability: req.Capability,
			Kind:       KindInternalFault,
			Detail:     fmt.Sprintf("output schema violation: %v", err),
		})
		return e.fail(req, KindInternalFault, "handler produced a result violating its output schema")
	}
	return &Response{ID: req.ID, Result: result}
}

// validateOutput checks the result against the declared output schema. A
// vacuous schema (no properties, no required fields) constrains nothing and
// is skipped so handlers may return non-object JSON.
func (e *Engine) validateOutput(schema capability.Schema, result json.RawMessage) error {
	if len(schema.Properties) == 0 && len(schema.Required) == 0 {
		return nil
	}
	return schema.Validate(result)
}

func (e *Engine) capabilityLock(name string) *sync.Mutex {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	lock, ok := e.syncLock[name]
	if !ok {
		lock = &sync.Mutex{}
		e.syncLock[name] = lock
	}
	return lock
}

func (e *Engine) release(id string) {
	e.inflightMu.Lock()
	delete(e.inflight, id)
	e.inflightMu.Unlock()
}

func (e *Engine) fail(req *Request, kind ErrorKind, detail string) *Response {
	return &Response{ID: req.ID, Err: &Error{Kind: kind, Detail: detail}}
}

func (e *Engine) diagnose(d Diagnostic) {
	if e.bus != nil {
		e.bus.Publish(TopicDiagnostics, d)
	}
}
