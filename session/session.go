// Package session owns the bus connection: the lifecycle state machine, the
// transport read loop, the bounded outbound queue with ack-based retention,
// reconnection with jittered exponential backoff, and subscription replay.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/optiflows/nyuki-go/eventbus"
	"github.com/optiflows/nyuki-go/persistence"
	"github.com/optiflows/nyuki-go/stanza"
)

var (
	// ErrAuthRejected is returned by Run when the bus rejects the
	// credentials past the configured retry budget. It is fatal: the
	// session does not reconnect.
	ErrAuthRejected = errors.New("session: authentication rejected")

	// ErrClosed is returned by Send after shutdown has begun.
	ErrClosed = errors.New("session: closed")
)

// Internal bus topics the session publishes on.
const (
	TopicState    = "session.state"
	TopicMessage  = "bus.message"
	TopicPresence = "bus.presence"
	TopicIQReply  = "bus.iq.reply"
)

// IQHandler receives inbound iq request stanzas (type get or set). The
// handler is responsible for producing exactly one result or error iq with
// the same correlation id via Send.
type IQHandler func(ctx context.Context, iq stanza.IQ)

// Config holds the session parameters. JID, Secret and Dialer are required.
type Config struct {
	JID      string
	Secret   string
	Resource string
	Dialer   Dialer

	// QueueSize bounds the outbound unacknowledged queue. Default 1000.
	QueueSize int
	// OverflowPolicy selects drop-oldest or reject on a full queue.
	OverflowPolicy OverflowPolicy

	// AuthRetryBudget is how many rejected handshakes are tolerated before
	// Run gives up with ErrAuthRejected. Default 0: first rejection is
	// fatal.
	AuthRetryBudget int

	// Reconnect backoff curve. Delay starts at BackoffBase, multiplies by
	// BackoffMultiplier per consecutive failure up to BackoffCap, with
	// BackoffJitter fraction of randomization, and resets once the session
	// reaches Ready. Defaults: 1s, 2.0, 30s, 0.2.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
	BackoffJitter     float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.QueueSize <= 0 {
		out.QueueSize = 1000
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = time.Second
	}
	if out.BackoffMultiplier < 1 {
		out.BackoffMultiplier = 2
	}
	if out.BackoffCap <= 0 {
		out.BackoffCap = 30 * time.Second
	}
	if out.BackoffJitter <= 0 || out.BackoffJitter > 1 {
		out.BackoffJitter = 0.2
	}
	return out
}

// Session is a single logical bus connection. It survives transport drops:
// Run redials with backoff, replays subscriptions, and retransmits
// unacknowledged stanzas in their original order.
type Session struct {
	cfg   Config
	log   *slog.Logger
	bus   *eventbus.Bus
	store persistence.Backend

	iqHandler IQHandler

	mu        sync.Mutex
	state     State
	transport Transport
	queue     *outboundQueue
	subs      []string
	boundJID  string

	wmu sync.Mutex // serializes transport writes

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger. Default slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithEventBus sets the internal bus state changes and inbound stanzas are
// published on.
func WithEventBus(b *eventbus.Bus) Option {
	return func(s *Session) { s.bus = b }
}

// WithPersistence sets the backend the outbound queue is mirrored to.
// Pending records are replayed into the queue when Run starts.
func WithPersistence(b persistence.Backend) Option {
	return func(s *Session) { s.store = b }
}

// WithIQHandler sets the handler for inbound iq requests.
func WithIQHandler(h IQHandler) Option {
	return func(s *Session) { s.iqHandler = h }
}

// New creates a session. It does not connect; call Run.
func New(cfg Config, opts ...Option) (*Session, error) {
	if cfg.JID == "" {
		return nil, fmt.Errorf("session: jid is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:        cfg,
		log:        slog.Default(),
		state:      StateDisconnected,
		queue:      &outboundQueue{size: cfg.QueueSize, policy: cfg.OverflowPolicy},
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// JID returns the bound address once the session has reached Ready at least
// once, or the configured JID before that.
func (s *Session) JID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boundJID != "" {
		return s.boundJID
	}
	return s.cfg.JID
}

// Run connects and serves until ctx is cancelled or Shutdown is called.
// Transport drops are absorbed by reconnection; it returns an error only
// when authentication is rejected past the retry budget.
func (s *Session) Run(ctx context.Context) error {
	if err := s.replayPersisted(ctx); err != nil {
		s.log.WarnContext(ctx, "session.persistence.replay.fail", slog.String("err", err.Error()))
	}

	backoff := s.cfg.BackoffBase
	authFailures := 0

	for {
		if s.done(ctx) {
			s.setState(ctx, StateClosing)
			s.setState(ctx, StateDisconnected)
			return nil
		}

		s.setState(ctx, StateConnecting)
		t, err := s.cfg.Dialer.Dial(ctx)
		if err != nil {
			if s.done(ctx) {
				continue
			}
			s.setState(ctx, StateDisconnected)
			s.log.WarnContext(ctx, "session.connect.fail",
				slog.String("err", err.Error()),
				slog.Duration("backoff", backoff))
			if !s.wait(ctx, s.jittered(backoff)) {
				continue
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		// Unblock transport reads on shutdown.
		connDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-s.shutdownCh:
			case <-connDone:
			}
			t.Close()
		}()

		err = s.handshake(ctx, t)
		if err != nil {
			close(connDone)
			if errors.Is(err, ErrAuthRejected) {
				authFailures++
				s.log.ErrorContext(ctx, "session.auth.rejected",
					slog.Int("failures", authFailures),
					slog.Int("budget", s.cfg.AuthRetryBudget))
				if authFailures > s.cfg.AuthRetryBudget {
					s.setState(ctx, StateClosing)
					s.setState(ctx, StateDisconnected)
					return err
				}
			} else if !s.done(ctx) {
				s.log.WarnContext(ctx, "session.handshake.fail",
					slog.String("err", err.Error()),
					slog.Duration("backoff", backoff))
			}
			s.setState(ctx, StateDisconnected)
			if s.wait(ctx, s.jittered(backoff)) {
				backoff = s.nextBackoff(backoff)
			}
			continue
		}

		s.becomeReady(ctx, t)
		backoff = s.cfg.BackoffBase
		authFailures = 0

		err = s.serve(ctx, t)
		close(connDone)
		s.detach()

		if s.done(ctx) {
			continue
		}
		s.setState(ctx, StateDisconnected)
		s.log.WarnContext(ctx, "session.connection.drop",
			slog.String("err", err.Error()),
			slog.Duration("backoff", backoff))
		if s.wait(ctx, s.jittered(backoff)) {
			backoff = s.nextBackoff(backoff)
		}
	}
}

// Shutdown stops the session. Queued unacknowledged stanzas stay in the
// persistence backend for replay on the next start.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()
		close(s.shutdownCh)
	})
}

// Send queues an application stanza (message or iq) for delivery. A missing
// id is assigned. The stanza is retained and retransmitted across reconnects
// until the bus acknowledges it by id.
func (s *Session) Send(ctx context.Context, ev stanza.Event) error {
	var id, topic string
	switch v := ev.(type) {
	case stanza.Message:
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		id, topic, ev = v.ID, v.Topic, v
	case *stanza.Message:
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		id, topic = v.ID, v.Topic
	case stanza.IQ:
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		id, ev = v.ID, v
	case *stanza.IQ:
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		id = v.ID
	default:
		return fmt.Errorf("session: %T is not an application stanza", ev)
	}

	frame, err := stanza.Encode(ev)
	if err != nil {
		return err
	}
	entry := &queueEntry{id: id, topic: topic, frame: frame}

	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return ErrClosed
	}
	dropped, err := s.queue.push(entry)
	ready := s.state == StateReady
	t := s.transport
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if dropped != nil {
		s.log.WarnContext(ctx, "session.queue.drop",
			slog.String("id", dropped.id),
			slog.Int("size", s.cfg.QueueSize))
		s.persistMark(ctx, dropped.id, persistence.StatusFailed)
	}
	s.persistStore(ctx, persistence.Record{
		ID:       id,
		Topic:    topic,
		Frame:    frame,
		Status:   persistence.StatusPending,
		StoredAt: time.Now(),
	})

	if ready && t != nil {
		s.wmu.Lock()
		werr := t.WriteFrame(frame)
		s.wmu.Unlock()
		if werr != nil {
			// The read loop sees the same failure; reconnect retransmits.
			s.log.WarnContext(ctx, "session.write.fail",
				slog.String("id", id),
				slog.String("err", werr.Error()))
			return nil
		}
		s.persistMark(ctx, id, persistence.StatusSent)
	}
	return nil
}

// Subscribe registers interest in a topic. The subscription survives
// reconnects: it is replayed with a presence subscribe on every re-entry to
// Ready. Inbound messages for the topic are published on the internal bus
// as "bus.message.<topic>".
func (s *Session) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return fmt.Errorf("session: empty topic")
	}

	s.mu.Lock()
	for _, existing := range s.subs {
		if existing == topic {
			s.mu.Unlock()
			return nil
		}
	}
	s.subs = append(s.subs, topic)
	ready := s.state == StateReady
	t := s.transport
	s.mu.Unlock()

	if ready && t != nil {
		s.writePresence(ctx, t, topic, stanza.PresenceSubscribe)
	}
	return nil
}

// Unsubscribe removes a topic subscription.
func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	s.mu.Lock()
	found := false
	for i, existing := range s.subs {
		if existing == topic {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			found = true
			break
		}
	}
	ready := s.state == StateReady
	t := s.transport
	s.mu.Unlock()

	if !found {
		return nil
	}
	if ready && t != nil {
		s.writePresence(ctx, t, topic, stanza.PresenceUnsubscribe)
	}
	return nil
}

// handshake runs auth and bind on a fresh transport.
func (s *Session) handshake(ctx context.Context, t Transport) error {
	s.setState(ctx, StateAuthenticating)

	auth := stanza.Auth{Mechanism: "plain", JID: s.cfg.JID, Secret: s.cfg.Secret}
	if err := s.writeEvent(t, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	reply, err := s.readEvent(t)
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	switch v := reply.(type) {
	case *stanza.AuthSuccess:
	case *stanza.AuthFailure:
		return fmt.Errorf("%w: %s", ErrAuthRejected, v.Text)
	default:
		return fmt.Errorf("unexpected %T during auth", reply)
	}

	if err := s.writeEvent(t, stanza.Bind{Resource: s.cfg.Resource}); err != nil {
		return fmt.Errorf("send bind: %w", err)
	}
	reply, err = s.readEvent(t)
	if err != nil {
		return fmt.Errorf("read bind reply: %w", err)
	}
	bound, ok := reply.(*stanza.Bound)
	if !ok {
		return fmt.Errorf("unexpected %T during bind", reply)
	}
	s.mu.Lock()
	s.boundJID = bound.JID
	s.mu.Unlock()
	s.setState(ctx, StateBound)

	if err := s.writeEvent(t, stanza.Presence{Type: stanza.PresenceAvailable}); err != nil {
		return fmt.Errorf("send presence: %w", err)
	}
	return nil
}

// serve reads frames until the transport fails. Malformed frames are
// dropped and logged; they never terminate the connection.
func (s *Session) serve(ctx context.Context, t Transport) error {
	for {
		frame, err := t.ReadFrame()
		if err != nil {
			return err
		}
		ev, err := stanza.Decode(frame)
		if err != nil {
			s.log.WarnContext(ctx, "session.decode.drop",
				slog.String("err", err.Error()),
				slog.String("frame", string(frame)))
			continue
		}
		s.dispatch(ctx, ev)
	}
}

func (s *Session) dispatch(ctx context.Context, ev stanza.Event) {
	switch v := ev.(type) {
	case *stanza.Ack:
		s.handleAck(ctx, v.ID)
	case *stanza.Message:
		s.publish(TopicMessage, *v)
		if v.Topic != "" {
			s.publish(TopicMessage+"."+v.Topic, *v)
		}
	case *stanza.IQ:
		switch v.Type {
		case stanza.IQGet, stanza.IQSet:
			if s.iqHandler == nil {
				s.log.WarnContext(ctx, "session.iq.unhandled", slog.String("id", v.ID))
				return
			}
			go s.iqHandler(ctx, *v)
		default:
			s.publish(TopicIQReply, *v)
		}
	case *stanza.Presence:
		s.publish(TopicPresence, *v)
	default:
		s.log.WarnContext(ctx, "session.stanza.unexpected",
			slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (s *Session) handleAck(ctx context.Context, id string) {
	s.mu.Lock()
	held := s.queue.ack(id)
	s.mu.Unlock()
	if !held {
		// Duplicate ack or ack for an already-released stanza.
		s.log.DebugContext(ctx, "session.ack.unknown", slog.String("id", id))
		return
	}
	s.persistMark(ctx, id, persistence.StatusAcked)
}

// becomeReady attaches the transport and enters Ready with the write lock
// held across the subscription replay and the backlog flush. The Ready
// transition and the queue snapshot happen in one step: a Send that pushed
// before the snapshot is retransmitted by the flush and never writes
// directly, while a Send that observes Ready blocks on the write lock until
// the flush completes. Submission order holds and nothing transmits twice.
func (s *Session) becomeReady(ctx context.Context, t Transport) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	prev := s.state
	if prev == StateClosing {
		s.mu.Unlock()
		return
	}
	s.transport = t
	s.state = StateReady
	topics := make([]string, len(s.subs))
	copy(topics, s.subs)
	entries := s.queue.snapshot()
	s.mu.Unlock()

	s.log.InfoContext(ctx, "session.connect.ok",
		slog.String("jid", s.JID()),
		slog.Int("queued", len(entries)))
	s.publish(TopicState, StateChange{From: prev, To: StateReady})

	for _, topic := range topics {
		frame, err := stanza.Encode(stanza.Presence{To: topic, Type: stanza.PresenceSubscribe})
		if err == nil {
			err = t.WriteFrame(frame)
		}
		if err != nil {
			s.log.WarnContext(ctx, "session.subscribe.fail",
				slog.String("topic", topic),
				slog.String("err", err.Error()))
			return
		}
	}
	for _, e := range entries {
		if err := t.WriteFrame(e.frame); err != nil {
			s.log.WarnContext(ctx, "session.flush.fail",
				slog.String("id", e.id),
				slog.String("err", err.Error()))
			return
		}
		s.persistMark(ctx, e.id, persistence.StatusSent)
	}
	if len(entries) > 0 {
		s.log.InfoContext(ctx, "session.flush.ok", slog.Int("count", len(entries)))
	}
}

// replayPersisted loads pending records from the backend into the queue.
func (s *Session) replayPersisted(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	recs, err := s.store.Pending(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if _, err := s.queue.push(&queueEntry{id: rec.ID, topic: rec.Topic, frame: rec.Frame}); err != nil {
			return err
		}
	}
	if len(recs) > 0 {
		s.log.InfoContext(ctx, "session.persistence.replay.ok", slog.Int("count", len(recs)))
	}
	return nil
}

func (s *Session) writePresence(ctx context.Context, t Transport, topic, kind string) {
	err := s.writeEvent(t, stanza.Presence{To: topic, Type: kind})
	if err != nil {
		s.log.WarnContext(ctx, "session.subscribe.fail",
			slog.String("topic", topic),
			slog.String("err", err.Error()))
	}
}

func (s *Session) writeEvent(t Transport, ev stanza.Event) error {
	frame, err := stanza.Encode(ev)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return t.WriteFrame(frame)
}

func (s *Session) readEvent(t Transport) (stanza.Event, error) {
	frame, err := t.ReadFrame()
	if err != nil {
		return nil, err
	}
	ev, err := stanza.Decode(frame)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Session) detach() {
	s.mu.Lock()
	s.transport = nil
	s.mu.Unlock()
}

func (s *Session) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

func (s *Session) setState(ctx context.Context, next State) {
	s.mu.Lock()
	if s.state == StateClosing && next != StateDisconnected {
		// Shutdown wins over in-flight transitions.
		s.mu.Unlock()
		return
	}
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.log.DebugContext(ctx, "session.state",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
	s.publish(TopicState, StateChange{From: prev, To: next})
}

func (s *Session) publish(topic string, event any) {
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
}

func (s *Session) persistStore(ctx context.Context, rec persistence.Record) {
	if s.store == nil {
		return
	}
	if err := s.store.Store(ctx, rec); err != nil {
		s.log.WarnContext(ctx, "session.persistence.store.fail",
			slog.String("id", rec.ID),
			slog.String("err", err.Error()))
	}
}

func (s *Session) persistMark(ctx context.Context, id string, st persistence.Status) {
	if s.store == nil {
		return
	}
	if err := s.store.MarkStatus(ctx, id, st); err != nil {
		s.log.WarnContext(ctx, "session.persistence.mark.fail",
			slog.String("id", id),
			slog.String("err", err.Error()))
	}
}

func (s *Session) done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// wait sleeps for d, returning false if the session shut down first.
func (s *Session) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.shutdownCh:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Session) jittered(d time.Duration) time.Duration {
	j := s.cfg.BackoffJitter
	if j == 0 {
		return d
	}
	f := 1 - j + 2*j*rand.Float64()
	return time.Duration(float64(d) * f)
}

func (s *Session) nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * s.cfg.BackoffMultiplier)
	if next > s.cfg.BackoffCap {
		next = s.cfg.BackoffCap
	}
	return next
}
