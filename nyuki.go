package nyuki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optiflows/nyuki-go/capability"
	"github.com/optiflows/nyuki-go/config"
	"github.com/optiflows/nyuki-go/eventbus"
	"github.com/optiflows/nyuki-go/httpapi"
	"github.com/optiflows/nyuki-go/internal/authbearer"
	"github.com/optiflows/nyuki-go/internal/dispatch"
	"github.com/optiflows/nyuki-go/persistence"
	"github.com/optiflows/nyuki-go/session"
	"github.com/optiflows/nyuki-go/stanza"
)

// MessageHandler receives messages published on a subscribed bus topic.
type MessageHandler func(ctx context.Context, msg stanza.Message)

// Agent is one nyuki: a bus session, a capability registry with its dispatch
// engine, and the local HTTP control API, wired over a shared internal event
// bus. Construct with New, register capabilities, then Run.
type Agent struct {
	cfg    *config.Config
	log    *slog.Logger
	bus    *eventbus.Bus
	reg    *capability.Registry
	engine *dispatch.Engine
	sess   *session.Session
	store  persistence.Backend
	api    *httpapi.Handler

	dialer session.Dialer
	auth   authbearer.Authenticator

	mu       sync.Mutex
	subs     map[string][]*eventbus.Subscription
	apiAddr  string
	shutdown context.CancelFunc
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the structured logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithDialer overrides the bus dialer. Default is a TCP dialer against the
// configured bus host and port.
func WithDialer(d session.Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

// WithAuthenticator enables bearer auth on the HTTP control surface,
// overriding any auth settings in the configuration.
func WithAuthenticator(auth authbearer.Authenticator) Option {
	return func(a *Agent) { a.auth = auth }
}

// WithPersistenceBackend overrides the outbound event store built from the
// configuration.
func WithPersistenceBackend(b persistence.Backend) Option {
	return func(a *Agent) { a.store = b }
}

// New wires an agent from its configuration. The configuration must already
// be validated (config.Load does this).
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nyuki: config is required")
	}

	a := &Agent{
		cfg:  cfg,
		log:  slog.Default(),
		bus:  eventbus.New(),
		reg:  capability.NewRegistry(),
		subs: make(map[string][]*eventbus.Subscription),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.dialer == nil {
		a.dialer = &session.NetDialer{Addr: cfg.BusAddr()}
	}
	if a.store == nil {
		store, err := buildStore(cfg)
		if err != nil {
			return nil, err
		}
		a.store = store
	}

	engine, err := dispatch.New(a.reg, dispatch.Config{
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		QueueSize:     cfg.Dispatch.QueueSize,
		Policy:        dispatchPolicy(cfg.Dispatch.OverflowPolicy),
	}, dispatch.WithLogger(a.log), dispatch.WithEventBus(a.bus))
	if err != nil {
		return nil, err
	}
	a.engine = engine

	sess, err := session.New(session.Config{
		JID:               cfg.Bus.JID,
		Secret:            cfg.Bus.Password,
		Resource:          cfg.Bus.Resource,
		Dialer:            a.dialer,
		QueueSize:         cfg.Bus.QueueSize,
		OverflowPolicy:    sessionPolicy(cfg.Bus.OverflowPolicy),
		AuthRetryBudget:   cfg.Bus.AuthRetryBudget,
		BackoffBase:       time.Duration(cfg.Bus.BackoffBaseMS) * time.Millisecond,
		BackoffCap:        time.Duration(cfg.Bus.BackoffCapMS) * time.Millisecond,
		BackoffMultiplier: cfg.Bus.BackoffMultiplier,
		BackoffJitter:     cfg.Bus.BackoffJitter,
	},
		session.WithLogger(a.log),
		session.WithEventBus(a.bus),
		session.WithPersistence(a.store),
		session.WithIQHandler(a.handleIQ),
	)
	if err != nil {
		return nil, err
	}
	a.sess = sess

	if a.auth == nil && cfg.API.AuthIssuer != "" {
		a.auth, err = buildAuthenticator(cfg)
		if err != nil {
			return nil, err
		}
	}
	apiOpts := []httpapi.Option{
		httpapi.WithLogger(a.log),
		httpapi.WithStateFunc(func() string { return sess.State().String() }),
		httpapi.WithInvokeTimeout(time.Duration(cfg.Dispatch.InvokeTimeoutMS) * time.Millisecond),
	}
	if a.auth != nil {
		apiOpts = append(apiOpts, httpapi.WithAuthenticator(a.auth))
	}
	api, err := httpapi.New(a.reg, engine, apiOpts...)
	if err != nil {
		return nil, err
	}
	a.api = api

	return a, nil
}

// RegisterCapability adds a capability. Registration must happen before Run;
// the registry freezes on the first dispatched request.
func (a *Agent) RegisterCapability(c capability.Capability) error {
	return a.reg.Register(c)
}

// Subscribe registers a bus topic subscription and a handler for its
// messages. Safe before or after Run; subscriptions survive reconnects and
// are detached by Unsubscribe.
func (a *Agent) Subscribe(ctx context.Context, topic string, h MessageHandler) error {
	if h == nil {
		return fmt.Errorf("nyuki: nil handler for topic %s", topic)
	}
	sub := a.bus.Subscribe(session.TopicMessage+"."+topic, func(_ string, evt any) {
		msg, ok := evt.(stanza.Message)
		if !ok {
			return
		}
		h(context.Background(), msg)
	})
	a.mu.Lock()
	a.subs[topic] = append(a.subs[topic], sub)
	a.mu.Unlock()

	if err := a.sess.Subscribe(ctx, topic); err != nil {
		a.mu.Lock()
		held := a.subs[topic]
		if n := len(held); n > 0 && held[n-1] == sub {
			a.subs[topic] = held[:n-1]
		}
		a.mu.Unlock()
		sub.Close()
		return err
	}
	return nil
}

// Unsubscribe removes a topic subscription: every handler registered for the
// topic is detached and the bus is told to stop delivering it.
func (a *Agent) Unsubscribe(ctx context.Context, topic string) error {
	a.mu.Lock()
	held := a.subs[topic]
	delete(a.subs, topic)
	a.mu.Unlock()
	for _, sub := range held {
		sub.Close()
	}
	return a.sess.Unsubscribe(ctx, topic)
}

// Publish sends a JSON payload to a bus topic.
func (a *Agent) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("nyuki: marshal payload: %w", err)
	}
	return a.sess.Send(ctx, stanza.Message{Topic: topic, Body: string(body)})
}

// Events exposes the internal event bus for diagnostics listeners
// (session.TopicState, dispatch.TopicDiagnostics, config.TopicReload).
func (a *Agent) Events() *eventbus.Bus {
	return a.bus
}

// State reports the bus session state.
func (a *Agent) State() session.State {
	return a.sess.State()
}

// APIAddr returns the bound control API address once Run has started.
func (a *Agent) APIAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.apiAddr
}

// Run starts the bus session and the HTTP control API and blocks until ctx
// is cancelled or a fatal error occurs (authentication rejection, API
// listener failure). Graceful cancellation returns nil.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.shutdown = cancel
	a.mu.Unlock()

	ln, err := net.Listen("tcp", a.cfg.APIAddr())
	if err != nil {
		return fmt.Errorf("nyuki: api listen %s: %w", a.cfg.APIAddr(), err)
	}
	a.mu.Lock()
	a.apiAddr = ln.Addr().String()
	a.mu.Unlock()

	srv := &http.Server{Handler: a.api}
	errCh := make(chan error, 2)

	go func() {
		a.log.InfoContext(runCtx, "nyuki.api.listen", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("nyuki: api serve: %w", err)
		}
	}()
	go func() {
		errCh <- a.sess.Run(runCtx)
	}()

	var runErr error
	select {
	case <-runCtx.Done():
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	a.sess.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.WarnContext(shutdownCtx, "nyuki.api.shutdown.fail", slog.String("err", err.Error()))
	}
	a.bus.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WarnContext(shutdownCtx, "nyuki.persistence.close.fail", slog.String("err", err.Error()))
		}
	}

	if runErr != nil {
		a.log.ErrorContext(shutdownCtx, "nyuki.run.fatal", slog.String("err", runErr.Error()))
		return runErr
	}
	a.log.InfoContext(shutdownCtx, "nyuki.run.stopped")
	return nil
}

// Shutdown stops a running agent.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	cancel := a.shutdown
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// handleIQ serves inbound bus requests: type get lists capability
// descriptors, type set invokes one. Every request yields exactly one reply
// iq with the same correlation id.
func (a *Agent) handleIQ(ctx context.Context, iq stanza.IQ) {
	switch iq.Type {
	case stanza.IQGet:
		descs, err := json.Marshal(a.reg.List())
		if err != nil {
			a.replyError(ctx, iq, string(dispatch.KindInternalFault), "failed to encode capability list")
			return
		}
		a.reply(ctx, stanza.IQ{
			ID:      iq.ID,
			To:      iq.From,
			Type:    stanza.IQResult,
			Payload: string(descs),
		})
	case stanza.IQSet:
		invokeCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.Dispatch.InvokeTimeoutMS)*time.Millisecond)
		defer cancel()
		resp := a.engine.Submit(invokeCtx, &dispatch.Request{
			ID:         iq.ID,
			Transport:  "bus",
			Capability: iq.Capability,
			Payload:    json.RawMessage(iq.Payload),
		})
		if resp.Err != nil {
			a.replyError(ctx, iq, string(resp.Err.Kind), resp.Err.Detail)
			return
		}
		a.reply(ctx, stanza.IQ{
			ID:         iq.ID,
			To:         iq.From,
			Type:       stanza.IQResult,
			Capability: iq.Capability,
			Payload:    string(resp.Result),
		})
	}
}

func (a *Agent) reply(ctx context.Context, iq stanza.IQ) {
	if err := a.sess.Send(ctx, iq); err != nil {
		a.log.WarnContext(ctx, "nyuki.iq.reply.fail",
			slog.String("id", iq.ID),
			slog.String("err", err.Error()))
	}
}

func (a *Agent) replyError(ctx context.Context, req stanza.IQ, kind, detail string) {
	a.reply(ctx, stanza.IQ{
		ID:         req.ID,
		To:         req.From,
		Type:       stanza.IQError,
		Capability: req.Capability,
		Err:        &stanza.Condition{Kind: kind, Text: detail},
	})
}

func buildStore(cfg *config.Config) (persistence.Backend, error) {
	switch cfg.Persistence.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Persistence.RedisAddr})
		return persistence.NewRedis(persistence.RedisConfig{Client: client})
	default:
		return persistence.NewMemory(), nil
	}
}

func buildAuthenticator(cfg *config.Config) (authbearer.Authenticator, error) {
	bcfg := authbearer.DefaultConfig()
	bcfg.Issuer = cfg.API.AuthIssuer
	if cfg.API.AuthAudience != "" {
		bcfg.ExpectedAudiences = []string{cfg.API.AuthAudience}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cfg.API.AuthJWKS != "" {
		return authbearer.NewStatic(ctx, bcfg, cfg.API.AuthJWKS)
	}
	return authbearer.NewFromDiscovery(ctx, bcfg)
}

func dispatchPolicy(s string) dispatch.Policy {
	switch s {
	case "queue":
		return dispatch.PolicyQueue
	case "reject":
		return dispatch.PolicyReject
	default:
		return dispatch.PolicyUnset
	}
}

func sessionPolicy(s string) session.OverflowPolicy {
	if s == "reject" {
		return session.OverflowReject
	}
	return session.OverflowDropOldest
}
