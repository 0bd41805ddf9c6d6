// Package httpapi is the local control surface of an agent: capability
// discovery and invocation over plain JSON HTTP. It fronts the same dispatch
// engine the bus iq path uses, so both surfaces share validation, admission
// and the error taxonomy.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/optiflows/nyuki-go/capability"
	"github.com/optiflows/nyuki-go/internal/authbearer"
	"github.com/optiflows/nyuki-go/internal/dispatch"
	"github.com/optiflows/nyuki-go/internal/logctx"
)

var (
	jsonMediaType  = contenttype.NewMediaType("application/json")
	jsonMediaTypes = []contenttype.MediaType{jsonMediaType}
)

const correlationHeader = "X-Correlation-Id"

// errorBody is the structured error payload of every non-2xx response.
type errorBody struct {
	Status int    `json:"status"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Handler serves the control API. Routes:
//
//	GET  /v1/capabilities         capability discovery
//	POST /v1/capabilities/{name}  invocation
//	GET  /v1/health               liveness and bus state
type Handler struct {
	mux    *http.ServeMux
	reg    *capability.Registry
	engine *dispatch.Engine
	log    *slog.Logger
	auth   authbearer.Authenticator

	invokeTimeout time.Duration
	stateFn       func() string
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the structured logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithAuthenticator requires a valid bearer token on every route.
func WithAuthenticator(a authbearer.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithInvokeTimeout bounds a single invocation. Default 30s.
func WithInvokeTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.invokeTimeout = d
		}
	}
}

// WithStateFunc supplies the bus session state reported by the health route.
func WithStateFunc(fn func() string) Option {
	return func(h *Handler) { h.stateFn = fn }
}

// New builds the control API over a registry and engine.
func New(reg *capability.Registry, engine *dispatch.Engine, opts ...Option) (*Handler, error) {
	if reg == nil || engine == nil {
		return nil, fmt.Errorf("httpapi: registry and engine are required")
	}
	h := &Handler{
		mux:           http.NewServeMux(),
		reg:           reg,
		engine:        engine,
		log:           slog.Default(),
		invokeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /v1/capabilities", h.handleList)
	h.mux.HandleFunc("POST /v1/capabilities/{name}", h.handleInvoke)
	h.mux.HandleFunc("GET /v1/health", h.handleHealth)
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.authenticated(w, r) {
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, "not-acceptable", "accept must allow application/json")
		return
	}

	writeJSON(w, http.StatusOK, h.reg.List())
	h.log.InfoContext(ctx, "http.capabilities.list.ok",
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := r.PathValue("name")

	id := r.Header.Get(correlationHeader)
	if id == "" {
		id = uuid.NewString()
	}
	ctx := logctx.WithCapabilityData(r.Context(), &logctx.CapabilityData{
		Name:      name,
		RequestID: id,
		Transport: "http",
	})

	if !h.authenticated(w, r) {
		h.log.InfoContext(ctx, "http.invoke.auth.fail")
		return
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported-media-type", "content-type must be application/json")
		h.log.WarnContext(ctx, "http.invoke.content_type.unsupported")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, "not-acceptable", "accept must allow application/json")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "unreadable request body")
		return
	}
	var payload json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid-input", "body is not valid JSON")
			h.log.WarnContext(ctx, "http.invoke.json.decode.fail", slog.String("err", err.Error()))
			return
		}
	}

	invokeCtx, cancel := contextWithTimeout(ctx, h.invokeTimeout)
	defer cancel()
	resp := h.engine.Submit(invokeCtx, &dispatch.Request{
		ID:         id,
		Transport:  "http",
		Capability: name,
		Payload:    payload,
	})

	w.Header().Set(correlationHeader, resp.ID)
	if resp.Err != nil {
		writeError(w, statusForKind(resp.Err.Kind), string(resp.Err.Kind), resp.Err.Detail)
		h.log.InfoContext(ctx, "http.invoke.fail",
			slog.String("kind", string(resp.Err.Kind)),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if len(resp.Result) > 0 {
		w.Write(resp.Result)
	} else {
		w.Write([]byte("{}"))
	}
	h.log.InfoContext(ctx, "http.invoke.ok",
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.authenticated(w, r) {
		return
	}
	state := "unknown"
	if h.stateFn != nil {
		state = h.stateFn()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"bus":    state,
	})
}

// authenticated enforces bearer auth when an authenticator is configured.
// It writes the error response itself and returns false on rejection.
func (h *Handler) authenticated(w http.ResponseWriter, r *http.Request) bool {
	if h.auth == nil {
		return true
	}
	tok := bearerToken(r)
	if tok == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="nyuki"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	if _, err := h.auth.CheckAuthentication(r.Context(), tok); err != nil {
		if errors.Is(err, authbearer.ErrInsufficientScope) {
			writeError(w, http.StatusForbidden, "forbidden", "insufficient scope")
			return false
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="nyuki", error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
		return authz[len(prefix):]
	}
	return ""
}

func statusForKind(kind dispatch.ErrorKind) int {
	switch kind {
	case dispatch.KindNotFound:
		return http.StatusNotFound
	case dispatch.KindInvalidInput:
		return http.StatusBadRequest
	case dispatch.KindTimeout:
		return http.StatusGatewayTimeout
	case dispatch.KindOverloaded:
		return http.StatusTooManyRequests
	case dispatch.KindHandlerFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, errorBody{Status: status, Kind: kind, Detail: detail})
}
