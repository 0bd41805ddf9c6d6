// Package capability models the named, schema-typed operations an agent
// exposes over the bus and the HTTP control surface. Capabilities are
// registered once at startup and immutable thereafter.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Mode declares how a capability's handler may be scheduled.
type Mode int

const (
	// ModeAsync handlers run concurrently within the dispatch budget.
	ModeAsync Mode = iota
	// ModeSync handlers are serialized: at most one invocation of this
	// capability runs at a time.
	ModeSync
)

// Handler executes one invocation against a raw JSON payload and returns
// the raw JSON result. The dispatch engine validates both sides against the
// registered schemas.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Capability is one exposed operation: a unique name, input and output
// schemas, the handler, and its execution mode.
type Capability struct {
	Name         string
	Description  string
	InputSchema  Schema
	OutputSchema Schema
	Mode         Mode
	Handler      Handler
}

// InputError marks a handler-level rejection of the request payload so the
// dispatch engine can surface it as invalid input rather than a handler
// failure.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return e.Reason }

// Option configures the typed constructors.
type Option func(*config)

type config struct {
	description     string
	mode            Mode
	allowAdditional bool
}

// WithDescription sets the description surfaced by discovery listings.
func WithDescription(d string) Option {
	return func(c *config) { c.description = d }
}

// WithMode sets the execution mode. Default is ModeAsync.
func WithMode(m Mode) Option {
	return func(c *config) { c.mode = m }
}

// WithAllowAdditionalProperties permits unknown fields in the input payload.
// When false (default), the schema sets additionalProperties=false and
// decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *config) { c.allowAdditional = allow }
}

// New builds a capability from a typed handler. Input and output schemas
// are reflected from In and Out; the wrapper strict-decodes the payload
// before invoking fn and marshals its result.
func New[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error), opts ...Option) Capability {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	handler := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(payload) > 0 {
			if cfg.allowAdditional {
				if err := json.Unmarshal(payload, &in); err != nil {
					return nil, &InputError{Reason: fmt.Sprintf("invalid payload: %v", err)}
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(payload))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&in); err != nil {
					return nil, &InputError{Reason: fmt.Sprintf("invalid payload: %v", err)}
				}
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		return b, nil
	}

	return Capability{
		Name:         name,
		Description:  cfg.description,
		InputSchema:  Reflect[In](cfg.allowAdditional),
		OutputSchema: Reflect[Out](true),
		Mode:         cfg.mode,
		Handler:      handler,
	}
}

// NewRaw builds a capability around a raw JSON handler with caller-supplied
// schemas. Unlike New, the dispatch engine's schema validation is the only
// guard on the payloads.
func NewRaw(name string, input, output Schema, h Handler, opts ...Option) Capability {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return Capability{
		Name:         name,
		Description:  cfg.description,
		InputSchema:  input,
		OutputSchema: output,
		Mode:         cfg.mode,
		Handler:      h,
	}
}
