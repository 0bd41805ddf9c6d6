// Package logctx enriches slog records with request-scoped context: the bus
// session, the stanza being processed, and the capability being invoked.
// Wrap any slog.Handler with Handler and attach data via the With* helpers.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("jid", sd.JID),
			slog.String("state", sd.State),
		))
	}

	if st, ok := ctx.Value(stanzaDataKey{}).(*StanzaData); ok {
		r.AddAttrs(slog.Group("stanza",
			slog.String("id", st.ID),
			slog.String("kind", st.Kind),
			slog.String("topic", st.Topic),
		))
	}

	if cd, ok := ctx.Value(capabilityDataKey{}).(*CapabilityData); ok {
		r.AddAttrs(slog.Group("capability",
			slog.String("name", cd.Name),
			slog.String("request_id", cd.RequestID),
			slog.String("transport", cd.Transport),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type sessionDataKey struct{}

type SessionData struct {
	JID   string
	State string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type stanzaDataKey struct{}

type StanzaData struct {
	ID    string
	Kind  string
	Topic string
}

func WithStanzaData(ctx context.Context, data *StanzaData) context.Context {
	return context.WithValue(ctx, stanzaDataKey{}, data)
}

type capabilityDataKey struct{}

type CapabilityData struct {
	Name      string
	RequestID string
	Transport string
}

func WithCapabilityData(ctx context.Context, data *CapabilityData) context.Context {
	return context.WithValue(ctx, capabilityDataKey{}, data)
}
