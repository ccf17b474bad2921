// Package logctx enriches slog records with request, session and capability
// context carried on the context.Context flowing through a transport.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends context-derived groups to
// each record. Install it at the root logger of a transport.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("user_id", sd.UserID),
			slog.String("protocol_version", sd.ProtocolVersion),
			slog.String("state", sd.State),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if cd, ok := ctx.Value(capabilityDataKey{}).(*CapabilityData); ok {
		r.AddAttrs(slog.Group("cap",
			slog.String("kind", cd.Kind),
			slog.String("name", cd.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type rpcMsgKey struct{}

// RPCMessage identifies the JSON-RPC message being processed.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type sessionDataKey struct{}

// SessionData identifies the session a record belongs to.
type SessionData struct {
	SessionID       string
	UserID          string
	ProtocolVersion string
	State           string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type capabilityDataKey struct{}

// CapabilityData identifies the capability being dispatched (tool name,
// resource URI, prompt name).
type CapabilityData struct {
	Kind string
	Name string
}

func WithCapabilityData(ctx context.Context, data *CapabilityData) context.Context {
	return context.WithValue(ctx, capabilityDataKey{}, data)
}
