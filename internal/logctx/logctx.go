package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with instance and session attributes carried in
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(instanceDataKey{}).(*InstanceData); ok {
		r.AddAttrs(slog.Group("inst",
			slog.String("id", id.InstanceID),
			slog.String("role", id.Role),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("user_id", sd.UserID),
			slog.String("state", sd.State),
		))
	}

	if op, ok := ctx.Value(operationKey{}).(*Operation); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("name", op.Name),
			slog.String("category", op.Category),
			slog.Int("attempt", op.Attempt),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type instanceDataKey struct{}

type InstanceData struct {
	InstanceID string
	Role       string
}

func WithInstance(ctx context.Context, data *InstanceData) context.Context {
	return context.WithValue(ctx, instanceDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	UserID string
	State  string
}

func WithSession(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type operationKey struct{}

type Operation struct {
	Name     string
	Category string
	Attempt  int
}

func WithOperation(ctx context.Context, op *Operation) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}
