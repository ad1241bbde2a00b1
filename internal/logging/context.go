// Package logging carries correlation ids on contexts and stamps them on slog
// records, together with the active OpenTelemetry span when there is one.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type correlationKey struct{}

// correlation is stored by value; each With* call stores a modified copy so
// parent contexts never observe a child's ids.
type correlation struct {
	instanceID string
	nodeID     string
	taskID     string
}

func fromContext(ctx context.Context) correlation {
	c, _ := ctx.Value(correlationKey{}).(correlation)
	return c
}

func with(ctx context.Context, set func(*correlation)) context.Context {
	c := fromContext(ctx)
	set(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

func WithInstanceID(ctx context.Context, id string) context.Context {
	return with(ctx, func(c *correlation) { c.instanceID = id })
}

func WithNodeID(ctx context.Context, id string) context.Context {
	return with(ctx, func(c *correlation) { c.nodeID = id })
}

func WithTaskID(ctx context.Context, id string) context.Context {
	return with(ctx, func(c *correlation) { c.taskID = id })
}

func InstanceID(ctx context.Context) string { return fromContext(ctx).instanceID }
func NodeID(ctx context.Context) string     { return fromContext(ctx).nodeID }
func TaskID(ctx context.Context) string     { return fromContext(ctx).taskID }

// attrs lists the non-empty ids on ctx, trace and span ids last.
func attrs(ctx context.Context) []slog.Attr {
	c := fromContext(ctx)
	out := make([]slog.Attr, 0, 5)
	for _, kv := range [...][2]string{
		{"instance_id", c.instanceID},
		{"node_id", c.nodeID},
		{"task_id", c.taskID},
	} {
		if kv[1] != "" {
			out = append(out, slog.String(kv[0], kv[1]))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = append(out, slog.String("trace_id", sc.TraceID().String()), slog.String("span_id", sc.SpanID().String()))
	}
	return out
}

// LogWith binds the ids on ctx to logger, for loggers handed to code that
// logs without a context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	a := attrs(ctx)
	if len(a) == 0 {
		return logger
	}
	args := make([]any, len(a))
	for i := range a {
		args[i] = a[i]
	}
	return logger.With(args...)
}

// CorrelationHandler adds the ids of the record's context to every record
// logged through a *Context method.
type CorrelationHandler struct {
	next slog.Handler
}

func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if a := attrs(ctx); len(a) > 0 {
		r = r.Clone()
		r.AddAttrs(a...)
	}
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.next.WithAttrs(as))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.next.WithGroup(name))
}

// ParseLevel accepts debug, info, warn(ing) and error in any case; anything
// else is info.
func ParseLevel(s string) slog.Level {
	var lv slog.Level
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "warning":
		lv = slog.LevelWarn
	case "debug", "warn", "error":
		_ = lv.UnmarshalText([]byte(v))
	}
	return lv
}

// NewLeveled builds a text logger on w whose threshold follows lv, so a
// config reload can change it in place.
func NewLeveled(w io.Writer, lv *slog.LevelVar) *slog.Logger {
	return slog.New(NewCorrelationHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})))
}
