package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestCorrelationIDs(t *testing.T) {
	root := context.Background()
	assert.Empty(t, InstanceID(root))

	inst := WithInstanceID(root, "inst-123")
	node := WithNodeID(inst, "review")
	task := WithTaskID(node, "task-9")

	assert.Equal(t, "inst-123", InstanceID(task))
	assert.Equal(t, "review", NodeID(task))
	assert.Equal(t, "task-9", TaskID(task))
	// parents are untouched
	assert.Empty(t, NodeID(inst))
	assert.Empty(t, TaskID(node))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithNodeID(WithInstanceID(context.Background(), "inst-abc"), "approve")
	LogWith(ctx, logger).Info("node dispatched")
	assert.Same(t, logger, LogWith(context.Background(), logger))

	out := buf.String()
	assert.Contains(t, out, "instance_id=inst-abc node_id=approve")
	assert.NotContains(t, out, "task_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With(slog.String("component", "tasks"))

	logger.InfoContext(WithTaskID(context.Background(), "task-1"), "task escalated", slog.Int("level", 1))
	out := buf.String()
	assert.Contains(t, out, "component=tasks")
	assert.Contains(t, out, "level=1 task_id=task-1")

	buf.Reset()
	logger.Info("plain")
	assert.NotContains(t, buf.String(), "task_id")
}

func TestCorrelationHandler_TraceIDs(t *testing.T) {
	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
	}))

	var buf bytes.Buffer
	slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).InfoContext(ctx, "traced")
	assert.Contains(t, buf.String(), "trace_id=4bf92f3577b34da6a3ce929d0e0e4736 span_id=00f067aa0ba902b7")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		" info ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	} {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLeveled_FollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	var lv slog.LevelVar
	lv.Set(slog.LevelWarn)
	logger := NewLeveled(&buf, &lv)

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	lv.Set(slog.LevelDebug)
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}
