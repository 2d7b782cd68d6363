package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestContextWithLoggerRoundTrip(t *testing.T) {
	lg := slog.Default().With(slog.String("test", "1"))
	ctx := ContextWithLogger(context.Background(), lg)
	if got := LoggerFromContext(ctx); got != lg {
		t.Error("logger not returned from context")
	}
}

func TestLoggerFromContextDefaults(t *testing.T) {
	if LoggerFromContext(context.Background()) == nil {
		t.Error("expected default logger for empty context")
	}
	if LoggerFromContext(nil) == nil { //nolint:staticcheck // nil context tolerated on purpose
		t.Error("expected default logger for nil context")
	}
}

func TestContextWithLoggerNilSafe(t *testing.T) {
	ctx := context.Background()
	if got := ContextWithLogger(ctx, nil); got != ctx {
		t.Error("nil logger should not modify context")
	}
}

func TestLoggerFromContextCarriesTaskID(t *testing.T) {
	var buf bytes.Buffer
	lg := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := ContextWithLogger(context.Background(), lg)
	ctx = ContextWithTaskID(ctx, "t-123")

	LoggerFromContext(ctx).Info("working")
	if !strings.Contains(buf.String(), "task_id=t-123") {
		t.Errorf("log line missing task_id: %q", buf.String())
	}

	buf.Reset()
	LoggerFromContext(ContextWithLogger(context.Background(), lg)).Info("idle")
	if strings.Contains(buf.String(), "task_id") {
		t.Errorf("unexpected task_id without one in context: %q", buf.String())
	}
}

func TestTaskIDRoundTrip(t *testing.T) {
	ctx := ContextWithTaskID(context.Background(), "t-123")
	if got := TaskIDFromContext(ctx); got != "t-123" {
		t.Errorf("TaskIDFromContext = %q", got)
	}
	if got := TaskIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty task id, got %q", got)
	}
	ctx2 := ContextWithTaskID(context.Background(), "")
	if got := TaskIDFromContext(ctx2); got != "" {
		t.Errorf("empty task id should not be stored, got %q", got)
	}
}
