package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// taskIDContextKey is the private context key used to store the task ID so
// that stores, brokers, and deeper layers can correlate their logs with the
// task being executed.
type taskIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present. When the context carries a task ID the
// returned logger logs it as task_id, so every layer under an executing
// task correlates without plumbing the ID through call signatures.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	lg := slog.Default()
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if stored, ok := v.(*slog.Logger); ok && stored != nil {
			lg = stored
		}
	}
	if id := TaskIDFromContext(ctx); id != "" {
		lg = lg.With(slog.String("task_id", id))
	}
	return lg
}

// ContextWithTaskID stores a non-empty task ID in the context so that
// downstream layers can correlate their logs with the executing task.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	if ctx == nil || taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDContextKey{}, taskID)
}

// TaskIDFromContext retrieves the task ID from the context, or an empty
// string when none is present.
func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(taskIDContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
