package o11y

import (
	"context"
	"log/slog"

	"github.com/go-chi/traceid"
)

// LoggerFromContext returns a logger whose JSON lines are attached to the span
// of ctx, tagged with the request trace id and the flow the span belongs to.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	span := GetSpan(ctx)
	logger := slog.New(slog.NewJSONHandler(span, nil))
	if tid := traceid.FromContext(ctx); tid != "" {
		logger = logger.With("traceid", tid)
	}
	if flowID := span.Annotation(FlowIDAnnotation); flowID != "" {
		logger = logger.With("flow", flowID)
	}
	return logger
}
