package http

import (
	"context"
	"log/slog"

	"github.com/example/booking-core/internal/logging"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// handlerLogger tags the request logger with the handler and, for
// appointment scoped routes, the appointment id from the path.
func handlerLogger(ctx context.Context, fallback *slog.Logger, handlerName, operation string, attrs ...any) *slog.Logger {
	if id, ok := AppointmentIDFromContext(ctx); ok {
		attrs = append(attrs, "appointment_id", id)
	}
	return logging.Component(ctx, fallback, "handler", handlerName, operation, attrs...)
}
