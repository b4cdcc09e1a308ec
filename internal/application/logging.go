package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/capture-scheduler/internal/logging"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

func serviceLogger(ctx context.Context, base *slog.Logger, serviceName, operation string, attrs ...any) *slog.Logger {
	logger := logging.FromContext(ctx)
	if logger == nil {
		logger = base
	}
	if logger == nil {
		logger = slog.Default()
	}

	pairs := []any{"service", serviceName}
	if operation != "" {
		pairs = append(pairs, "operation", operation)
	}
	pairs = append(pairs, logging.Missing(ctx, attrs...)...)
	return logger.With(pairs...)
}

// ErrorKind maps sentinel and typed errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var (
		extErr  *ExternalSchedulerError
		dataErr *DataIntegrityError
		confErr *ConfigurationError
	)
	switch {
	case errors.As(err, &confErr):
		return "configuration"
	case errors.As(err, &dataErr):
		return "data_integrity"
	case errors.As(err, &extErr):
		return "external_scheduler"
	case errors.Is(err, ErrPassInProgress):
		return "pass_in_progress"
	case errors.Is(err, ErrUnknownTerm):
		return "unknown_term"
	case errors.Is(err, reconcile.ErrAmbiguousMeetings):
		return "ambiguous_meetings"
	case errors.Is(err, persistence.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, persistence.ErrNotFound):
		return "not_found"
	case errors.Is(err, persistence.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}

	return "unexpected"
}
