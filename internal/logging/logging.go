// Package logging carries request and pass scoped loggers through contexts.
package logging

import (
	"context"
	"log/slog"
	"slices"
)

type contextKey struct{}

// scope is a context logger and the attribute keys With attached to it.
type scope struct {
	logger *slog.Logger
	keys   []string
}

// ContextWithLogger returns a derived context that carries the provided logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, scope{logger: logger})
}

// FromContext extracts a logger previously attached to the context.
func FromContext(ctx context.Context) *slog.Logger {
	s, _ := scopeOf(ctx)
	return s.logger
}

// Carries reports whether the context logger already logs key.
func Carries(ctx context.Context, key string) bool {
	s, _ := scopeOf(ctx)
	return slices.Contains(s.keys, key)
}

// With attaches attrs to the context logger, or to fallback when the context
// carries none, and returns the derived context and logger. Keys the context
// logger already carries are not attached twice.
func With(ctx context.Context, fallback *slog.Logger, attrs ...any) (context.Context, *slog.Logger) {
	s, ok := scopeOf(ctx)
	if !ok {
		s.logger = fallback
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	attrs = Missing(ctx, attrs...)
	s.logger = s.logger.With(attrs...)
	s.keys = append(slices.Clip(s.keys), keysOf(attrs)...)
	if ctx == nil {
		return ctx, s.logger
	}
	return context.WithValue(ctx, contextKey{}, s), s.logger
}

// Missing drops the key-value pairs and slog.Attrs whose key the context
// logger already carries.
func Missing(ctx context.Context, attrs ...any) []any {
	s, _ := scopeOf(ctx)
	if len(s.keys) == 0 {
		return attrs
	}
	out := make([]any, 0, len(attrs))
	for i := 0; i < len(attrs); i++ {
		switch v := attrs[i].(type) {
		case slog.Attr:
			if !slices.Contains(s.keys, v.Key) {
				out = append(out, v)
			}
		case string:
			if i+1 >= len(attrs) {
				out = append(out, v)
				continue
			}
			if !slices.Contains(s.keys, v) {
				out = append(out, v, attrs[i+1])
			}
			i++
		default:
			out = append(out, v)
		}
	}
	return out
}

func keysOf(attrs []any) []string {
	var keys []string
	for i := 0; i < len(attrs); i++ {
		switch v := attrs[i].(type) {
		case slog.Attr:
			keys = append(keys, v.Key)
		case string:
			if i+1 < len(attrs) {
				keys = append(keys, v)
				i++
			}
		}
	}
	return keys
}

func scopeOf(ctx context.Context) (scope, bool) {
	if ctx == nil {
		return scope{}, false
	}
	s, ok := ctx.Value(contextKey{}).(scope)
	return s, ok
}
