package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func TestContextWithLoggerRoundTrip(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	if got := FromContext(ctx); got != logger {
		t.Fatalf("expected stored logger to be returned")
	}
	if got := FromContext(context.Background()); got != nil {
		t.Fatalf("expected nil logger for bare context")
	}
	if got := ContextWithLogger(ctx, nil); got != ctx {
		t.Fatalf("expected nil logger to leave context untouched")
	}
}

func TestWithPrefersContextLogger(t *testing.T) {
	t.Parallel()

	var fromCtx, fallback bytes.Buffer
	ctx := ContextWithLogger(context.Background(), slog.New(slog.NewJSONHandler(&fromCtx, nil)))

	ctx, logger := With(ctx, slog.New(slog.NewJSONHandler(&fallback, nil)), "term_id", "2026FA")
	FromContext(ctx).Info("pass started")
	logger.Info("pass finished")

	if fallback.Len() != 0 {
		t.Fatalf("expected fallback logger to stay unused, got %s", fallback.String())
	}
	lines := bytes.Split(bytes.TrimSpace(fromCtx.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected two log lines, got %d", len(lines))
	}
	for _, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("failed to decode %s: %v", line, err)
		}
		if entry["term_id"] != "2026FA" {
			t.Fatalf("expected term_id attribute, got %v", entry)
		}
	}
}

func TestWithFallsBack(t *testing.T) {
	t.Parallel()

	var fallback bytes.Buffer
	_, logger := With(context.Background(), slog.New(slog.NewJSONHandler(&fallback, nil)), "section_id", "A")
	logger.Info("hello")
	if !bytes.Contains(fallback.Bytes(), []byte(`"section_id":"A"`)) {
		t.Fatalf("expected fallback logger output, got %s", fallback.String())
	}
}

func TestWithDoesNotRepeatCarriedKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx, _ := With(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)), "term_id", "2026FA")
	ctx, logger := With(ctx, nil, "term_id", "2026FA", slog.String("section_id", "A"))
	logger.Info("section started")

	line := buf.String()
	if n := strings.Count(line, `"term_id"`); n != 1 {
		t.Fatalf("expected term_id once, got %d in %s", n, line)
	}
	if !strings.Contains(line, `"section_id":"A"`) {
		t.Fatalf("expected section_id attribute, got %s", line)
	}
	if !Carries(ctx, "term_id") || !Carries(ctx, "section_id") || Carries(ctx, "handle") {
		t.Fatal("unexpected carried keys")
	}
}

func TestMissing(t *testing.T) {
	t.Parallel()

	ctx, _ := With(context.Background(), slog.New(slog.DiscardHandler), "term_id", "2026FA")
	got := Missing(ctx, "term_id", "2026FA", "section_id", "A", slog.String("term_id", "x"), slog.Int("records", 2))
	want := []any{"section_id", "A", slog.Int("records", 2)}
	if len(got) != len(want) {
		t.Fatalf("Missing = %v, want %v", got, want)
	}
	for i := range want {
		if !reflect.DeepEqual(got[i], want[i]) {
			t.Fatalf("Missing[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if got := Missing(context.Background(), "term_id", "2026FA"); len(got) != 2 {
		t.Fatalf("expected a bare context to keep every attr, got %v", got)
	}
	plain := ContextWithLogger(context.Background(), slog.New(slog.DiscardHandler))
	if Carries(plain, "term_id") {
		t.Fatal("a logger attached directly carries no tracked keys")
	}
}
