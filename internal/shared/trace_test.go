package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// Absent reads as the placeholder.
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}

	ctx = WithTraceID(ctx, "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Fatalf("expected abc-123, got %q", got)
	}

	// Overwrite.
	ctx = WithTraceID(ctx, "def-456")
	if got := TraceID(ctx); got != "def-456" {
		t.Fatalf("expected def-456, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct trace ids")
	}
}

func TestSessionKey_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := SessionKey(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithSessionKey(ctx, "telegram:42")
	if got := SessionKey(ctx); got != "telegram:42" {
		t.Fatalf("expected telegram:42, got %q", got)
	}
}

func TestSessionID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithSessionID(ctx, "sess-1")
	if got := SessionID(ctx); got != "sess-1" {
		t.Fatalf("expected sess-1, got %q", got)
	}
}
