package proc

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/dyzdyz010/clawd/internal/compaction"
	clawrunner "github.com/dyzdyz010/clawd/internal/runner"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based test doubles need /bin/sh")
	}
}

func startShellRunner(t *testing.T, script string) clawrunner.Runner {
	t.Helper()
	f, err := NewFactory(Config{Command: []string{"/bin/sh", "-c", script}})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	run, err := f.Start(context.Background(), "sess-1", "main", clawrunner.Config{Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = run.Stop(context.Background()) })
	return run
}

func TestFactoryRequiresCommand(t *testing.T) {
	if _, err := NewFactory(Config{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestRunRoundTrip(t *testing.T) {
	requireShell(t)
	run := startShellRunner(t, `while read line; do printf '{"text":"pong","tokens_out":3}\n'; done`)

	res, err := run.Run(context.Background(), "ping", clawrunner.RunOpts{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "pong" || res.TokensOut != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	// The line protocol survives consecutive turns.
	if _, err := run.Run(context.Background(), "ping again", clawrunner.RunOpts{}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}

func TestRunReportsEngineError(t *testing.T) {
	requireShell(t)
	run := startShellRunner(t, `while read line; do printf '{"error":"model overloaded"}\n'; done`)

	_, err := run.Run(context.Background(), "ping", clawrunner.RunOpts{})
	if err == nil || err.Error() != "model overloaded" {
		t.Fatalf("expected engine error, got %v", err)
	}
	// An engine-level error is not a crash.
	if errors.Is(err, clawrunner.ErrCrashed) {
		t.Fatal("engine error misclassified as crash")
	}
}

func TestRunDetectsExit(t *testing.T) {
	requireShell(t)
	run := startShellRunner(t, `read line; exit 1`)

	_, err := run.Run(context.Background(), "ping", clawrunner.RunOpts{})
	if !errors.Is(err, clawrunner.ErrCrashed) {
		t.Fatalf("expected ErrCrashed, got %v", err)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	requireShell(t)
	run := startShellRunner(t, `while read line; do sleep 60; done`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := run.Run(ctx, "ping", clawrunner.RunOpts{})
	if !errors.Is(err, clawrunner.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The killed process reads as crashed on the next turn.
	_, err = run.Run(context.Background(), "ping", clawrunner.RunOpts{})
	if !errors.Is(err, clawrunner.ErrCrashed) {
		t.Fatalf("expected ErrCrashed after kill, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	requireShell(t)
	run := startShellRunner(t, `while read line; do printf '{"text":"ok"}\n'; done`)

	if err := run.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := run.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	st, err := run.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Status != clawrunner.StatusStopped {
		t.Fatalf("expected stopped, got %s", st.Status)
	}
}

func TestCompleterRoundTrip(t *testing.T) {
	requireShell(t)
	c, err := NewCompleter([]string{"/bin/sh", "-c", `cat >/dev/null; printf '{"text":"a tidy summary"}\n'`}, nil)
	if err != nil {
		t.Fatalf("NewCompleter: %v", err)
	}
	text, err := c.Complete(context.Background(), "claude-haiku-3", []compaction.ChatMessage{
		{Role: "user", Content: "transcript here"},
	}, compaction.CompleteOpts{System: "summarize", MaxTokens: 256})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "a tidy summary" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestCompleterPropagatesError(t *testing.T) {
	requireShell(t)
	c, err := NewCompleter([]string{"/bin/sh", "-c", `cat >/dev/null; printf '{"error":"quota exceeded"}\n'`}, nil)
	if err != nil {
		t.Fatalf("NewCompleter: %v", err)
	}
	if _, err := c.Complete(context.Background(), "m", nil, compaction.CompleteOpts{}); err == nil {
		t.Fatal("expected delegate error")
	}
}
