package subagent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dyzdyz010/clawd/internal/bus"
	"github.com/dyzdyz010/clawd/internal/config"
	"github.com/dyzdyz010/clawd/internal/otel"
	"github.com/dyzdyz010/clawd/internal/persistence"
	"github.com/dyzdyz010/clawd/internal/runner"
	"github.com/dyzdyz010/clawd/internal/session"
)

type fakeRunner struct {
	mu      sync.Mutex
	failErr error
}

func (r *fakeRunner) Run(ctx context.Context, input string, opts runner.RunOpts) (runner.Result, error) {
	r.mu.Lock()
	fail := r.failErr
	r.mu.Unlock()
	if fail != nil {
		return runner.Result{}, fail
	}
	return runner.Result{Text: "done: " + input}, nil
}

func (r *fakeRunner) State(ctx context.Context) (runner.State, error) {
	return runner.State{Status: runner.StatusIdle}, nil
}

func (r *fakeRunner) Stop(ctx context.Context) error { return nil }

type fakeFactory struct {
	mu      sync.Mutex
	starts  int
	failErr error
}

func (f *fakeFactory) Start(ctx context.Context, sessionID, agentID string, cfg runner.Config) (runner.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return &fakeRunner{failErr: f.failErr}, nil
}

func (f *fakeFactory) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeAnnouncer struct {
	mu      sync.Mutex
	channel string
	target  string
	text    string
	calls   int
}

func (a *fakeAnnouncer) Announce(_ context.Context, channel, target, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channel, a.target, a.text = channel, target, text
	a.calls++
	return nil
}

func newTestEnv(t *testing.T, factory runner.Factory) (*persistence.Store, *bus.Bus, *session.Manager) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b := bus.New()
	m := session.NewManager(session.ManagerConfig{
		AgentID:      "main",
		DefaultModel: "claude-sonnet-4",
		Policy:       session.ResetPolicy{Mode: config.ResetModeManual},
		SendTimeout:  5 * time.Second,
	}, session.Deps{Store: store, Bus: b, Factory: factory})
	return store, b, m
}

func TestSpawnRecursionGuard(t *testing.T) {
	factory := &fakeFactory{}
	store, b, m := newTestEnv(t, factory)
	s := New(Config{AgentID: "main"}, m, store, b, nil, nil, nil, nil)

	parent := "agent:main" + Marker + "abc123"
	if _, err := s.Spawn(context.Background(), parent, "delegate again", Opts{}); !errors.Is(err, ErrRecursion) {
		t.Fatalf("expected ErrRecursion, got %v", err)
	}
	if factory.started() != 0 {
		t.Fatal("recursion guard must create no child")
	}
	if keys := m.List(); len(keys) != 0 {
		t.Fatalf("unexpected registrations %v", keys)
	}
}

func TestSpawnRejectsEmptyTask(t *testing.T) {
	factory := &fakeFactory{}
	store, b, m := newTestEnv(t, factory)
	s := New(Config{AgentID: "main"}, m, store, b, nil, nil, nil, nil)

	if _, err := s.Spawn(context.Background(), "telegram:42", "   ", Opts{}); err == nil {
		t.Fatal("expected error for empty task")
	}
}

func TestSpawnRunsAndAnnounces(t *testing.T) {
	factory := &fakeFactory{}
	store, b, m := newTestEnv(t, factory)
	announcer := &fakeAnnouncer{}
	s := New(Config{AgentID: "main"}, m, store, b, announcer, nil, nil, nil)
	ctx := context.Background()

	sub := b.Subscribe(bus.SessionKeyTopic("telegram:42", bus.EventSubagent))
	defer b.Unsubscribe(sub)

	childKey, err := s.Spawn(ctx, "telegram:42", "summarize repo", Opts{
		Label:  "summarize",
		Origin: &Origin{Channel: "telegram", Target: "42"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !strings.Contains(childKey, Marker) {
		t.Fatalf("child key %q lacks sub-agent marker", childKey)
	}
	if !strings.HasPrefix(childKey, "agent:main"+Marker) {
		t.Fatalf("unexpected child key shape %q", childKey)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.SubagentEvent)
		if !ok {
			t.Fatalf("unexpected payload %T", ev.Payload)
		}
		if payload.Status != "ok" || payload.ChildKey != childKey || payload.ParentKey != "telegram:42" {
			t.Fatalf("unexpected event %+v", payload)
		}
		if payload.Result != "done: summarize repo" {
			t.Fatalf("unexpected result %q", payload.Result)
		}
		if payload.Label != "summarize" {
			t.Fatalf("unexpected label %q", payload.Label)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("completion event never published")
	}
	s.Wait()

	announcer.mu.Lock()
	defer announcer.mu.Unlock()
	if announcer.calls != 1 || announcer.channel != "telegram" || announcer.target != "42" {
		t.Fatalf("announcement not delivered: %+v", announcer)
	}
	if !strings.Contains(announcer.text, "done: summarize repo") {
		t.Fatalf("announcement lacks result: %q", announcer.text)
	}

	// Default cleanup keeps the child rows around.
	if _, err := store.GetSessionByKey(ctx, childKey); err != nil {
		t.Fatalf("child session should survive without cleanup: %v", err)
	}
}

func TestSpawnCleanupDeletesChild(t *testing.T) {
	factory := &fakeFactory{}
	store, b, m := newTestEnv(t, factory)
	s := New(Config{AgentID: "main"}, m, store, b, nil, nil, nil, nil)
	ctx := context.Background()

	sub := b.Subscribe(bus.SessionKeyTopic("telegram:7", bus.EventSubagent))
	defer b.Unsubscribe(sub)

	childKey, err := s.Spawn(ctx, "telegram:7", "summarize repo", Opts{Cleanup: CleanupDelete})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-sub.Ch():
	case <-time.After(3 * time.Second):
		t.Fatal("completion event never published")
	}
	s.Wait()

	if _, err := store.GetSessionByKey(ctx, childKey); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("child session not deleted: %v", err)
	}
	if _, ok := m.Find(childKey); ok {
		t.Fatal("child worker still registered after cleanup")
	}
}

func TestSpawnFailureBecomesFailedAnnouncement(t *testing.T) {
	factory := &fakeFactory{failErr: errors.New("model unavailable")}
	store, b, m := newTestEnv(t, factory)
	announcer := &fakeAnnouncer{}
	s := New(Config{AgentID: "main"}, m, store, b, announcer, nil, nil, nil)
	ctx := context.Background()

	sub := b.Subscribe(bus.SessionKeyTopic("telegram:8", bus.EventSubagent))
	defer b.Unsubscribe(sub)

	if _, err := s.Spawn(ctx, "telegram:8", "doomed task", Opts{
		Origin: &Origin{Channel: "telegram", Target: "8"},
	}); err != nil {
		t.Fatalf("Spawn itself must succeed: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.SubagentEvent)
		if payload.Status != "error" {
			t.Fatalf("expected failed completion, got %+v", payload)
		}
		if !strings.Contains(payload.Result, "model unavailable") {
			t.Fatalf("failure reason missing from result %q", payload.Result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("failure event never published")
	}
	s.Wait()

	announcer.mu.Lock()
	defer announcer.mu.Unlock()
	if announcer.calls != 1 || !strings.Contains(announcer.text, "failed") {
		t.Fatalf("failure not announced: %+v", announcer)
	}
}

func TestSpawnTimeoutClamp(t *testing.T) {
	factory := &fakeFactory{}
	store, b, m := newTestEnv(t, factory)
	s := New(Config{AgentID: "main", DefaultTimeout: 600 * time.Second, MaxTimeout: 3600 * time.Second}, m, store, b, nil, nil, nil, nil)

	if got := s.clampTimeout(0); got != 600*time.Second {
		t.Fatalf("default timeout not applied, got %s", got)
	}
	if got := s.clampTimeout(2 * time.Hour); got != 3600*time.Second {
		t.Fatalf("cap not applied, got %s", got)
	}
	if got := s.clampTimeout(90 * time.Second); got != 90*time.Second {
		t.Fatalf("explicit timeout mangled, got %s", got)
	}
}

func TestSpawnEmitsRunSpan(t *testing.T) {
	factory := &fakeFactory{}
	store, b, m := newTestEnv(t, factory)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer tp.Shutdown(context.Background())

	s := New(Config{AgentID: "main"}, m, store, b, nil, nil, tp.Tracer("subagent-test"), nil)

	childKey, err := s.Spawn(context.Background(), "telegram:42", "summarize repo", Opts{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	s.Wait()

	spans := exporter.GetSpans()
	var run *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "subagent.run" {
			run = &spans[i]
			break
		}
	}
	if run == nil {
		t.Fatalf("subagent.run span missing, got %d spans", len(spans))
	}
	attrs := make(map[attribute.Key]string)
	for _, kv := range run.Attributes {
		attrs[kv.Key] = kv.Value.Emit()
	}
	if attrs[otel.AttrSubagentKey] != childKey {
		t.Fatalf("subagent key attr %q, want %q", attrs[otel.AttrSubagentKey], childKey)
	}
	if attrs[otel.AttrOutcome] != "ok" {
		t.Fatalf("outcome attr %q, want ok", attrs[otel.AttrOutcome])
	}
}

func TestTruncateRuneSafe(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	long := strings.Repeat("日", 50)
	got := truncate(long, 10)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("missing ellipsis in %q", got)
	}
	for _, r := range got {
		if r == '�' {
			t.Fatalf("broken rune in %q", got)
		}
	}
}
