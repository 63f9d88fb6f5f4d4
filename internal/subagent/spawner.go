// Package subagent spawns isolated child sessions for delegated tasks
// and reports their outcome asynchronously.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/dyzdyz010/clawd/internal/bus"
	"github.com/dyzdyz010/clawd/internal/config"
	"github.com/dyzdyz010/clawd/internal/otel"
	"github.com/dyzdyz010/clawd/internal/persistence"
	"github.com/dyzdyz010/clawd/internal/runner"
	"github.com/dyzdyz010/clawd/internal/session"
)

// Marker tags a session key as belonging to a sub-agent. Keys carrying
// it are refused as spawn callers, so delegation cannot recurse.
const Marker = ":subagent:"

// ErrRecursion is returned when a sub-agent session tries to spawn.
var ErrRecursion = errors.New("sub-agent sessions cannot spawn sub-agents")

// Cleanup modes after the child run completes.
const (
	CleanupKeep   = "keep"
	CleanupDelete = "delete"
)

// Origin names where the delegating conversation came from, so the
// outcome can be announced back to that surface directly.
type Origin struct {
	Channel string
	Target  string
}

// Opts adjusts one spawn.
type Opts struct {
	Label   string
	Model   string
	Timeout time.Duration // 0 uses the configured default; capped at the maximum
	Cleanup string        // CleanupKeep (default) or CleanupDelete
	Origin  *Origin
	// Runner overrides the inherited runner config for the child.
	Runner *runner.Config
}

// Announcer delivers completion text to a channel target out-of-band.
type Announcer interface {
	Announce(ctx context.Context, channel, target, text string) error
}

// Config carries the spawner's static settings.
type Config struct {
	AgentID        string
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	ResultMaxChars int
}

// Spawner creates child workers through the session manager and runs
// delegated tasks on detached goroutines.
type Spawner struct {
	cfg       Config
	manager   *session.Manager
	store     *persistence.Store
	bus       *bus.Bus
	announcer Announcer
	metrics   *otel.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New builds a spawner. Announcer, metrics and tracer are optional.
func New(cfg Config, manager *session.Manager, store *persistence.Store, b *bus.Bus, announcer Announcer, metrics *otel.Metrics, tracer trace.Tracer, logger *slog.Logger) *Spawner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 600 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 3600 * time.Second
	}
	if cfg.ResultMaxChars <= 0 {
		cfg.ResultMaxChars = 2000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Spawner{
		cfg:       cfg,
		manager:   manager,
		store:     store,
		bus:       b,
		announcer: announcer,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger,
	}
}

// Spawn creates an isolated child session and dispatches task to it on
// a detached goroutine. It returns the child's session key immediately;
// the outcome arrives later as a subagent event on the parent's topics
// and, when an origin is given, as a direct channel announcement.
func (s *Spawner) Spawn(ctx context.Context, parentKey, task string, opts Opts) (string, error) {
	if strings.Contains(parentKey, Marker) {
		return "", fmt.Errorf("spawn from %s: %w", parentKey, ErrRecursion)
	}
	if strings.TrimSpace(task) == "" {
		return "", errors.New("spawn: empty task")
	}

	childKey := fmt.Sprintf("agent:%s%s%s", s.cfg.AgentID, Marker, uuid.NewString())

	// Children never expire mid-task; their lifetime is the run itself.
	manual := session.ResetPolicy{Mode: config.ResetModeManual}
	worker, err := s.manager.StartOrGet(ctx, childKey, session.WorkerOptions{
		Channel: "subagent",
		Model:   opts.Model,
		Policy:  &manual,
		Runner:  opts.Runner,
	})
	if err != nil {
		return "", fmt.Errorf("spawn child worker: %w", err)
	}

	timeout := s.clampTimeout(opts.Timeout)

	s.logger.Info("sub-agent spawned",
		"parent_key", parentKey, "child_key", childKey, "label", opts.Label, "timeout", timeout)

	s.wg.Add(1)
	go s.runChild(context.WithoutCancel(ctx), worker, parentKey, childKey, task, timeout, opts)

	return childKey, nil
}

// runChild executes the delegated task to completion and reports the
// outcome. Failures become failed announcements, never a parent crash.
func (s *Spawner) runChild(ctx context.Context, worker *session.Worker, parentKey, childKey, task string, timeout time.Duration, opts Opts) {
	defer s.wg.Done()
	start := time.Now()

	ctx, span := otel.StartSpan(ctx, s.tracer, "subagent.run",
		append(otel.ContextAttrs(ctx), otel.AttrSubagentKey.String(childKey))...)
	defer span.End()

	reply, err := worker.Send(ctx, task, session.SendOpts{Timeout: timeout})
	duration := time.Since(start)

	status := "ok"
	result := reply
	if err != nil {
		status = "error"
		result = err.Error()
		span.RecordError(err)
	}
	span.SetAttributes(otel.AttrOutcome.String(status))
	result = truncate(result, s.cfg.ResultMaxChars)

	ev := bus.SubagentEvent{
		ChildKey:  childKey,
		ParentKey: parentKey,
		Label:     opts.Label,
		Status:    status,
		Result:    result,
		Duration:  duration,
	}
	s.bus.Publish(bus.SessionKeyTopic(parentKey, bus.EventSubagent), ev)
	if parent, ok := s.manager.Find(parentKey); ok {
		s.bus.Publish(bus.SessionTopic(parent.SessionID(), bus.EventSubagent), ev)
	}

	if opts.Origin != nil && s.announcer != nil {
		if aerr := s.announcer.Announce(ctx, opts.Origin.Channel, opts.Origin.Target, announcementText(ev)); aerr != nil {
			s.logger.Warn("sub-agent announcement failed",
				"channel", opts.Origin.Channel, "target", opts.Origin.Target, "error", aerr)
		}
	}

	if s.metrics != nil {
		s.metrics.SubagentDuration.Record(ctx, duration.Seconds())
		s.metrics.SubagentRuns.Add(ctx, 1, metric.WithAttributes(otel.AttrOutcome.String(status)))
	}
	s.logger.Info("sub-agent finished",
		"child_key", childKey, "status", status, "duration", duration)

	if opts.Cleanup == CleanupDelete {
		s.cleanup(ctx, worker, childKey)
	}
}

// cleanup stops the child worker and removes its durable rows. This is
// the one place session rows are ever deleted.
func (s *Spawner) cleanup(ctx context.Context, worker *session.Worker, childKey string) {
	sessionID := worker.SessionID()
	if err := s.manager.Stop(ctx, childKey); err != nil {
		s.logger.Warn("stop sub-agent worker", "child_key", childKey, "error", err)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		s.logger.Warn("delete sub-agent session", "child_key", childKey, "error", err)
	}
}

func (s *Spawner) clampTimeout(requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout > s.cfg.MaxTimeout {
		timeout = s.cfg.MaxTimeout
	}
	return timeout
}

// Wait blocks until every detached child run has reported. Used on
// shutdown and in tests.
func (s *Spawner) Wait() {
	s.wg.Wait()
}

func announcementText(ev bus.SubagentEvent) string {
	label := ev.Label
	if label == "" {
		label = ev.ChildKey
	}
	if ev.Status == "ok" {
		return fmt.Sprintf("Sub-agent %s finished in %s:\n%s", label, ev.Duration.Round(time.Second), ev.Result)
	}
	return fmt.Sprintf("Sub-agent %s failed after %s: %s", label, ev.Duration.Round(time.Second), ev.Result)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	// Back off a partially sliced rune.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
