// Package session implements the per-conversation actor model: a
// Manager keyed by session key hands out Workers, each Worker owns
// exactly one durable session and one turn runner, and all message
// handling for a session is serialized through its Worker.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/dyzdyz010/clawd/internal/bus"
	"github.com/dyzdyz010/clawd/internal/compaction"
	"github.com/dyzdyz010/clawd/internal/otel"
	"github.com/dyzdyz010/clawd/internal/persistence"
	"github.com/dyzdyz010/clawd/internal/runner"
	"github.com/dyzdyz010/clawd/internal/shared"
	"github.com/dyzdyz010/clawd/internal/tokenutil"
)

// ErrWorkerStopped is returned for calls on a worker after Stop.
var ErrWorkerStopped = errors.New("session worker stopped")

// ResetAck is the canned reply for a bare reset trigger.
const ResetAck = "Started a fresh session."

// Config carries the effective per-worker settings.
type Config struct {
	AgentID          string
	Channel          string
	Model            string
	Policy           ResetPolicy
	SendTimeout      time.Duration
	SendTimeoutFloor time.Duration
	Runner           runner.Config
}

// SendOpts adjusts a single send.
type SendOpts struct {
	// Timeout bounds the turn. Zero uses the configured default; values
	// below the configured floor are raised to it.
	Timeout time.Duration
	Model   string
}

// Snapshot is a read-only view of a worker, served without waiting for
// any in-flight turn.
type Snapshot struct {
	Key          string
	SessionID    string
	AgentRunning bool
	Streaming    string
	RunnerStatus string
}

// Worker is the actor owning one session. Message handling (Send and
// the detached part of SendAsync) is serialized by sendMu; the runtime
// state behind mu stays readable while a turn is in flight.
type Worker struct {
	key       string
	sessionID string
	cfg       Config

	store     *persistence.Store
	bus       *bus.Bus
	factory   runner.Factory
	compactor *compaction.Engine
	metrics   *otel.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	sendMu sync.Mutex

	mu           sync.RWMutex
	run          runner.Runner
	agentRunning bool
	stream       strings.Builder
	cancelRun    context.CancelFunc
	closed       bool

	sub     *bus.Subscription
	loopWG  sync.WaitGroup
	asyncWG sync.WaitGroup
}

// Deps are the collaborators a worker is built from. Compactor,
// Metrics and Tracer are optional.
type Deps struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Factory   runner.Factory
	Compactor *compaction.Engine
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

func newWorker(key string, cfg Config, deps Deps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Worker{
		key:       key,
		cfg:       cfg,
		store:     deps.Store,
		bus:       deps.Bus,
		factory:   deps.Factory,
		compactor: deps.Compactor,
		metrics:   deps.Metrics,
		tracer:    tracer,
		logger:    logger.With("session_key", key),
	}
}

// start makes the worker live: it loads or creates the durable session
// row, starts the runner, and begins caching stream chunks.
func (w *Worker) start(ctx context.Context) error {
	sess, err := w.store.EnsureSession(ctx, w.key, w.cfg.AgentID, w.cfg.Channel)
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", w.key, err)
	}
	w.sessionID = sess.ID
	w.logger = w.logger.With("session_id", sess.ID)

	if err := w.startRunner(ctx, sess.ModelOverride); err != nil {
		return err
	}

	w.sub = w.bus.Subscribe(bus.SessionPrefix(w.sessionID))
	w.loopWG.Add(1)
	go w.cacheLoop()

	if w.metrics != nil {
		w.metrics.ActiveSessions.Add(ctx, 1)
	}
	w.logger.Info("session worker started", "channel", w.cfg.Channel, "agent_id", w.cfg.AgentID)
	return nil
}

// startRunner replaces the current runner with a fresh one. The old
// runner, if any, is stopped best-effort first.
func (w *Worker) startRunner(ctx context.Context, modelOverride string) error {
	rcfg := w.cfg.Runner
	rcfg.Model = w.cfg.Model
	if modelOverride != "" {
		rcfg.Model = modelOverride
	}
	run, err := w.factory.Start(ctx, w.sessionID, w.cfg.AgentID, rcfg)
	if err != nil {
		return fmt.Errorf("start runner for %s: %w", w.key, err)
	}
	w.mu.Lock()
	old := w.run
	w.run = run
	w.mu.Unlock()
	if old != nil {
		if err := old.Stop(context.WithoutCancel(ctx)); err != nil {
			w.logger.Warn("stop previous runner", "error", err)
		}
	}
	return nil
}

// cacheLoop mirrors the session's stream chunks into the runtime
// buffer while an async run is marked in flight, so late-attaching
// consumers can catch up.
func (w *Worker) cacheLoop() {
	defer w.loopWG.Done()
	chunkTopic := bus.SessionTopic(w.sessionID, bus.EventChunk)
	for ev := range w.sub.Ch() {
		if ev.Topic != chunkTopic {
			continue
		}
		chunk, ok := ev.Payload.(bus.ChunkEvent)
		if !ok {
			continue
		}
		w.mu.Lock()
		if w.agentRunning {
			w.stream.WriteString(chunk.Delta)
		}
		w.mu.Unlock()
	}
}

// Send processes one inbound message to completion and returns the
// reply. Concurrent sends to the same worker queue behind each other.
func (w *Worker) Send(ctx context.Context, content string, opts SendOpts) (string, error) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	content, ackOnly, err := w.prelude(ctx, content)
	if err != nil {
		return "", err
	}
	if ackOnly {
		return ResetAck, nil
	}
	return w.runTurn(ctx, content, opts)
}

// SendAsync runs the prelude synchronously (trigger and expiry
// handling, user turn persisted), then executes the turn on a detached
// goroutine and publishes the outcome as an async result event. The
// detached run still serializes behind other sends.
func (w *Worker) SendAsync(ctx context.Context, content string, opts SendOpts) error {
	w.sendMu.Lock()
	content, ackOnly, err := w.prelude(ctx, content)
	w.sendMu.Unlock()
	if err != nil {
		return err
	}
	if ackOnly {
		w.bus.Publish(bus.SessionTopic(w.sessionID, bus.EventAsyncResult), bus.AsyncResultEvent{
			SessionID: w.sessionID,
			Reply:     ResetAck,
		})
		return nil
	}

	w.mu.Lock()
	w.agentRunning = true
	w.stream.Reset()
	w.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	w.asyncWG.Add(1)
	go func() {
		defer w.asyncWG.Done()
		start := time.Now()

		w.sendMu.Lock()
		reply, err := w.runTurn(runCtx, content, opts)
		w.sendMu.Unlock()

		ev := bus.AsyncResultEvent{
			SessionID: w.sessionID,
			Reply:     reply,
			Duration:  time.Since(start),
		}
		if err != nil {
			ev.Err = err.Error()
		}
		w.bus.Publish(bus.SessionTopic(w.sessionID, bus.EventAsyncResult), ev)

		w.mu.Lock()
		w.agentRunning = false
		w.stream.Reset()
		w.mu.Unlock()
	}()
	return nil
}

// prelude is the serialized front half of a send: reset triggers, then
// expiry policy, then activity touch and the durable user turn. The
// returned content is what should actually run (the remainder after a
// trigger); ackOnly means a bare trigger that needs no turn.
func (w *Worker) prelude(ctx context.Context, content string) (string, bool, error) {
	if w.isClosed() {
		return "", false, ErrWorkerStopped
	}
	ctx = shared.WithSessionID(ctx, w.sessionID)

	if matched, rest := w.cfg.Policy.MatchTrigger(content); matched {
		if err := w.reset(ctx, ReasonTrigger); err != nil {
			return "", false, err
		}
		if rest == "" {
			return "", true, nil
		}
		content = rest
	} else {
		sess, err := w.store.GetSession(ctx, w.sessionID)
		if err != nil {
			return "", false, fmt.Errorf("load session: %w", err)
		}
		if d := w.cfg.Policy.Evaluate(sess.LastActivityAt, time.Now()); d.Reset {
			if err := w.reset(ctx, d.Reason); err != nil {
				return "", false, err
			}
		}
	}

	now := time.Now().UTC()
	if err := w.store.TouchSession(ctx, w.sessionID, now); err != nil {
		return "", false, fmt.Errorf("touch session: %w", err)
	}
	est := tokenutil.EstimateTokens(content)
	if _, err := w.store.AppendMessage(ctx, persistence.Message{
		SessionID: w.sessionID,
		Role:      persistence.RoleUser,
		Content:   content,
	}, est); err != nil {
		return "", false, fmt.Errorf("persist user turn: %w", err)
	}
	if w.metrics != nil {
		w.metrics.TokensEstimated.Add(ctx, int64(est))
	}
	return content, false, nil
}

// reset wipes the durable history and replaces the runner so the next
// turn starts from a clean context. Identity (key, session id) is kept.
func (w *Worker) reset(ctx context.Context, reason string) error {
	if err := w.store.ResetSession(ctx, w.sessionID); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	if err := w.startRunner(ctx, ""); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.SessionResets.Add(ctx, 1, metric.WithAttributes(otel.AttrResetReason.String(reason)))
	}
	w.logger.Info("session reset", "reason", reason)
	return nil
}

// runTurn executes one turn against the runner. A crashed runner is
// replaced and only the in-flight turn fails; the worker stays usable.
func (w *Worker) runTurn(ctx context.Context, content string, opts SendOpts) (string, error) {
	timeout := w.clampTimeout(opts.Timeout)

	ctx = shared.WithSessionID(ctx, w.sessionID)
	ctx, span := otel.StartSpan(ctx, w.tracer, "session.turn",
		append(otel.ContextAttrs(ctx), otel.AttrChannel.String(w.cfg.Channel))...)
	defer span.End()

	w.mu.RLock()
	run := w.run
	w.mu.RUnlock()
	if run == nil {
		return "", ErrWorkerStopped
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	w.mu.Lock()
	w.cancelRun = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		w.cancelRun = nil
		w.mu.Unlock()
	}()

	statusTopic := bus.SessionTopic(w.sessionID, bus.EventStatus)
	w.bus.Publish(statusTopic, bus.StatusEvent{SessionID: w.sessionID, Status: bus.StatusInferring})

	start := time.Now()
	res, err := run.Run(runCtx, content, runner.RunOpts{Timeout: timeout, Model: opts.Model})
	if w.metrics != nil {
		w.metrics.SendDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, runner.ErrTimeout) {
			err = fmt.Errorf("%w after %s: %v", runner.ErrTimeout, timeout, err)
		}
		if errors.Is(err, runner.ErrCrashed) {
			w.logger.Warn("runner crashed, replacing", "error", err)
			if rerr := w.startRunner(context.WithoutCancel(ctx), ""); rerr != nil {
				w.logger.Error("replace crashed runner", "error", rerr)
			}
		}
		if w.metrics != nil {
			w.metrics.SendErrors.Add(ctx, 1)
		}
		w.bus.Publish(statusTopic, bus.StatusEvent{SessionID: w.sessionID, Status: bus.StatusError, Detail: err.Error()})
		span.RecordError(err)
		w.logger.Warn("turn failed", "trace_id", shared.TraceID(ctx), "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return "", fmt.Errorf("turn failed: %w", err)
	}

	w.bus.Publish(statusTopic, bus.StatusEvent{SessionID: w.sessionID, Status: bus.StatusDone})
	w.logger.Debug("turn complete", "trace_id", shared.TraceID(ctx), "duration_ms", time.Since(start).Milliseconds(), "tokens_out", res.TokensOut)
	w.maybeCompact(ctx)
	return res.Text, nil
}

// maybeCompact runs a threshold check after a completed turn and
// compacts in place when needed. Failures are logged, never surfaced
// to the sender.
func (w *Worker) maybeCompact(ctx context.Context) {
	if w.compactor == nil {
		return
	}
	sess, err := w.store.GetSession(ctx, w.sessionID)
	if err != nil {
		w.logger.Warn("compaction check: load session", "error", err)
		return
	}
	needed, estimate, err := w.compactor.CheckNeeded(ctx, sess)
	if err != nil {
		w.logger.Warn("compaction check", "error", err)
		return
	}
	if !needed {
		return
	}
	start := time.Now()
	if _, err := w.compactor.Compact(ctx, sess, compaction.CompactOpts{}); err != nil {
		w.logger.Warn("compaction failed", "estimate", estimate, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.CompactionDuration.Record(ctx, time.Since(start).Seconds())
		w.metrics.CompactionRuns.Add(ctx, 1)
	}
}

// Compact forces a compaction run regardless of the threshold.
// A non-empty instruction replaces the default summarization prompt.
// It queues behind in-flight sends so the transcript is stable while
// the summary is written.
func (w *Worker) Compact(ctx context.Context, instructions string) error {
	if w.compactor == nil {
		return fmt.Errorf("compaction not configured")
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return ErrWorkerStopped
	}

	sess, err := w.store.GetSession(ctx, w.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	start := time.Now()
	summary, err := w.compactor.Compact(ctx, sess, compaction.CompactOpts{Instructions: instructions})
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	if summary == nil {
		return nil
	}
	if w.metrics != nil {
		w.metrics.CompactionDuration.Record(ctx, time.Since(start).Seconds())
		w.metrics.CompactionRuns.Add(ctx, 1)
	}
	return nil
}

func (w *Worker) clampTimeout(requested time.Duration) time.Duration {
	timeout := requested
	if timeout <= 0 {
		timeout = w.cfg.SendTimeout
	}
	if floor := w.cfg.SendTimeoutFloor; floor > 0 && timeout < floor {
		timeout = floor
	}
	return timeout
}

// State returns a snapshot without queueing behind in-flight turns.
func (w *Worker) State(ctx context.Context) Snapshot {
	w.mu.RLock()
	snap := Snapshot{
		Key:          w.key,
		SessionID:    w.sessionID,
		AgentRunning: w.agentRunning,
		Streaming:    w.stream.String(),
	}
	run := w.run
	w.mu.RUnlock()

	if run != nil {
		if st, err := run.State(ctx); err == nil {
			snap.RunnerStatus = st.Status
		}
	}
	return snap
}

// History reads the durable transcript in insertion order.
func (w *Worker) History(ctx context.Context, limit, offset int) ([]persistence.Message, error) {
	return w.store.ListMessages(ctx, w.sessionID, limit, offset)
}

// ClearStream drops the cached stream buffer, for consumers that have
// durably taken delivery of it.
func (w *Worker) ClearStream() {
	w.mu.Lock()
	w.stream.Reset()
	w.mu.Unlock()
}

// StopRun cancels the in-flight turn, if any. Best-effort.
func (w *Worker) StopRun() {
	w.mu.RLock()
	cancel := w.cancelRun
	w.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Key returns the routing key this worker serves.
func (w *Worker) Key() string { return w.key }

// SessionID returns the durable session identity.
func (w *Worker) SessionID() string { return w.sessionID }

// Alive reports whether the worker still accepts sends.
func (w *Worker) Alive() bool { return !w.isClosed() }

func (w *Worker) isClosed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}

// Stop drains in-flight work and tears the worker down. Idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.cancelRun != nil {
		w.cancelRun()
	}
	run := w.run
	w.run = nil
	w.mu.Unlock()

	w.asyncWG.Wait()

	if w.sub != nil {
		w.bus.Unsubscribe(w.sub)
		w.loopWG.Wait()
	}
	var err error
	if run != nil {
		err = run.Stop(ctx)
	}
	if w.metrics != nil {
		w.metrics.ActiveSessions.Add(ctx, -1)
	}
	w.logger.Info("session worker stopped")
	return err
}
