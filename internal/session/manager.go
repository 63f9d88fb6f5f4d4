package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dyzdyz010/clawd/internal/runner"
)

// ManagerConfig is the template worker configuration. Per-worker
// options override pieces of it.
type ManagerConfig struct {
	AgentID          string
	DefaultModel     string
	Policy           ResetPolicy
	SendTimeout      time.Duration
	SendTimeoutFloor time.Duration
	Runner           runner.Config
}

// WorkerOptions customizes one worker at creation. Zero values inherit
// from the manager's template.
type WorkerOptions struct {
	Channel string
	AgentID string
	Model   string
	// Runner replaces the template runner config wholesale when set.
	Runner *runner.Config
	// Policy replaces the template reset policy when set (sub-agents
	// run in manual mode so they never expire mid-task).
	Policy *ResetPolicy
}

// Manager is the race-safe registry of live workers, keyed by session
// key. Exactly one worker exists per key at any time.
type Manager struct {
	cfg    ManagerConfig
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is a registration slot. The winner of a concurrent StartOrGet
// closes ready once the worker is usable (or creation failed); losers
// block on ready instead of creating a duplicate.
type entry struct {
	ready  chan struct{}
	worker *Worker
	err    error
}

// NewManager builds an empty registry.
func NewManager(cfg ManagerConfig, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// StartOrGet returns the live worker for key, creating it if needed.
// Under concurrent calls for the same key exactly one caller creates;
// the rest share the outcome. Creation failures propagate to every
// waiter and leave no registration behind.
func (m *Manager) StartOrGet(ctx context.Context, key string, opts WorkerOptions) (*Worker, error) {
	for {
		m.mu.Lock()
		if e, ok := m.entries[key]; ok {
			m.mu.Unlock()
			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err != nil {
				return nil, e.err
			}
			if e.worker.Alive() {
				return e.worker, nil
			}
			// Stale slot from a stopped worker: clear it if nobody
			// replaced it yet, then race for a fresh one.
			m.mu.Lock()
			if cur, ok := m.entries[key]; ok && cur == e {
				delete(m.entries, key)
			}
			m.mu.Unlock()
			continue
		}

		e := &entry{ready: make(chan struct{})}
		m.entries[key] = e
		m.mu.Unlock()

		w := newWorker(key, m.workerConfig(opts), m.deps)
		if err := w.start(ctx); err != nil {
			e.err = err
			m.mu.Lock()
			delete(m.entries, key)
			m.mu.Unlock()
			close(e.ready)
			return nil, err
		}
		e.worker = w
		close(e.ready)
		return w, nil
	}
}

func (m *Manager) workerConfig(opts WorkerOptions) Config {
	cfg := Config{
		AgentID:          m.cfg.AgentID,
		Channel:          opts.Channel,
		Model:            m.cfg.DefaultModel,
		Policy:           m.cfg.Policy,
		SendTimeout:      m.cfg.SendTimeout,
		SendTimeoutFloor: m.cfg.SendTimeoutFloor,
		Runner:           m.cfg.Runner,
	}
	if opts.AgentID != "" {
		cfg.AgentID = opts.AgentID
	}
	if opts.Model != "" {
		cfg.Model = opts.Model
	}
	if opts.Runner != nil {
		cfg.Runner = *opts.Runner
	}
	if opts.Policy != nil {
		cfg.Policy = *opts.Policy
	}
	return cfg
}

// Find returns the live worker for key without creating one.
func (m *Manager) Find(key string) (*Worker, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil || !e.worker.Alive() {
		return nil, false
	}
	return e.worker, true
}

// Stop tears down the worker for key and removes its registration.
// Stopping an absent key is a no-op.
func (m *Manager) Stop(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	<-e.ready
	if e.err != nil || e.worker == nil {
		return nil
	}
	return e.worker.Stop(ctx)
}

// List returns the keys of all ready workers, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for key, e := range m.entries {
		select {
		case <-e.ready:
			if e.err == nil && e.worker.Alive() {
				keys = append(keys, key)
			}
		default:
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// StopAll drains every worker in parallel, bounded by timeout.
func (m *Manager) StopAll(ctx context.Context, timeout time.Duration) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.entries))
	for _, e := range m.entries {
		select {
		case <-e.ready:
			if e.err == nil && e.worker != nil {
				workers = append(workers, e.worker)
			}
		default:
		}
	}
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Stop(stopCtx); err != nil {
				m.logger.Warn("stop worker", "session_key", w.Key(), "error", err)
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		m.logger.Warn("shutdown drain timed out", "workers", len(workers))
	}
}
