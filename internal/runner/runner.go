// Package runner defines the contract the orchestration core requires
// from the turn execution engine. The engine is external: it owns the
// conversation/tool loop for a single session, persists its own
// assistant and tool turns, and reloads its context from the store when
// restarted with the same session id.
package runner

import (
	"context"
	"errors"
	"time"
)

// Runner statuses reported by State.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// ErrCrashed indicates the runner process died underneath a call. The
// owning worker replaces the runner and fails only the in-flight call.
var ErrCrashed = errors.New("runner crashed")

// ErrTimeout indicates a run exceeded its bound.
var ErrTimeout = errors.New("runner timed out")

// Config carries the per-session settings a runner is started with.
type Config struct {
	Model        string
	SystemPrompt string
	Workspace    string
	AllowedTools []string
	DeniedTools  []string
}

// RunOpts adjusts a single run.
type RunOpts struct {
	Timeout  time.Duration // 0 uses the worker's configured bound
	Model    string        // per-call override, empty keeps the session model
	Thinking bool
}

// Result is a completed turn.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// State is a read-only snapshot of the runner.
type State struct {
	Status string
	Data   map[string]any
}

// Runner executes turns for exactly one session.
type Runner interface {
	// Run executes one turn synchronously. A context deadline bounds it;
	// exceeding the bound returns an error wrapping ErrTimeout, a dead
	// process returns an error wrapping ErrCrashed.
	Run(ctx context.Context, input string, opts RunOpts) (Result, error)

	// State reports the runner's current status.
	State(ctx context.Context) (State, error)

	// Stop tears the runner down. Idempotent.
	Stop(ctx context.Context) error
}

// Factory starts runners bound to a session. The session id is the
// durable identity the runner reloads its context from after a restart.
type Factory interface {
	Start(ctx context.Context, sessionID, agentID string, cfg Config) (Runner, error)
}
