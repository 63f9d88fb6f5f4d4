// Package proc runs the turn engine as an external process per
// session, speaking JSON lines over stdin/stdout. The process owns the
// conversation loop and its own persistence; this side only frames
// requests, enforces deadlines, and detects death.
package proc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/dyzdyz010/clawd/internal/runner"
)

// Config describes how to launch the engine process.
type Config struct {
	// Command is the executable plus fixed arguments. The session and
	// agent ids and the runner settings are passed through environment
	// variables (CLAWD_SESSION_ID, CLAWD_AGENT_ID, CLAWD_MODEL, ...).
	Command []string
	Logger  *slog.Logger
}

// Factory launches one engine process per session.
type Factory struct {
	cfg Config
}

// NewFactory validates the command and returns a factory.
func NewFactory(cfg Config) (*Factory, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("runner command not configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Factory{cfg: cfg}, nil
}

// Start launches the engine process for a session. The process's
// lifetime is not bound to ctx; it ends via Stop or its own exit.
func (f *Factory) Start(ctx context.Context, sessionID, agentID string, cfg runner.Config) (runner.Runner, error) {
	cmd := exec.Command(f.cfg.Command[0], f.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(),
		"CLAWD_SESSION_ID="+sessionID,
		"CLAWD_AGENT_ID="+agentID,
		"CLAWD_MODEL="+cfg.Model,
		"CLAWD_WORKSPACE="+cfg.Workspace,
		"CLAWD_SYSTEM_PROMPT="+cfg.SystemPrompt,
		"CLAWD_ALLOWED_TOOLS="+strings.Join(cfg.AllowedTools, ","),
		"CLAWD_DENIED_TOOLS="+strings.Join(cfg.DeniedTools, ","),
	)
	if cfg.Workspace != "" {
		cmd.Dir = cfg.Workspace
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("runner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runner process: %w", err)
	}

	p := &procRunner{
		cmd:       cmd,
		stdin:     stdin,
		scanner:   bufio.NewScanner(stdout),
		sessionID: sessionID,
		logger:    f.cfg.Logger.With("session_id", sessionID, "pid", cmd.Process.Pid),
		dead:      make(chan struct{}),
	}
	p.scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	go func() {
		p.waitErr = cmd.Wait()
		close(p.dead)
	}()

	f.cfg.Logger.Info("runner process started", "session_id", sessionID, "pid", cmd.Process.Pid)
	return p, nil
}

type request struct {
	Input    string `json:"input"`
	Model    string `json:"model,omitempty"`
	Thinking bool   `json:"thinking,omitempty"`
}

type response struct {
	Text      string `json:"text"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
	Error     string `json:"error,omitempty"`
}

type procRunner struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	scanner   *bufio.Scanner
	sessionID string
	logger    *slog.Logger

	mu      sync.Mutex // one turn in flight at a time
	dead    chan struct{}
	waitErr error
	stopped bool
}

// Run frames one turn: a request line out, a response line back. A
// timeout or cancellation kills the process (the line protocol cannot
// resynchronize), so the owner sees a crash and replaces us.
func (p *procRunner) Run(ctx context.Context, input string, opts runner.RunOpts) (runner.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.dead:
		return runner.Result{}, fmt.Errorf("%w: process exited: %v", runner.ErrCrashed, p.waitErr)
	default:
	}

	line, err := json.Marshal(request{Input: input, Model: opts.Model, Thinking: opts.Thinking})
	if err != nil {
		return runner.Result{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return runner.Result{}, fmt.Errorf("%w: write failed: %v", runner.ErrCrashed, err)
	}

	type scanResult struct {
		resp response
		err  error
	}
	ch := make(chan scanResult, 1)
	go func() {
		if !p.scanner.Scan() {
			err := p.scanner.Err()
			if err == nil {
				err = io.EOF
			}
			ch <- scanResult{err: err}
			return
		}
		var resp response
		if err := json.Unmarshal(p.scanner.Bytes(), &resp); err != nil {
			ch <- scanResult{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		ch <- scanResult{resp: resp}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return runner.Result{}, fmt.Errorf("%w: %v", runner.ErrCrashed, res.err)
		}
		if res.resp.Error != "" {
			return runner.Result{}, errors.New(res.resp.Error)
		}
		return runner.Result{
			Text:      res.resp.Text,
			TokensIn:  res.resp.TokensIn,
			TokensOut: res.resp.TokensOut,
		}, nil
	case <-p.dead:
		return runner.Result{}, fmt.Errorf("%w: process exited mid-turn: %v", runner.ErrCrashed, p.waitErr)
	case <-ctx.Done():
		p.kill()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return runner.Result{}, fmt.Errorf("%w: %v", runner.ErrTimeout, ctx.Err())
		}
		return runner.Result{}, ctx.Err()
	}
}

func (p *procRunner) State(ctx context.Context) (runner.State, error) {
	select {
	case <-p.dead:
		return runner.State{Status: runner.StatusStopped}, nil
	default:
		return runner.State{
			Status: runner.StatusIdle,
			Data:   map[string]any{"pid": p.cmd.Process.Pid},
		}, nil
	}
}

// Stop closes stdin (the polite shutdown signal), then escalates to
// SIGKILL if the process lingers.
func (p *procRunner) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	select {
	case <-p.dead:
		return nil
	case <-time.After(3 * time.Second):
	case <-ctx.Done():
	}
	p.kill()
	<-p.dead
	return nil
}

func (p *procRunner) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
