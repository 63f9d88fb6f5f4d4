package proc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/dyzdyz010/clawd/internal/compaction"
)

// Completer runs the summarization delegate as a one-shot process:
// the request JSON on stdin, the completion JSON on stdout. The
// subcommand "complete" is appended to the configured command.
type Completer struct {
	command []string
	logger  *slog.Logger
}

// NewCompleter validates the command and returns a completer.
func NewCompleter(command []string, logger *slog.Logger) (*Completer, error) {
	if len(command) == 0 {
		return nil, errors.New("completer command not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{command: command, logger: logger}, nil
}

type completeRequest struct {
	Model     string                   `json:"model"`
	System    string                   `json:"system,omitempty"`
	Messages  []compaction.ChatMessage `json:"messages"`
	MaxTokens int                      `json:"max_tokens,omitempty"`
}

type completeResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Complete satisfies the compaction delegate contract. Cancellation
// and deadlines propagate through ctx into the process.
func (c *Completer) Complete(ctx context.Context, model string, messages []compaction.ChatMessage, opts compaction.CompleteOpts) (string, error) {
	payload, err := json.Marshal(completeRequest{
		Model:     model,
		System:    opts.System,
		Messages:  messages,
		MaxTokens: opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	args := append(append([]string{}, c.command[1:]...), "complete")
	cmd := exec.CommandContext(ctx, c.command[0], args...)
	cmd.Stdin = bytes.NewReader(payload)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("completion process: %w", err)
	}
	var resp completeResponse
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Text, nil
}
