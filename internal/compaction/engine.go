// Package compaction keeps a session's history under its model's
// context-window budget by replacing old messages with one generated
// summary. The swap is transactional: a reader never sees messages gone
// without the summary present, or the summary without the deletions.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dyzdyz010/clawd/internal/persistence"
	"github.com/dyzdyz010/clawd/internal/tokenutil"
)

// ChatMessage is one prompt message for the summarization delegate.
type ChatMessage struct {
	Role    string
	Content string
}

// CompleteOpts adjusts a delegate completion call.
type CompleteOpts struct {
	System    string
	MaxTokens int
}

// Completer is the external summarization delegate.
type Completer interface {
	Complete(ctx context.Context, model string, messages []ChatMessage, opts CompleteOpts) (string, error)
}

// Config holds the engine's knobs.
type Config struct {
	Threshold        float64 // fraction of the context window that triggers compaction
	KeepRecent       int     // most recent messages never compacted
	SummaryModel     string  // model for the delegate call; empty uses the session's model
	DefaultModel     string  // fallback when the session has no override
	MaxSummaryTokens int
	ContextLimits    map[string]int // per-model window overrides
}

// Engine monitors token usage and performs compaction.
type Engine struct {
	store     *persistence.Store
	completer Completer
	cfg       Config
	logger    *slog.Logger
}

// New creates an Engine, normalizing zero config values to defaults.
func New(store *persistence.Store, completer Completer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.8
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 10
	}
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, completer: completer, cfg: cfg, logger: logger}
}

// EstimateMessageTokens returns a message's contribution to the session
// estimate: recorded counts when the model reported them, otherwise the
// heuristic over content and serialized tool calls separately.
func EstimateMessageTokens(msg persistence.Message) int {
	if msg.TokensIn > 0 || msg.TokensOut > 0 {
		return msg.TokensIn + msg.TokensOut
	}
	parts := []string{msg.Content}
	if len(msg.ToolCalls) > 0 {
		if raw, err := json.Marshal(msg.ToolCalls); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return tokenutil.EstimateParts(parts...)
}

// EstimateUsage sums estimates over a history.
func EstimateUsage(msgs []persistence.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateMessageTokens(msg)
	}
	return total
}

func (e *Engine) sessionModel(sess *persistence.Session) string {
	if e.cfg.SummaryModel != "" {
		return e.cfg.SummaryModel
	}
	if sess.ModelOverride != "" {
		return sess.ModelOverride
	}
	return e.cfg.DefaultModel
}

func (e *Engine) windowModel(sess *persistence.Session) string {
	if sess.ModelOverride != "" {
		return sess.ModelOverride
	}
	return e.cfg.DefaultModel
}

// CheckNeeded reports whether the session's estimated usage has crossed
// the threshold fraction of its model's context window, and the estimate.
func (e *Engine) CheckNeeded(ctx context.Context, sess *persistence.Session) (bool, int, error) {
	msgs, err := e.store.ListMessages(ctx, sess.ID, 0, 0)
	if err != nil {
		return false, 0, fmt.Errorf("list messages: %w", err)
	}
	estimate := EstimateUsage(msgs)
	window := ContextWindowForModel(e.windowModel(sess), e.cfg.ContextLimits)
	needed := float64(estimate) >= float64(window)*e.cfg.Threshold
	return needed, estimate, nil
}

// CompactOpts adjusts one compaction run.
type CompactOpts struct {
	// Instructions replaces the default summarization instruction
	// (manual compaction); empty uses the default.
	Instructions string
}

const defaultInstructions = `Summarize the conversation transcript. Preserve:
- decisions made and their reasons
- context and constraints the user stated
- open tasks and follow-ups
- questions asked and the answers given
Write a compact narrative summary, not a transcript.`

// Compact summarizes all but the keep-recent tail and atomically swaps
// the summarized range for one system message. A session with at most
// keep-recent messages is left unchanged and returns a nil summary.
// Any delegate failure leaves the store unmutated.
func (e *Engine) Compact(ctx context.Context, sess *persistence.Session, opts CompactOpts) (*persistence.Message, error) {
	msgs, err := e.store.ListMessages(ctx, sess.ID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) <= e.cfg.KeepRecent {
		return nil, nil
	}

	toCompact := msgs[:len(msgs)-e.cfg.KeepRecent]
	tail := msgs[len(msgs)-e.cfg.KeepRecent:]

	if err := e.store.UpdateSessionState(ctx, sess.ID, persistence.SessionStateCompacting); err != nil {
		return nil, err
	}
	// Whatever happens, the session does not stay stuck in "compacting".
	defer func() {
		if err := e.store.UpdateSessionState(context.WithoutCancel(ctx), sess.ID, persistence.SessionStateActive); err != nil {
			e.logger.Warn("restore session state after compaction", "session_id", sess.ID, "error", err)
		}
	}()

	instructions := opts.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}

	text, err := e.completer.Complete(ctx, e.sessionModel(sess), []ChatMessage{
		{Role: persistence.RoleUser, Content: renderTranscript(toCompact)},
	}, CompleteOpts{
		System:    instructions,
		MaxTokens: e.cfg.MaxSummaryTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("summarization delegate: %w", err)
	}

	first := toCompact[0]
	last := toCompact[len(toCompact)-1]
	summary := persistence.Message{
		SessionID: sess.ID,
		Role:      persistence.RoleSystem,
		Content:   "Previous conversation summary: " + text,
		Metadata: map[string]string{
			"compacted_count": fmt.Sprintf("%d", len(toCompact)),
			"first_at":        first.CreatedAt.UTC().Format(time.RFC3339),
			"last_at":         last.CreatedAt.UTC().Format(time.RFC3339),
		},
	}

	deleteIDs := make([]int64, len(toCompact))
	for i, msg := range toCompact {
		deleteIDs[i] = msg.ID
	}
	newTokenCount := EstimateUsage(tail) + EstimateMessageTokens(summary)

	summaryID, err := e.store.CompactSwap(ctx, sess.ID, deleteIDs, summary, newTokenCount)
	if err != nil {
		return nil, fmt.Errorf("compact swap: %w", err)
	}
	summary.ID = summaryID

	e.logger.Info("session compacted",
		"session_id", sess.ID,
		"compacted", len(toCompact),
		"kept", len(tail),
		"token_count", newTokenCount)
	return &summary, nil
}

func renderTranscript(msgs []persistence.Message) string {
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		if len(msg.ToolCalls) > 0 {
			if raw, err := json.Marshal(msg.ToolCalls); err == nil {
				b.WriteString(" [tool_calls: ")
				b.Write(raw)
				b.WriteString("]")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
