package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dyzdyz010/clawd/internal/session"
	"github.com/dyzdyz010/clawd/internal/shared"
	"github.com/dyzdyz010/clawd/internal/subagent"
)

// TaskSpawner delegates a task to an isolated child session.
type TaskSpawner interface {
	Spawn(ctx context.Context, parentKey, task string, opts subagent.Opts) (string, error)
}

// TelegramChannel bridges Telegram chats to session workers. Each chat
// maps to the session key "telegram:<chat_id>"; reset triggers inside
// the message text flow through the worker untouched.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	manager    *session.Manager
	spawner    TaskSpawner
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram adapter.
func NewTelegramChannel(token string, allowedIDs []int64, manager *session.Manager, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		manager:    manager,
		logger:     logger,
	}
}

// AttachSpawner enables the /spawn command. Without one the command
// falls through to the worker as a normal message.
func (t *TelegramChannel) AttachSpawner(s TaskSpawner) {
	t.spawner = s
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// SessionKeyForChat is the routing key a Telegram chat resolves to.
func SessionKeyForChat(chatID int64) string {
	return fmt.Sprintf("telegram:%d", chatID)
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within well over the long-poll timeout
// (stall detection). Returns nil on context cancellation, or an error to
// trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather
	// than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			go t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	key := SessionKeyForChat(msg.Chat.ID)
	ctx = shared.WithTraceID(shared.WithSessionKey(ctx, key), shared.NewTraceID())

	if task, ok := strings.CutPrefix(content, "/spawn "); ok && t.spawner != nil {
		task = strings.TrimSpace(task)
		childKey, err := t.spawner.Spawn(ctx, key, task, subagent.Opts{
			Origin: &subagent.Origin{Channel: t.Name(), Target: strconv.FormatInt(msg.Chat.ID, 10)},
		})
		if err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("Error: %v", err))
			return
		}
		t.reply(msg.Chat.ID, "Spawned sub-agent "+childKey)
		return
	}

	worker, err := t.manager.StartOrGet(ctx, key, session.WorkerOptions{Channel: t.Name()})
	if err != nil {
		t.logger.Error("resolve telegram session", "session_key", key, "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: %v", err))
		return
	}

	if instructions, ok := compactCommand(content); ok {
		if err := worker.Compact(ctx, instructions); err != nil {
			t.reply(msg.Chat.ID, fmt.Sprintf("Compaction failed: %v", err))
			return
		}
		t.reply(msg.Chat.ID, "History compacted.")
		return
	}

	reply, err := worker.Send(ctx, content, session.SendOpts{})
	if err != nil {
		t.logger.Error("telegram send failed", "session_key", key, "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: %v", err))
		return
	}
	t.reply(msg.Chat.ID, reply)
}

// compactCommand recognizes the /compact command. The bare form yields
// empty instructions so the engine falls back to its default prompt;
// anything after "/compact " becomes the custom instruction.
func compactCommand(content string) (string, bool) {
	if content == "/compact" {
		return "", true
	}
	if rest, ok := strings.CutPrefix(content, "/compact "); ok {
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// SendMessage delivers text to a Telegram chat id given as decimal
// string. Used for sub-agent completion announcements.
func (t *TelegramChannel) SendMessage(ctx context.Context, target, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram target %q: %w", target, err)
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}
