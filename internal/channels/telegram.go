package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/agentcore/internal/bus"
)

// IncomingHandler processes one inbound chat message and returns the text
// to reply with (empty to send nothing). It is the host-supplied bridge
// into the orchestrator; this package has no orchestrator dependency of
// its own.
type IncomingHandler func(ctx context.Context, channelID, platform, text string) (string, error)

// TelegramChannel is a concrete ChatNotify adapter (spec.md §6) over the
// Telegram Bot API. Kept deliberately thin: outbound notifications are a
// direct API call, inbound messages are handed to an IncomingHandler
// supplied by the host, and bus events are forwarded as plain-text
// notifications to their subscribed chat.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	handler    IncomingHandler
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *bus.Bus

	mu       sync.Mutex
	chatSubs map[string]int64 // bus topic subject (e.g. session id) -> chatID
}

// NewTelegramChannel creates a new Telegram ChatNotify adapter.
func NewTelegramChannel(token string, allowedIDs []int64, handler IncomingHandler, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		handler:    handler,
		logger:     logger,
		eventBus:   eventBus,
		chatSubs:   make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Subscribe associates a bus-event subject (e.g. a swarm session id or
// workflow execution id) with a chat, so future notify calls with that
// subject as channelID reach the right chat.
func (t *TelegramChannel) Subscribe(subject string, chatID int64) {
	t.mu.Lock()
	t.chatSubs[subject] = chatID
	t.mu.Unlock()
}

// ChatNotify implements the spec.md §6 ChatNotify(channelId, text,
// platform) callback shape. channelID is resolved against previously
// Subscribe'd chats; platform is accepted for interface-compatibility with
// other adapters but otherwise unused here since this adapter only ever
// talks to Telegram.
func (t *TelegramChannel) ChatNotify(ctx context.Context, channelID, text, platform string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: channel not started")
	}
	t.mu.Lock()
	chatID, ok := t.chatSubs[channelID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("telegram: no chat subscribed for channel %q", channelID)
	}
	msg := tgbotapi.NewMessage(chatID, truncate(text))
	_, err := t.bot.Send(msg)
	return err
}

// Start logs in to the Telegram API and begins the long-poll receive loop.
// It blocks until ctx is cancelled.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		if ctx.Err() != nil {
			return nil
		}
		if pollErr != nil {
			t.logger.Error("telegram: poll loop error, reconnecting", "error", pollErr, "backoff", backoff)
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
		backoff = time.Second
	}
}

func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram: update channel closed")
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	if len(t.allowedIDs) > 0 {
		if _, ok := t.allowedIDs[chatID]; !ok {
			t.logger.Warn("telegram: rejected message from disallowed chat", "chat_id", chatID)
			return
		}
	}
	if t.handler == nil {
		return
	}
	channelID := fmt.Sprintf("telegram:%d", chatID)
	t.Subscribe(channelID, chatID)
	reply, err := t.handler(ctx, channelID, "telegram", update.Message.Text)
	if err != nil {
		t.logger.Error("telegram: handler error", "error", err)
		return
	}
	if reply == "" {
		return
	}
	if err := t.ChatNotify(ctx, channelID, reply, "telegram"); err != nil {
		t.logger.Error("telegram: reply send failed", "error", err)
	}
}
