// Package notify tells approvers about approval activity over Telegram.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/harun/aosgate/internal/config"
	"github.com/harun/aosgate/pkg/eventbus"
	"github.com/harun/aosgate/pkg/events"
)

const queueSize = 64

// Telegram posts approval requests and decisions to a fixed set of chats.
// Sends happen on a background goroutine so a slow Bot API never blocks the
// publisher.
type Telegram struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
	logger  zerolog.Logger

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewTelegram authenticates against the Bot API. An empty endpoint uses the
// public Telegram API.
func NewTelegram(cfg config.TelegramConfig, logger zerolog.Logger) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("at least one chat id is required")
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	t := &Telegram{
		api:     api,
		chatIDs: append([]int64(nil), cfg.ChatIDs...),
		logger:  logger.With().Str("component", "telegram").Logger(),
		queue:   make(chan string, queueSize),
	}
	t.logger.Info().
		Str("username", api.Self.UserName).
		Int("chats", len(t.chatIDs)).
		Msg("Telegram notifier authenticated")
	return t, nil
}

// Start launches the sender.
func (t *Telegram) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run(ctx)
}

// Stop halts the sender. Queued messages are dropped.
func (t *Telegram) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
}

// Subscribe attaches the notifier to approval events on bus.
func (t *Telegram) Subscribe(bus *eventbus.Bus) func() {
	unsubRequested := eventbus.Subscribe(bus, func(ctx context.Context, e events.ApprovalRequested) error {
		t.enqueue(FormatRequested(e))
		return nil
	})
	unsubDecided := eventbus.Subscribe(bus, func(ctx context.Context, e events.ApprovalDecided) error {
		t.enqueue(FormatDecided(e))
		return nil
	})
	return func() {
		unsubRequested()
		unsubDecided()
	}
}

func (t *Telegram) enqueue(text string) {
	select {
	case t.queue <- text:
	default:
		t.logger.Warn().Msg("Notification queue full, dropping message")
	}
}

func (t *Telegram) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-t.queue:
			t.broadcast(text)
		}
	}
}

func (t *Telegram) broadcast(text string) {
	for _, chatID := range t.chatIDs {
		if _, err := t.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
			t.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send notification")
		}
	}
}

// FormatRequested renders an approval request for approvers.
func FormatRequested(e events.ApprovalRequested) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval needed: %s\n", e.RequestType)
	fmt.Fprintf(&b, "Requester: %s\n", e.Requester)
	fmt.Fprintf(&b, "Amount: %.2f %s\n", e.Amount, e.Currency)
	if e.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", e.Description)
	}
	fmt.Fprintf(&b, "Expires: %s\n", e.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "ID: %s", e.ApprovalID)
	return b.String()
}

// FormatDecided renders an approval decision.
func FormatDecided(e events.ApprovalDecided) string {
	text := fmt.Sprintf("Approval %s %s by %s (%s, requested by %s)",
		e.ApprovalID, e.Status, e.ApproverID, e.RequestType, e.Requester)
	if e.Comment != "" {
		text += ": " + e.Comment
	}
	return text
}
