// Package notify delivers notifications outside the database: operator alerts
// over Telegram and live pushes to connected websocket clients.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/logger"
)

// AlertSender delivers operator alerts.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

// TelegramSender posts Markdown messages to one or more admin chats.
type TelegramSender struct {
	client  *resty.Client
	token   string
	chatIDs []string
}

// NewTelegramSender returns nil when the bot token or chat IDs are missing,
// so callers can treat alerts as disabled.
func NewTelegramSender(cfg config.NotifierConfig) *TelegramSender {
	chatIDs := splitChatIDs(cfg.TelegramChatID)
	if cfg.TelegramBotToken == "" || len(chatIDs) == 0 {
		return nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := cfg.TelegramBaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(4 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == 429 || r.StatusCode() >= 500
		})

	return &TelegramSender{client: client, token: cfg.TelegramBotToken, chatIDs: chatIDs}
}

func splitChatIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendAlert sends text to every chat. It succeeds if at least one chat received it.
func (s *TelegramSender) SendAlert(ctx context.Context, text string) error {
	var lastErr error
	sent := 0
	for _, chatID := range s.chatIDs {
		if err := s.send(ctx, chatID, text); err != nil {
			logger.CtxWarn(ctx, "Telegram alert failed: chat=%s, error=%v", chatID, err)
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 && lastErr != nil {
		return fmt.Errorf("telegram alert not delivered: %w", lastErr)
	}
	return nil
}

func (s *TelegramSender) send(ctx context.Context, chatID, text string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "Markdown",
		}).
		Post("/bot" + s.token + "/sendMessage")
	if err != nil {
		return err
	}

	// decoded by hand so the verdict does not depend on the response Content-Type
	var result telegramResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return fmt.Errorf("telegram status %d: undecodable response: %w", resp.StatusCode(), err)
	}
	if resp.IsError() || !result.OK {
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode(), result.Description)
	}
	return nil
}

// EscapeMarkdown escapes the characters legacy Telegram Markdown treats as markup.
func EscapeMarkdown(s string) string {
	r := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	return r.Replace(s)
}
