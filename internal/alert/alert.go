// Package alert delivers operator alerts. Delivery is best effort; a failed
// alert never fails the operation that raised it.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sink receives operator alerts.
type Sink interface {
	Alert(ctx context.Context, message string)
}

// TelegramSink posts alerts to a Telegram chat via the bot API.
type TelegramSink struct {
	token  string
	chatID int64
	client *http.Client
}

func NewTelegramSink(token string, chatID int64) *TelegramSink {
	return &TelegramSink{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *TelegramSink) Alert(ctx context.Context, message string) {
	body, _ := json.Marshal(map[string]any{
		"chat_id": s.chatID,
		"text":    message,
	})
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		zap.L().Warn("failed to build alert request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		zap.L().Warn("alert delivery failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		zap.L().Warn("alert rejected", zap.Int("status", resp.StatusCode))
	}
}

// LogSink writes alerts to the process log. Used when no Telegram chat is
// configured and as the sink in tests.
type LogSink struct{}

func (LogSink) Alert(ctx context.Context, message string) {
	zap.L().Error("operator alert", zap.String("message", message))
}

// CaptureSink records alerts for test assertions.
type CaptureSink struct {
	Messages []string
}

func (s *CaptureSink) Alert(ctx context.Context, message string) {
	s.Messages = append(s.Messages, message)
}
