// Package notify sends end-user Telegram messages after a payment lands.
// Sends are fire and forget; the ledger write never waits on Telegram.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Notifier sends user-facing messages.
type Notifier interface {
	// SendOneTimeInvite issues a single-use channel invite link to the user.
	SendOneTimeInvite(ctx context.Context, userID int64) error
	// SendMessage sends a plain text message to the user.
	SendMessage(ctx context.Context, userID int64, text string) error
}

// TelegramNotifier talks to the Telegram bot API.
type TelegramNotifier struct {
	token     string
	channelID int64
	client    *http.Client
}

func NewTelegramNotifier(token string, channelID int64) *TelegramNotifier {
	return &TelegramNotifier{
		token:     token,
		channelID: channelID,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type inviteLinkResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		InviteLink string `json:"invite_link"`
	} `json:"result"`
}

// SendOneTimeInvite creates a member_limit=1 invite link for the private
// channel and sends it to the user.
func (n *TelegramNotifier) SendOneTimeInvite(ctx context.Context, userID int64) error {
	var link inviteLinkResponse
	err := n.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":      n.channelID,
		"member_limit": 1,
	}, &link)
	if err != nil {
		return fmt.Errorf("create invite link: %w", err)
	}
	if !link.OK || link.Result.InviteLink == "" {
		return fmt.Errorf("create invite link: empty response")
	}
	return n.SendMessage(ctx, userID, "Payment received. Your invite link: "+link.Result.InviteLink)
}

func (n *TelegramNotifier) SendMessage(ctx context.Context, userID int64, text string) error {
	if err := n.call(ctx, "sendMessage", map[string]any{"chat_id": userID, "text": text}, nil); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (n *TelegramNotifier) call(ctx context.Context, method string, payload map[string]any, out any) error {
	body, _ := json.Marshal(payload)
	url := fmt.Sprintf("https://api.telegram.org/bot%s/%s", n.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram %s: status %d", method, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Noop drops every notification. Used when no bot token is configured.
type Noop struct{}

func (Noop) SendOneTimeInvite(ctx context.Context, userID int64) error { return nil }
func (Noop) SendMessage(ctx context.Context, userID int64, text string) error {
	zap.L().Debug("notification dropped, telegram not configured", zap.Int64("user_id", userID))
	return nil
}

// Capture records notifications for test assertions.
type Capture struct {
	Invites  []int64
	Messages []string
}

func (c *Capture) SendOneTimeInvite(ctx context.Context, userID int64) error {
	c.Invites = append(c.Invites, userID)
	return nil
}

func (c *Capture) SendMessage(ctx context.Context, userID int64, text string) error {
	c.Messages = append(c.Messages, text)
	return nil
}
