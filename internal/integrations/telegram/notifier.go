package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// Notifier sends operator notices to one chat. Without a token or chat id it
// silently does nothing.
type Notifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *Notifier) Enabled() bool { return n != nil && n.botToken != "" && n.chatID != "" }

// NeedsLogin tells the operator that an account's session was rejected or
// expired, with the link that starts a new login when one is known.
func (n *Notifier) NeedsLogin(ctx context.Context, account, reason, loginURL string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Session for account %q needs a new login", account)
	if reason != "" {
		fmt.Fprintf(&b, " (%s)", reason)
	}
	b.WriteString(".")
	if loginURL != "" {
		b.WriteString("\nLog in: " + loginURL)
	}
	return n.Notify(ctx, b.String())
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	if !n.Enabled() || text == "" {
		return nil
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)

	raw, err := json.Marshal(map[string]any{
		"chat_id":                  n.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
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
		return fmt.Errorf("telegram sendMessage status %d", resp.StatusCode)
	}
	return nil
}
