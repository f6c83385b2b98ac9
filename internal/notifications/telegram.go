package notifications

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

type TelegramNotifier struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		apiBase: telegramAPIBase,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithAPIBase points the notifier at a different Bot API host
func (t *TelegramNotifier) WithAPIBase(base string) *TelegramNotifier {
	t.apiBase = strings.TrimRight(base, "/")
	return t
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) SendAlert(ctx context.Context, ev AlertEvent) error {
	emoji := "ℹ️"
	switch ev.Severity {
	case SeverityWarning:
		emoji = "⚠️"
	case SeverityCritical:
		emoji = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *Trade Guard %s*\n\n", emoji, ev.Severity)
	fmt.Fprintf(&b, "*%s* `%s`\n%s", ev.Source, ev.Code, ev.Message)
	if len(ev.Context) > 0 {
		keys := make([]string, 0, len(ev.Context))
		for k := range ev.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %s", k, ev.Context[k])
		}
	}

	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)

	data := url.Values{}
	data.Set("chat_id", t.chatID)
	data.Set("text", b.String())
	data.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}
