package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
)

// Bodies are clipped before escaping so markup is never cut; the margin
// leaves room for entities under Telegram's 4096 character limit.
const telegramBodyMax = 3000

// TelegramSender posts alerts through the Bot API sendMessage method.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		client:  newHTTPClient(),
	}
}

// text renders a as HTML with the title and body escaped.
func (t *TelegramSender) text(a Alert) string {
	var b strings.Builder
	if a.Severity == SeverityCritical {
		b.WriteString("[CRITICAL] ")
	}
	fmt.Fprintf(&b, "<b>%s</b>\n%s",
		html.EscapeString(clip(a.Title, 256)),
		html.EscapeString(clip(a.Body, telegramBodyMax)))
	return b.String()
}

func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	err := postJSON(ctx, t.client, url, map[string]any{
		"chat_id":                  t.chatID,
		"text":                     t.text(a),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }
