package notify

import (
	"context"
	"fmt"
	"net/http"
)

// Embed colours per severity.
var discordColors = map[Severity]int{
	SeverityInfo:     0x2ecc71,
	SeverityWarning:  0xf1c40f,
	SeverityCritical: 0xe74c3c,
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender posts alerts as webhook embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: newHTTPClient()}
}

// Send posts a as a single embed coloured by severity. Discord caps embed
// titles at 256 and descriptions at 4096 characters.
func (d *DiscordSender) Send(ctx context.Context, a Alert) error {
	embed := discordEmbed{
		Title:       clip(a.Title, 256),
		Description: clip(a.Body, 4096),
		Color:       discordColors[a.Severity],
	}
	embed.Footer.Text = a.Severity.String()
	if a.Event != "" {
		embed.Footer.Text += " | " + a.Event
	}
	err := postJSON(ctx, d.client, d.webhookURL, discordPayload{
		Username: "chaintrader",
		Embeds:   []discordEmbed{embed},
	})
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
