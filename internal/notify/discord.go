package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/platform/rest"
)

const discordMaxChars = 2000

// DiscordSender posts to a channel webhook.
type DiscordSender struct {
	api *rest.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{api: rest.New(webhookURL, 10*time.Second)}
}

// Name returns "discord".
func (d *DiscordSender) Name() string { return "discord" }

// Send posts title in bold followed by message. Webhooks reply 204.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	req := map[string]string{"content": truncate(fmt.Sprintf("**%s**\n%s", title, message), discordMaxChars)}
	if err := d.api.Do(ctx, http.MethodPost, "", req, nil); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}
