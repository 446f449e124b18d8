package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// WebhookNotifier POSTs the alert record as JSON to a generic endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	poster  *poster
}

func NewWebhookNotifier(url string, headers map[string]string, opts HTTPOptions, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		poster:  newPoster("webhook", opts, logger),
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := n.poster.post(ctx, n.url, n.headers, body); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// DiscordNotifier posts a one-line message to a Discord webhook.
type DiscordNotifier struct {
	url    string
	poster *poster
}

func NewDiscordNotifier(url string, opts HTTPOptions, logger *slog.Logger) *DiscordNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordNotifier{url: url, poster: newPoster("discord", opts, logger)}
}

func (n *DiscordNotifier) Name() string { return "discord" }

func (n *DiscordNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	body, err := json.Marshal(map[string]string{"content": FormatLine(alert)})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := n.poster.post(ctx, n.url, nil, body); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// FormatLine renders an alert as "[PiGuard] kind (severity) - summary".
func FormatLine(alert domain.Alert) string {
	return fmt.Sprintf("[PiGuard] %s (%s) - %s", alert.Kind, alert.Severity, alert.Summary)
}

var (
	_ ports.AlertNotifier = (*WebhookNotifier)(nil)
	_ ports.AlertNotifier = (*DiscordNotifier)(nil)
)
