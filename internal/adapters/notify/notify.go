// Package notify delivers persisted alerts to outside transports. Every
// notifier is best effort: errors are returned to the emitter, which logs
// them and moves on.
package notify

import (
	"errors"
	"io"
	"log/slog"

	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// Set is the notifiers built from one alerts config.
type Set struct {
	Notifiers []ports.AlertNotifier
	closers   []io.Closer
}

// FromConfig builds a notifier for every endpoint configured in cfg.
func FromConfig(cfg config.AlertsConfig, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")
	opts := DefaultHTTPOptions()
	set := &Set{}

	if cfg.Webhook.URL != "" {
		set.Notifiers = append(set.Notifiers, NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Headers, opts, logger))
	}
	if cfg.DiscordWebhook != "" {
		set.Notifiers = append(set.Notifiers, NewDiscordNotifier(cfg.DiscordWebhook, opts, logger))
	}
	if cfg.NATS.URL != "" {
		n, err := NewNATSNotifier(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.Notifiers = append(set.Notifiers, n)
		set.closers = append(set.closers, n)
	}
	if cfg.Email.Enabled() {
		n, err := NewEmailNotifier(cfg.Email, logger)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.Notifiers = append(set.Notifiers, n)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		n := NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		set.Notifiers = append(set.Notifiers, n)
		set.closers = append(set.closers, n)
	}

	names := make([]string, 0, len(set.Notifiers))
	for _, n := range set.Notifiers {
		names = append(names, n.Name())
	}
	logger.Info("notifiers configured", "notifiers", names)
	return set, nil
}

// Close releases broker connections.
func (s *Set) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
