package ports

import (
	"context"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// AlertNotifier delivers a persisted alert to an outside transport.
// Delivery is best effort: the emitter logs failures and never retries.
type AlertNotifier interface {
	Name() string
	Notify(ctx context.Context, alert domain.Alert) error
}

// AlertSink receives alerts for the live stream. Publish must not block.
type AlertSink interface {
	Publish(alert domain.Alert)
}
