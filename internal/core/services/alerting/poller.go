package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

const pollPage = 500

// Poller feeds the live sink from the store when detection runs in another
// process. It starts after the newest alert present at startup.
type Poller struct {
	pager    ports.Pager
	sink     ports.AlertSink
	interval time.Duration
	logger   *slog.Logger

	lastID uint64
	primed bool
}

func NewPoller(pager ports.Pager, sink ports.AlertSink, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		pager:    pager,
		sink:     sink,
		interval: interval,
		logger:   logger.With("component", "alert-poller"),
	}
}

func (p *Poller) String() string { return "alert-poller" }

func (p *Poller) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("poll alerts failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll publishes alerts newer than the last one seen and returns how many
// were published. The first call only records the current high-water mark.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	published := 0
	for {
		alerts, err := p.pager.AlertsAfter(ctx, p.lastID, pollPage)
		if err != nil {
			return published, fmt.Errorf("alerts after %d: %w", p.lastID, err)
		}
		for _, a := range alerts {
			p.lastID = a.ID
			if p.primed {
				p.sink.Publish(a)
				published++
			}
		}
		if len(alerts) < pollPage {
			break
		}
	}
	p.primed = true
	return published, nil
}
