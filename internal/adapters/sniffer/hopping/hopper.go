package hopping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
	"github.com/mardigiorgio/PiGuard/internal/telemetry"
)

// Hopper tunes the capture interface according to the live hop policy.
// It re-reads the config snapshot on every dwell tick, so policy, dwell and
// interface changes take effect without a restart.
type Hopper struct {
	source   config.Source
	switcher ports.ChannelSwitcher
	tuned    *Tuned
	logger   *slog.Logger
	state    AtomicState

	mu         sync.Mutex
	policy     domain.HopPolicy
	iface      string
	index      int
	lastSet    domain.Tuning
	errorCount int
}

// NewHopper creates a hopper. tuned may be shared with the capture engine.
func NewHopper(source config.Source, switcher ports.ChannelSwitcher, tuned *Tuned, logger *slog.Logger) *Hopper {
	if tuned == nil {
		tuned = &Tuned{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hopper{
		source:   source,
		switcher: switcher,
		tuned:    tuned,
		logger:   logger.With("component", "hopper"),
	}
}

// String names the service for the supervisor.
func (h *Hopper) String() string { return "channel-hopper" }

// State returns the current hopper state.
func (h *Hopper) State() HopperState { return h.state.Get() }

// Tuned returns the shared tuned-channel holder.
func (h *Hopper) Tuned() *Tuned { return h.tuned }

// Policy returns the policy applied on the last tick.
func (h *Hopper) Policy() domain.HopPolicy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.policy
}

// Serve runs Step once per dwell until ctx is cancelled.
func (h *Hopper) Serve(ctx context.Context) error {
	cfg := h.source.Current()
	dwell := cfg.Capture.Dwell()
	h.logger.Info("starting channel hopper",
		"interface", cfg.Capture.Iface,
		"policy", domain.PolicyString(cfg.Capture.HopPolicy()),
		"dwell", dwell)

	ticker := time.NewTicker(dwell)
	defer ticker.Stop()
	defer h.state.Set(StateStopped)

	_ = h.Step(ctx)
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("stopping channel hopper")
			return ctx.Err()
		case <-ticker.C:
			_ = h.Step(ctx)
			if next := h.source.Current().Capture.Dwell(); next != dwell && next > 0 {
				h.logger.Info("dwell changed", "from", dwell, "to", next)
				dwell = next
				ticker.Reset(dwell)
			}
		}
	}
}

// Step performs one dwell tick: pick the next channel from the current
// policy and switch to it. A policy change restarts the cycle at its first
// channel. A failed switch is returned and retried on the next tick.
func (h *Hopper) Step(ctx context.Context) error {
	cfg := h.source.Current()
	policy := cfg.Capture.HopPolicy()
	iface := cfg.Capture.Iface

	h.mu.Lock()
	if h.policy == nil || !h.policy.Equal(policy) {
		if h.policy != nil {
			h.logger.Info("hop policy changed",
				"from", domain.PolicyString(h.policy),
				"to", domain.PolicyString(policy))
		}
		h.policy = policy
		h.index = 0
	}
	if iface != h.iface {
		// The new interface's channel is unknown until we set it
		h.iface = iface
		h.lastSet = domain.Tuning{}
	}

	seq := policy.Sequence()
	if len(seq) == 0 {
		h.mu.Unlock()
		return nil
	}

	var ch domain.Tuning
	if policy.Mode() == domain.HopLock {
		h.state.Set(StateLocked)
		ch = seq[0]
		if ch == h.lastSet {
			h.mu.Unlock()
			return nil
		}
	} else {
		h.state.Set(StateHopping)
		if h.index >= len(seq) {
			h.index = 0
		}
		ch = seq[h.index]
		h.index = (h.index + 1) % len(seq)
	}
	h.mu.Unlock()

	switchCtx, cancel := context.WithTimeout(ctx, cfg.Capture.SwitchTimeout())
	defer cancel()
	err := h.switcher.SetChannel(switchCtx, iface, ch)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.errorCount++
		telemetry.ChannelSwitches.WithLabelValues(iface, "error").Inc()
		// Log warning but don't spam if it's persistent (e.g. every 10 errors)
		if h.errorCount == 1 || h.errorCount%10 == 0 {
			h.logger.Warn("failed to set channel",
				"interface", iface, "channel", ch.Channel, "band", ch.Band, "error", err, "consecutive_errors", h.errorCount)
		}
		return fmt.Errorf("set channel %s on %s: %w", ch, iface, err)
	}

	telemetry.ChannelSwitches.WithLabelValues(iface, "ok").Inc()
	if h.errorCount > 0 {
		h.logger.Info("hopper recovered", "after_errors", h.errorCount)
		h.errorCount = 0
	}
	h.lastSet = ch
	h.tuned.Set(ch)
	h.logger.Debug("channel set", "interface", iface, "channel", ch.Channel, "band", ch.Band)
	return nil
}
