package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// ErrUnsupportedChannel is returned when the radio does not list a channel.
var ErrUnsupportedChannel = errors.New("channel not supported by interface")

// ConfigStore is the config manager as seen by control writes.
type ConfigStore interface {
	Current() *config.Config
	Update(mutate func(*config.Config)) (*config.Config, error)
}

// Emitter raises findings. The alerting emitter implements it.
type Emitter interface {
	Emit(ctx context.Context, f domain.Finding) (*domain.Alert, bool, error)
}

// AlertFeed hands out live alert subscriptions.
type AlertFeed interface {
	Subscribe() (<-chan domain.Alert, func())
	Subscribers() int
}

// TunedChannel is the shared record of the channel the radio sits on.
type TunedChannel interface {
	Set(t domain.Tuning)
	Get() domain.Tuning
}

type channelLister interface {
	SupportedChannels(ctx context.Context, iface string) ([]int, error)
}

// Service implements the operator control operations. Every configuration
// write goes through the config manager, so the running loops pick it up at
// their next check point.
type Service struct {
	cfg     ConfigStore
	store   ports.Store
	iface   ports.InterfaceController
	feed    AlertFeed
	emitter Emitter
	tuned   TunedChannel
	logger  *slog.Logger
	started time.Time
}

// Deps groups the collaborators of a Service. Emitter and Tuned are optional.
type Deps struct {
	Config  ConfigStore
	Store   ports.Store
	Iface   ports.InterfaceController
	Feed    AlertFeed
	Emitter Emitter
	Tuned   TunedChannel
	Logger  *slog.Logger
}

func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     d.Config,
		store:   d.Store,
		iface:   d.Iface,
		feed:    d.Feed,
		emitter: d.Emitter,
		tuned:   d.Tuned,
		logger:  logger.With("component", "control"),
		started: time.Now(),
	}
}

// Config returns the active snapshot.
func (s *Service) Config() *config.Config {
	return s.cfg.Current()
}

// SetInterface persists the capture interface. The capture engine reopens on
// its next flush tick.
func (s *Service) SetInterface(_ context.Context, iface string) error {
	if !domain.IsValidInterface(iface) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidInterfaceName, iface)
	}
	if _, err := s.cfg.Update(func(c *config.Config) { c.Capture.Iface = iface }); err != nil {
		return fmt.Errorf("set interface: %w", err)
	}
	s.logger.Info("capture interface changed", "iface", iface)
	return nil
}

// EnableMonitor switches iface into monitor mode and brings it up.
func (s *Service) EnableMonitor(ctx context.Context, iface string) (domain.InterfaceState, error) {
	if !domain.IsValidInterface(iface) {
		return domain.InterfaceState{}, fmt.Errorf("%w: %q", domain.ErrInvalidInterfaceName, iface)
	}
	if err := s.iface.EnableMonitorMode(ctx, iface); err != nil {
		return domain.InterfaceState{}, err
	}
	s.logger.Info("monitor mode enabled", "iface", iface)
	return s.iface.State(ctx, iface)
}

// CloneMonitor adds a monitor interface name on top of parent. With adopt it
// also becomes the capture interface.
func (s *Service) CloneMonitor(ctx context.Context, parent, name string, adopt bool) (domain.InterfaceState, error) {
	for _, n := range []string{parent, name} {
		if !domain.IsValidInterface(n) {
			return domain.InterfaceState{}, fmt.Errorf("%w: %q", domain.ErrInvalidInterfaceName, n)
		}
	}
	if err := s.iface.AddMonitorInterface(ctx, parent, name); err != nil {
		return domain.InterfaceState{}, err
	}
	s.logger.Info("monitor interface added", "parent", parent, "name", name)
	if adopt {
		if err := s.SetInterface(ctx, name); err != nil {
			return domain.InterfaceState{}, err
		}
	}
	return s.iface.State(ctx, name)
}

// SetChannel locks hopping on ch and tunes the capture interface right away
// instead of waiting for the hopper's next dwell tick.
func (s *Service) SetChannel(ctx context.Context, ch int) error {
	if !domain.IsValidChannel(ch) {
		return fmt.Errorf("%w: %d", domain.ErrInvalidChannel, ch)
	}
	iface := s.cfg.Current().Capture.Iface
	if lister, ok := s.iface.(channelLister); ok {
		supported, err := lister.SupportedChannels(ctx, iface)
		if err != nil {
			s.logger.Debug("supported channels unavailable", "iface", iface, "error", err)
		} else if len(supported) > 0 && !slices.Contains(supported, ch) {
			return fmt.Errorf("%w: %d on %s", ErrUnsupportedChannel, ch, iface)
		}
	}

	cfg, err := s.cfg.Update(func(c *config.Config) {
		c.Capture.Hop.Mode = domain.HopLock
		c.Capture.Hop.LockChannel = ch
	})
	if err != nil {
		return fmt.Errorf("lock channel: %w", err)
	}

	tune := domain.Tune(ch)
	tctx, cancel := context.WithTimeout(ctx, cfg.Capture.SwitchTimeout())
	defer cancel()
	if err := s.iface.SetChannel(tctx, cfg.Capture.Iface, tune); err != nil {
		// The lock is persisted; the hopper keeps trying on its own ticks.
		return fmt.Errorf("tune %s to %d: %w", cfg.Capture.Iface, ch, err)
	}
	if s.tuned != nil {
		s.tuned.Set(tune)
	}
	s.logger.Info("channel locked", "iface", cfg.Capture.Iface, "channel", ch)
	return nil
}

// InterfaceState reports iface, or the capture interface when iface is empty.
func (s *Service) InterfaceState(ctx context.Context, iface string) (domain.InterfaceState, error) {
	if iface == "" {
		iface = s.cfg.Current().Capture.Iface
	}
	if !domain.IsValidInterface(iface) {
		return domain.InterfaceState{}, fmt.Errorf("%w: %q", domain.ErrInvalidInterfaceName, iface)
	}
	return s.iface.State(ctx, iface)
}

func (s *Service) Defense() config.DefenseConfig {
	return s.cfg.Current().Defense
}

// SetDefense replaces the defended network description.
func (s *Service) SetDefense(_ context.Context, d config.DefenseConfig) (config.DefenseConfig, error) {
	cfg, err := s.cfg.Update(func(c *config.Config) { c.Defense = d })
	if err != nil {
		return config.DefenseConfig{}, fmt.Errorf("set defense: %w", err)
	}
	s.logger.Info("defense updated", "ssid", cfg.Defense.SSID, "allowed_bssids", len(cfg.Defense.AllowedBSSIDs))
	return cfg.Defense, nil
}

func (s *Service) DeauthThresholds() config.DeauthThresholds {
	return s.cfg.Current().Thresholds.Deauth
}

func (s *Service) SetDeauthThresholds(_ context.Context, th config.DeauthThresholds) (config.DeauthThresholds, error) {
	cfg, err := s.cfg.Update(func(c *config.Config) { c.Thresholds.Deauth = th })
	if err != nil {
		return config.DeauthThresholds{}, fmt.Errorf("set deauth thresholds: %w", err)
	}
	return cfg.Thresholds.Deauth, nil
}

// SubscribeAlerts returns a live alert stream and its cancel func.
func (s *Service) SubscribeAlerts() (<-chan domain.Alert, func()) {
	return s.feed.Subscribe()
}

func (s *Service) EventsAfter(ctx context.Context, sinceID uint64, limit int) ([]domain.Event, error) {
	return s.store.EventsAfter(ctx, sinceID, limit)
}

func (s *Service) AlertsAfter(ctx context.Context, sinceID uint64, limit int) ([]domain.Alert, error) {
	return s.store.AlertsAfter(ctx, sinceID, limit)
}

func (s *Service) LogsAfter(ctx context.Context, sinceID uint64, limit int) ([]domain.LogLine, error) {
	return s.store.LogsAfter(ctx, sinceID, limit)
}

// Clear empties the named subsets, or all of them when none is given.
func (s *Service) Clear(ctx context.Context, subsets ...ports.Subset) ([]ports.Subset, error) {
	if len(subsets) == 0 {
		subsets = []ports.Subset{ports.SubsetEvents, ports.SubsetAlerts, ports.SubsetLogs}
	}
	if err := s.store.Clear(ctx, subsets...); err != nil {
		return nil, err
	}
	s.logger.Warn("store cleared", "subsets", subsets)
	return subsets, nil
}

func (s *Service) AcknowledgeAlert(ctx context.Context, id uint64) error {
	return s.store.AcknowledgeAlert(ctx, id)
}

// TestAlert raises an info alert through the normal pipeline so notifier
// wiring can be checked end to end. It is never suppressed.
func (s *Service) TestAlert(ctx context.Context) (*domain.Alert, error) {
	if s.emitter == nil {
		return nil, errors.New("alert pipeline not running in this process")
	}
	alert, _, err := s.emitter.Emit(ctx, domain.Finding{
		Kind:     domain.KindTest,
		Severity: domain.SeverityInfo,
		Summary:  "Test alert from PiGuard",
		Subject:  uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// Overview is the dashboard summary.
type Overview struct {
	Counts      ports.Counts           `json:"counts"`
	Iface       string                 `json:"iface"`
	Interface   *domain.InterfaceState `json:"interface,omitempty"`
	HopMode     domain.HopMode         `json:"hop_mode"`
	HopPolicy   string                 `json:"hop_policy"`
	Channel     int                    `json:"channel"`
	Armed       bool                   `json:"armed"`
	SSID        string                 `json:"ssid"`
	Subscribers int                    `json:"subscribers"`
	Uptime      string                 `json:"uptime"`
}

func (s *Service) Overview(ctx context.Context) (Overview, error) {
	cfg := s.cfg.Current()
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return Overview{}, err
	}
	policy := cfg.Capture.HopPolicy()
	ov := Overview{
		Counts:    counts,
		Iface:     cfg.Capture.Iface,
		HopMode:   policy.Mode(),
		HopPolicy: domain.PolicyString(policy),
		Armed:     cfg.Defense.Armed(),
		SSID:      cfg.Defense.SSID,
		Uptime:    time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.feed != nil {
		ov.Subscribers = s.feed.Subscribers()
	}
	if s.tuned != nil {
		ov.Channel = s.tuned.Get().Channel
	}
	if st, err := s.iface.State(ctx, cfg.Capture.Iface); err == nil {
		ov.Interface = &st
		if ov.Channel == 0 {
			ov.Channel = st.Channel
		}
	}
	return ov, nil
}
