package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/telemetry"
)

// Source hands out the current snapshot. Readers call Current at their own
// check points (a dwell tick, a detection tick, a batch boundary).
type Source interface {
	Current() *Config
}

// Static is a Source that never changes.
type Static struct {
	Cfg *Config
}

func (s Static) Current() *Config { return s.Cfg }

// Manager owns the config file. It polls the file's modification time,
// validates new content and swaps the snapshot atomically. A document that
// fails validation is rejected and the last good snapshot stays in force.
type Manager struct {
	path    string
	overlay func(*Config)
	logger  *slog.Logger

	current atomic.Pointer[Config]
	raw     atomic.Pointer[Config] // last good document as written on disk, without overlay

	mu       sync.Mutex
	modTime  time.Time
	rejected time.Time
	subs     map[int]chan *Config
	nextSub  int
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithOverlay applies process overrides (flags, env) to every snapshot.
func WithOverlay(fn func(*Config)) ManagerOption {
	return func(m *Manager) { m.overlay = fn }
}

// WithLogger sets the logger used for reload decisions.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager loads path. The first load must succeed: there is no last good
// snapshot to fall back on yet.
func NewManager(path string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: slog.Default(),
		subs:   make(map[int]chan *Config),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "config")

	raw, err := Load(path)
	if err != nil {
		return nil, err
	}
	eff, err := m.effective(raw)
	if err != nil {
		return nil, err
	}
	m.raw.Store(raw)
	m.current.Store(eff)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// Current returns the active snapshot.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Path returns the watched file.
func (m *Manager) Path() string {
	return m.path
}

// Subscribe returns a channel that receives each newly published snapshot.
// Delivery is latest-wins: a slow subscriber only sees the newest snapshot.
func (m *Manager) Subscribe() (<-chan *Config, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan *Config, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// NeedsReload reports whether the file's modification marker moved since the
// last load or rejection.
func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := info.ModTime()
	return !mt.Equal(m.modTime) && !mt.Equal(m.rejected), nil
}

// Reload reads the file now. On failure the previous snapshot is kept and the
// error is returned wrapped in ErrInvalid when the content was at fault.
func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var mt time.Time
	if info, err := os.Stat(m.path); err == nil {
		mt = info.ModTime()
	}

	raw, err := Load(m.path)
	if err == nil {
		var eff *Config
		if eff, err = m.effective(raw); err == nil {
			m.modTime = mt
			m.rejected = time.Time{}
			m.raw.Store(raw)
			m.publishLocked(eff)
			telemetry.ConfigReloads.WithLabelValues("applied").Inc()
			m.logger.Info("config reloaded", "path", m.path, "hop", eff.Capture.Hop.Mode, "armed", eff.Defense.Armed())
			return eff, nil
		}
	}

	m.rejected = mt
	telemetry.ConfigReloads.WithLabelValues("rejected").Inc()
	m.logger.Warn("config rejected, keeping last good snapshot", "path", m.path, "error", err)
	return nil, err
}

// Update applies mutate to a copy of the on-disk document, validates it,
// writes it back and publishes it. Nothing changes if validation fails.
func (m *Manager) Update(mutate func(*Config)) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.raw.Load().Clone()
	mutate(next)
	applyDefaults(next)
	if err := Validate(next); err != nil {
		return nil, err
	}
	eff, err := m.effective(next)
	if err != nil {
		return nil, err
	}
	if err := Save(m.path, next); err != nil {
		return nil, err
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	m.raw.Store(next)
	m.publishLocked(eff)
	telemetry.ConfigReloads.WithLabelValues("updated").Inc()
	return eff, nil
}

// Watch polls until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastStatErr string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if msg := err.Error(); msg != lastStatErr {
					m.logger.Warn("config file unavailable, keeping last good snapshot", "path", m.path, "error", err)
					lastStatErr = msg
				}
				continue
			}
			lastStatErr = ""
			if needs {
				_, _ = m.Reload()
			}
		}
	}
}

func (m *Manager) effective(raw *Config) (*Config, error) {
	eff := raw.Clone()
	if m.overlay != nil {
		m.overlay(eff)
		if err := Validate(eff); err != nil {
			return nil, fmt.Errorf("after overrides: %w", err)
		}
	}
	return eff, nil
}

func (m *Manager) publishLocked(cfg *Config) {
	m.current.Store(cfg)
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// IsRejected reports whether err came from invalid content rather than I/O.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalid)
}
