package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
	"github.com/mardigiorgio/PiGuard/internal/telemetry"
)

const (
	DefaultCooldownCapacity = 4096
	DefaultNotifyTimeout    = 5 * time.Second
)

// Emitter turns findings into persisted, deduplicated alerts.
//
// A finding is suppressed while its dedupe key is cooling down. Otherwise the
// alert is persisted first and only then handed to the live sink and the
// notifiers. Those handoffs never block Emit and never undo the insert.
type Emitter struct {
	store         ports.AlertWriter
	sink          ports.AlertSink
	notifiers     []ports.AlertNotifier
	notifyTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu          sync.Mutex
	lastFired   *lru.Cache[string, cooling]
	capacity    int
	maxCooldown time.Duration
	lastPrune   time.Time

	wg sync.WaitGroup
}

// cooling is the cooldown state of one dedupe key.
type cooling struct {
	fired time.Time
	until time.Time
}

func (c cooling) same(o cooling) bool {
	return c.fired.Equal(o.fired) && c.until.Equal(o.until)
}

// Option customises an Emitter.
type Option func(*Emitter)

// WithSink sets the live stream sink, usually a Broker.
func WithSink(sink ports.AlertSink) Option {
	return func(e *Emitter) { e.sink = sink }
}

// WithNotifiers adds outbound notifiers.
func WithNotifiers(n ...ports.AlertNotifier) Option {
	return func(e *Emitter) { e.notifiers = append(e.notifiers, n...) }
}

// WithNotifyTimeout bounds each notifier delivery.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Emitter) {
		if d > 0 {
			e.notifyTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// NewEmitter creates an emitter remembering up to capacity dedupe keys.
func NewEmitter(store ports.AlertWriter, capacity int, opts ...Option) (*Emitter, error) {
	if capacity <= 0 {
		capacity = DefaultCooldownCapacity
	}
	cache, err := lru.New[string, cooling](capacity)
	if err != nil {
		return nil, fmt.Errorf("create cooldown cache: %w", err)
	}
	e := &Emitter{
		store:         store,
		notifyTimeout: DefaultNotifyTimeout,
		logger:        slog.Default(),
		now:           time.Now,
		lastFired:     cache,
		capacity:      capacity,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "alerts")
	return e, nil
}

// Emit persists f as an alert unless its key is cooling down. It returns the
// alert and true when one was written.
func (e *Emitter) Emit(ctx context.Context, f domain.Finding) (*domain.Alert, bool, error) {
	key := f.Key()
	alert := &domain.Alert{
		Kind:      f.Kind,
		Severity:  f.Severity,
		Summary:   f.Summary,
		DedupeKey: key,
	}
	if err := alert.Validate(); err != nil {
		return nil, false, fmt.Errorf("finding %s: %w", key, err)
	}

	// The key is reserved under the lock and the insert runs outside it.
	e.mu.Lock()
	now := e.now().UTC()
	prev, had := e.lastFired.Get(key)
	if had && now.Sub(prev.fired) < f.Cooldown {
		e.mu.Unlock()
		telemetry.AlertsSuppressed.WithLabelValues(string(f.Kind)).Inc()
		return nil, false, nil
	}
	mark := cooling{fired: now, until: now.Add(f.Cooldown)}
	if f.Cooldown > e.maxCooldown {
		e.maxCooldown = f.Cooldown
	}
	e.pruneLocked(now, !had && e.lastFired.Len() >= e.capacity)
	e.lastFired.Add(key, mark)
	e.mu.Unlock()

	alert.TS = now
	if err := e.store.AppendAlert(ctx, alert); err != nil {
		// last fired goes back to what it was so the next tick can try again
		e.release(key, mark, prev, had)
		return nil, false, fmt.Errorf("persist alert %s: %w", key, err)
	}

	telemetry.AlertsEmitted.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
	e.dispatch(*alert)
	return alert, true, nil
}

// release undoes the reservation of key unless a later emit replaced it.
func (e *Emitter) release(key string, mark, prev cooling, had bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.lastFired.Peek(key)
	if !ok || !cur.same(mark) {
		return
	}
	if had {
		e.lastFired.Add(key, prev)
	} else {
		e.lastFired.Remove(key)
	}
}

// Wait blocks until in-flight notifier deliveries have finished.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

// Reset forgets every cooldown.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastFired.Purge()
}

func (e *Emitter) dispatch(alert domain.Alert) {
	if e.sink != nil {
		e.sink.Publish(alert)
	}
	for _, n := range e.notifiers {
		e.wg.Add(1)
		go func(n ports.AlertNotifier) {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
			defer cancel()
			if err := n.Notify(ctx, alert); err != nil {
				telemetry.NotifyErrors.WithLabelValues(n.Name()).Inc()
				e.logger.Warn("notify failed", "notifier", n.Name(), "alert_id", alert.ID, "error", err)
			}
		}(n)
	}
}

// pruneLocked drops keys whose cooldown has ended. It runs at most once per
// the largest cooldown seen, or right away when force is set, so a full cache
// sheds expired keys before the LRU evicts ones still cooling down.
func (e *Emitter) pruneLocked(now time.Time, force bool) {
	if !force && (e.maxCooldown <= 0 || now.Sub(e.lastPrune) < e.maxCooldown) {
		return
	}
	e.lastPrune = now
	for _, key := range e.lastFired.Keys() {
		if c, ok := e.lastFired.Peek(key); ok && !now.Before(c.until) {
			e.lastFired.Remove(key)
		}
	}
}
