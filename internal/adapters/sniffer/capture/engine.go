package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gopacket"
	"github.com/mardigiorgio/PiGuard/internal/adapters/sniffer/hopping"
	"github.com/mardigiorgio/PiGuard/internal/adapters/sniffer/parser"
	"github.com/mardigiorgio/PiGuard/internal/adapters/storage"
	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
	"github.com/mardigiorgio/PiGuard/internal/telemetry"
)

// ErrNoInterface is returned when the capture interface could not be opened
// within capture.max_open_retries attempts.
var ErrNoInterface = errors.New("capture interface unavailable")

var (
	errIfaceChanged = errors.New("capture interface changed")
	errStreamClosed = errors.New("packet stream closed")
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	storeRetries          = 3
	shutdownFlushTimeout  = 5 * time.Second
)

// Engine reads management frames from the monitor interface, parses them
// and appends them to the store in batches.
type Engine struct {
	source config.Source
	opener SourceOpener
	store  ports.EventWriter
	tuned  *hopping.Tuned
	logger *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithBackoff overrides the reopen backoff bounds.
func WithBackoff(initial, ceiling time.Duration) Option {
	return func(e *Engine) {
		e.initialBackoff = initial
		e.maxBackoff = ceiling
	}
}

// WithClock overrides the timestamp source for packets without metadata.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a capture engine. tuned is the hopper's current channel.
func NewEngine(source config.Source, opener SourceOpener, store ports.EventWriter, tuned *hopping.Tuned, logger *slog.Logger, opts ...Option) *Engine {
	if opener == nil {
		opener = PcapOpener{}
	}
	if tuned == nil {
		tuned = &hopping.Tuned{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		source:         source,
		opener:         opener,
		store:          store,
		tuned:          tuned,
		logger:         logger.With("component", "capture"),
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// String names the service for the supervisor.
func (e *Engine) String() string { return "capture-engine" }

// Serve opens the interface and captures until ctx is cancelled. Open
// failures and closed streams are retried with exponential backoff. It
// returns ErrNoInterface once max_open_retries consecutive opens failed.
func (e *Engine) Serve(ctx context.Context) error {
	delay := e.initialBackoff
	attempts := 0

	for {
		cfg := e.source.Current()
		iface := cfg.Capture.Iface

		src, err := e.opener.Open(iface)
		if err != nil {
			attempts++
			telemetry.CaptureOpenErrors.WithLabelValues(iface).Inc()
			e.logger.Warn("failed to open capture interface",
				"interface", iface, "attempt", attempts, "retry_in", delay, "error", err)
			if limit := cfg.Capture.MaxOpenRetries; limit > 0 && attempts >= limit {
				return fmt.Errorf("%w: %s after %d attempts: %v", ErrNoInterface, iface, attempts, err)
			}
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay = min(delay*2, e.maxBackoff)
			continue
		}

		e.logger.Info("capture started", "interface", iface, "filter", BPFFilter)
		attempts = 0
		delay = e.initialBackoff

		err = e.capture(ctx, src, iface)
		src.Close()

		switch {
		case ctx.Err() != nil:
			e.logger.Info("capture stopped", "interface", iface)
			return ctx.Err()
		case errors.Is(err, errIfaceChanged):
			e.logger.Info("capture interface changed, reopening",
				"from", iface, "to", e.source.Current().Capture.Iface)
		default:
			e.logger.Warn("packet stream closed, reopening", "interface", iface, "retry_in", delay)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			delay = min(delay*2, e.maxBackoff)
		}
	}
}

// capture runs the batch loop over one open source.
func (e *Engine) capture(ctx context.Context, src PacketSource, iface string) error {
	cfg := e.source.Current()
	batchSize := cfg.Capture.BatchSize
	interval := cfg.Capture.FlushInterval()
	parseRSN := cfg.Capture.ParseRSN

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]domain.Event, 0, batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		e.flush(ctx, iface, batch)
		batch = make([]domain.Event, 0, batchSize)
	}

	packets := src.Packets()
	for {
		select {
		case <-ctx.Done():
			// Flush the in-flight batch before exit
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			flush(flushCtx)
			cancel()
			return ctx.Err()

		case packet, ok := <-packets:
			if !ok {
				flush(ctx)
				return errStreamClosed
			}
			ev, ok := e.parse(packet, iface, parseRSN)
			if !ok {
				continue
			}
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)

			// Batch boundary: pick up the latest snapshot
			next := e.source.Current()
			if next.Capture.Iface != iface {
				return errIfaceChanged
			}
			batchSize = next.Capture.BatchSize
			parseRSN = next.Capture.ParseRSN
			if d := next.Capture.FlushInterval(); d != interval && d > 0 {
				interval = d
				ticker.Reset(interval)
			}
		}
	}
}

func (e *Engine) parse(packet gopacket.Packet, iface string, parseRSN bool) (domain.Event, bool) {
	telemetry.FramesCaptured.WithLabelValues(iface).Inc()

	tuned := e.tuned.Get()
	ev, err := parser.Parse(packet, parser.Options{
		TunedChannel: tuned.Channel,
		TunedBand:    tuned.Band,
		ParseRSN:     parseRSN,
		Now:          e.now,
	})
	if err == nil {
		err = ev.Validate()
	}
	if err != nil {
		telemetry.FramesDropped.WithLabelValues(iface, parser.Reason(err)).Inc()
		e.logger.Debug("frame skipped", "interface", iface, "error", err)
		return domain.Event{}, false
	}
	return ev, true
}

// flush writes one batch, retrying transient store errors briefly. A batch
// that still cannot be written is dropped and logged.
func (e *Engine) flush(ctx context.Context, iface string, batch []domain.Event) {
	var err error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= storeRetries; attempt++ {
		if err = e.store.AppendEvents(ctx, batch); err == nil {
			for _, ev := range batch {
				telemetry.EventsStored.WithLabelValues(string(ev.FrameType)).Inc()
			}
			return
		}
		if !storage.IsTransient(err) || attempt == storeRetries {
			break
		}
		e.logger.Warn("store busy, retrying batch", "attempt", attempt, "events", len(batch), "error", err)
		if sleep(ctx, backoff) != nil {
			break
		}
		backoff *= 2
	}
	telemetry.FramesDropped.WithLabelValues(iface, "store").Add(float64(len(batch)))
	e.logger.Error("failed to store capture batch", "events", len(batch), "error", err)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
