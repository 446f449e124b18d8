package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// LineWriter persists log lines. The event store implements it.
type LineWriter interface {
	AppendLogs(ctx context.Context, lines []domain.LogLine) error
}

// Lines is a bounded queue of log records waiting to be persisted. Enqueue
// never blocks; when the queue is full the line is counted and dropped.
type Lines struct {
	ch      chan domain.LogLine
	dropped atomic.Uint64
}

// NewLines creates a queue holding up to size records.
func NewLines(size int) *Lines {
	if size <= 0 {
		size = 1024
	}
	return &Lines{ch: make(chan domain.LogLine, size)}
}

// Enqueue adds a line without blocking.
func (l *Lines) Enqueue(line domain.LogLine) {
	select {
	case l.ch <- line:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many lines were discarded because the queue was full.
func (l *Lines) Dropped() uint64 {
	return l.dropped.Load()
}

// Drain writes queued lines to w in batches until ctx is cancelled, then
// flushes what is left. Failures go to fallback, which must not feed l.
func (l *Lines) Drain(ctx context.Context, w LineWriter, interval time.Duration, fallback *slog.Logger) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]domain.LogLine, 0, 64)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.AppendLogs(ctx, batch); err != nil {
			fallback.Warn("persist log lines failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case line := <-l.ch:
					batch = append(batch, line)
				default:
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					flush(flushCtx)
					cancel()
					return ctx.Err()
				}
			}
		case line := <-l.ch:
			batch = append(batch, line)
			if len(batch) >= cap(batch) {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// teeHandler forwards every record to next and copies records at or above
// min into the line queue.
type teeHandler struct {
	next   slog.Handler
	lines  *Lines
	min    slog.Level
	attrs  []slog.Attr
	source string
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= h.min
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if r.Level < h.min {
		return err
	}

	source := h.source
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) {
		if a.Key == "component" {
			source = a.Value.String()
			return
		}
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	for _, a := range h.attrs {
		if a.Key != "component" {
			write(a)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	h.lines.Enqueue(domain.LogLine{
		TS:      ts.UTC(),
		Level:   strings.ToLower(r.Level.String()),
		Source:  source,
		Message: b.String(),
	})
	return err
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	for _, a := range attrs {
		if a.Key == "component" {
			clone.source = a.Value.String()
		}
	}
	return &clone
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.next = h.next.WithGroup(name)
	return &clone
}
