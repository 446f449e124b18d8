package detection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
	"github.com/mardigiorgio/PiGuard/internal/telemetry"
)

// Detector defines the interface for detection modules run on every tick.
type Detector interface {
	Name() string
	Evaluate(ctx context.Context, in Input) ([]domain.Finding, error)
}

// Input is what a detector sees on one tick. All detectors of a tick share
// the same snapshot and clock reading.
type Input struct {
	Now    time.Time
	Config *config.Config

	// Rogue holds the BSSIDs flagged by rogue AP findings earlier in the
	// same tick. Nil outside Engine.Tick.
	Rogue map[string]bool
}

// FindingSink turns findings into alerts. The alerting emitter implements it.
type FindingSink interface {
	Emit(ctx context.Context, f domain.Finding) (*domain.Alert, bool, error)
}

// TickResult summarises one tick.
type TickResult struct {
	Findings int
	Emitted  int
	Errors   int
}

// Engine runs the registered detectors on a fixed tick.
type Engine struct {
	source    config.Source
	sink      FindingSink
	detectors []Detector
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an engine with the deauth, rogue AP and power variance
// detectors registered.
func NewEngine(source config.Source, reader ports.EventReader, sink FindingSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	baseline := NewBaseline(reader)
	e := &Engine{
		source: source,
		sink:   sink,
		logger: logger.With("component", "detection"),
		now:    time.Now,
	}
	// Rogue runs before power so power skips BSSIDs flagged in the same tick.
	e.detectors = []Detector{
		NewDeauthDetector(reader, e.logger),
		NewRogueDetector(reader, baseline),
		NewPowerDetector(reader),
	}
	return e
}

// AddDetector registers another detector. Not safe once Serve has started.
func (e *Engine) AddDetector(d Detector) {
	e.detectors = append(e.detectors, d)
}

// WithClock replaces the engine clock. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) String() string { return "detection-engine" }

// Serve ticks until ctx is cancelled. The tick interval is re-read from the
// snapshot after every tick.
func (e *Engine) Serve(ctx context.Context) error {
	interval := e.source.Current().Detection.Tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("detection started", "tick", interval, "detectors", len(e.detectors))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("detection stopped")
			return ctx.Err()
		case <-ticker.C:
			// An in-flight tick runs to completion even if ctx is cancelled meanwhile.
			tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*interval)
			e.Tick(tickCtx)
			cancel()

			if next := e.source.Current().Detection.Tick(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Tick evaluates every detector once. A failing detector is logged and
// skipped; it never stops the others.
func (e *Engine) Tick(ctx context.Context) TickResult {
	ctx, span := telemetry.Tracer().Start(ctx, "detection.tick")
	defer span.End()

	in := Input{Now: e.now().UTC(), Config: e.source.Current(), Rogue: make(map[string]bool)}
	var res TickResult
	for _, d := range e.detectors {
		findings, err := runDetector(ctx, d, in)
		if err != nil {
			res.Errors++
			telemetry.DetectorErrors.WithLabelValues(d.Name()).Inc()
			span.RecordError(err)
			e.logger.Error("detector failed", "detector", d.Name(), "error", err)
			continue
		}
		res.Findings += len(findings)
		for _, f := range findings {
			if f.Kind == domain.KindRogueAP {
				in.Rogue[f.Subject] = true
			}
			alert, emitted, err := e.sink.Emit(ctx, f)
			if err != nil {
				e.logger.Error("emit alert failed", "kind", f.Kind, "key", f.Key(), "error", err)
				continue
			}
			if emitted {
				res.Emitted++
				e.logger.Info("alert raised", "id", alert.ID, "kind", alert.Kind, "severity", alert.Severity, "summary", alert.Summary)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("findings", res.Findings),
		attribute.Int("emitted", res.Emitted),
	)
	if res.Errors > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d detector errors", res.Errors))
	}
	return res
}

func runDetector(ctx context.Context, d Detector, in Input) (findings []domain.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = fmt.Errorf("%s: panic: %v", d.Name(), r)
		}
	}()
	findings, err = d.Evaluate(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name(), err)
	}
	return findings, nil
}
