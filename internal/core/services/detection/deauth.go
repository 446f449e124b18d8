package detection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// SubjectGlobal is the deauth dedupe subject used while no SSID is defended.
const SubjectGlobal = "global"

// DeauthDetector flags deauthentication and disassociation bursts.
//
// Only the global count in the window gates firing. The per-source limit is
// reported in the summary but never fires on its own.
type DeauthDetector struct {
	reader ports.EventReader
	logger *slog.Logger
	unseen rate.Sometimes
}

func NewDeauthDetector(reader ports.EventReader, logger *slog.Logger) *DeauthDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeauthDetector{
		reader: reader,
		logger: logger,
		unseen: rate.Sometimes{Interval: time.Minute},
	}
}

func (d *DeauthDetector) Name() string { return "deauth_flood" }

func (d *DeauthDetector) Evaluate(ctx context.Context, in Input) ([]domain.Finding, error) {
	th := in.Config.Thresholds.Deauth
	def := in.Config.Defense

	q := ports.DeauthQuery{Since: in.Now.Add(-th.Window()), Until: in.Now}
	subject := SubjectGlobal
	if def.Armed() {
		subject = def.SSID
		scope, err := d.scope(ctx, in)
		if err != nil {
			return nil, err
		}
		if len(scope) == 0 {
			d.unseen.Do(func() {
				d.logger.Info("deauth scope empty, defended SSID not yet seen", "ssid", def.SSID)
			})
			return nil, nil
		}
		q.Scope = scope
	}

	counts, err := d.reader.DeauthCounts(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("count deauths: %w", err)
	}
	if counts.Total < th.GlobalLimit {
		return nil, nil
	}

	severity := domain.SeverityWarn
	if float64(counts.Total) >= float64(th.GlobalLimit)*th.CriticalMultiple {
		severity = domain.SeverityCritical
	}

	loudest, n := counts.Loudest()
	target := ""
	if def.Armed() {
		target = fmt.Sprintf(" on %q", def.SSID)
	}
	summary := fmt.Sprintf("Deauth burst%s: total=%d in %ds (limit %d), loudest=%s (%d), offenders=%d at or above %d/src",
		target, counts.Total, th.WindowSec, th.GlobalLimit, loudest, n, counts.AtOrAbove(th.PerSrcLimit), th.PerSrcLimit)

	return []domain.Finding{{
		Kind:     domain.KindDeauthFlood,
		Severity: severity,
		Summary:  summary,
		Subject:  subject,
		Cooldown: th.Cooldown(),
	}}, nil
}

// scope lists the addresses of the defended network: the BSSID allowlist,
// or failing that every BSSID seen beaconing the SSID in the lookback.
func (d *DeauthDetector) scope(ctx context.Context, in Input) ([]string, error) {
	def := in.Config.Defense
	if len(def.AllowedBSSIDs) > 0 {
		out := make([]string, 0, len(def.AllowedBSSIDs))
		for _, b := range def.AllowedBSSIDs {
			out = append(out, domain.NormalizeMAC(b))
		}
		return out, nil
	}
	since := in.Now.Add(-in.Config.Detection.BaselineLookback())
	bssids, err := d.reader.BeaconBSSIDs(ctx, def.SSID, since)
	if err != nil {
		return nil, fmt.Errorf("list defended bssids: %w", err)
	}
	return bssids, nil
}
