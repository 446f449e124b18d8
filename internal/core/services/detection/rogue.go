package detection

import (
	"context"
	"fmt"

	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// RogueDetector identifies access points impersonating the defended SSID.
// Each offending BSSID yields its own finding; the first violated check wins.
type RogueDetector struct {
	reader   ports.EventReader
	baseline *Baseline
}

func NewRogueDetector(reader ports.EventReader, baseline *Baseline) *RogueDetector {
	if baseline == nil {
		baseline = NewBaseline(reader)
	}
	return &RogueDetector{reader: reader, baseline: baseline}
}

func (d *RogueDetector) Name() string { return "rogue_ap" }

func (d *RogueDetector) Evaluate(ctx context.Context, in Input) ([]domain.Finding, error) {
	def := in.Config.Defense
	if !def.Armed() {
		return nil, nil
	}

	events, err := d.reader.EventsInWindow(ctx, ports.EventQuery{
		Types: []domain.FrameType{domain.FrameBeacon},
		Since: in.Now.Add(-in.Config.Thresholds.Deauth.Window()),
		Until: in.Now,
		SSID:  def.SSID,
	})
	if err != nil {
		return nil, fmt.Errorf("load beacons: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	checkRSN := in.Config.Capture.ParseRSN
	var base *domain.RSNInfo
	if checkRSN {
		if base, err = d.baseline.Ensure(ctx, def, in.Now, in.Config.Detection.BaselineLookback()); err != nil {
			return nil, err
		}
	}

	cooldown := in.Config.Thresholds.Rogue.Cooldown()
	flagged := make(map[string]bool)
	var findings []domain.Finding
	flag := func(bssid string, sev domain.Severity, summary string) {
		flagged[bssid] = true
		findings = append(findings, domain.Finding{
			Kind:     domain.KindRogueAP,
			Severity: sev,
			Summary:  summary,
			Subject:  bssid,
			Cooldown: cooldown,
		})
	}

	for i := range events {
		ev := &events[i]
		bssid := ev.BSSIDValue()
		if bssid == "" || flagged[bssid] {
			continue
		}
		if v := violation(def, ev); v != "" {
			flag(bssid, domain.SeverityWarn, v)
			continue
		}
		if !checkRSN {
			continue
		}
		if base == nil {
			if d.baseline.Seed(def.SSID, ev.RSN) {
				base = d.baseline.Get(def.SSID)
			}
			continue
		}
		if why := ev.RSN.Downgrade(base); why != "" {
			flag(bssid, domain.SeverityCritical,
				fmt.Sprintf("SSID %s RSN downgrade at %s: %s (baseline %s)", def.SSID, bssid, why, base))
			continue
		}
		if !ev.RSN.Consistent(base) {
			flag(bssid, domain.SeverityWarn,
				fmt.Sprintf("SSID %s RSN mismatch at %s: %s, baseline %s", def.SSID, bssid, ev.RSN, base))
		}
	}
	return findings, nil
}

// violation checks a beacon of the defended SSID against the BSSID, channel
// and band allowlists, in that order. It returns "" when all pass.
func violation(def config.DefenseConfig, ev *domain.Event) string {
	bssid := ev.BSSIDValue()
	if len(def.AllowedBSSIDs) > 0 && !def.BSSIDAllowed(bssid) {
		return fmt.Sprintf("SSID %s from unknown BSSID %s", def.SSID, bssid)
	}
	if !def.ChannelAllowed(ev.Channel) {
		return fmt.Sprintf("SSID %s on unapproved channel %d at %s", def.SSID, ev.Channel, bssid)
	}
	if !def.BandAllowed(ev.Band) {
		return fmt.Sprintf("SSID %s on unapproved band %s at %s", def.SSID, ev.Band, bssid)
	}
	return ""
}
