package detection

import (
	"context"
	"fmt"
	"slices"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// PowerDetector watches the signal strength of legitimate access points of
// the defended SSID. A spoofer transmitting under a known BSSID from another
// position makes the readings jump between two levels.
type PowerDetector struct {
	reader ports.EventReader
}

func NewPowerDetector(reader ports.EventReader) *PowerDetector {
	return &PowerDetector{reader: reader}
}

func (d *PowerDetector) Name() string { return "power_anomaly" }

func (d *PowerDetector) Evaluate(ctx context.Context, in Input) ([]domain.Finding, error) {
	def := in.Config.Defense
	if !def.Armed() {
		return nil, nil
	}
	th := in.Config.Thresholds.Rogue

	candidates, err := d.candidates(ctx, in)
	if err != nil {
		return nil, err
	}

	since := in.Now.Add(-in.Config.Detection.BaselineLookback())
	var findings []domain.Finding
	for _, bssid := range candidates {
		samples, err := d.reader.PowerSamples(ctx, bssid, since, th.PwrWindow)
		if err != nil {
			return findings, fmt.Errorf("power samples for %s: %w", bssid, err)
		}
		if len(samples) < 2 {
			continue
		}
		mean, v := Variance(samples)
		if v <= th.PwrVarThreshold {
			continue
		}
		findings = append(findings, domain.Finding{
			Kind:     domain.KindPowerAnomaly,
			Severity: domain.SeverityWarn,
			Summary: fmt.Sprintf("SSID %s power variance at %s: %.1f > %.1f over %d samples (mean %.1f dBm)",
				def.SSID, bssid, v, th.PwrVarThreshold, len(samples), mean),
			Subject:  bssid,
			Cooldown: th.PwrCooldown(),
		})
	}
	return findings, nil
}

// candidates returns, sorted, the BSSIDs that beaconed the defended SSID in
// the baseline lookback without ever violating an allowlist and that no
// rogue finding named earlier in the tick.
func (d *PowerDetector) candidates(ctx context.Context, in Input) ([]string, error) {
	def := in.Config.Defense
	events, err := d.reader.EventsInWindow(ctx, ports.EventQuery{
		Types: []domain.FrameType{domain.FrameBeacon},
		Since: in.Now.Add(-in.Config.Detection.BaselineLookback()),
		Until: in.Now,
		SSID:  def.SSID,
	})
	if err != nil {
		return nil, fmt.Errorf("load beacons: %w", err)
	}

	legit := make(map[string]bool)
	for i := range events {
		bssid := events[i].BSSIDValue()
		if bssid == "" || in.Rogue[bssid] {
			continue
		}
		ok, seen := legit[bssid]
		if seen && !ok {
			continue
		}
		legit[bssid] = violation(def, &events[i]) == ""
	}

	out := make([]string, 0, len(legit))
	for bssid, ok := range legit {
		if ok {
			out = append(out, bssid)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Variance returns the mean and population variance of samples, computed in
// one pass with Welford's method.
func Variance(samples []int) (mean, variance float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var m2 float64
	for i, s := range samples {
		x := float64(s)
		delta := x - mean
		mean += delta / float64(i+1)
		m2 += delta * (x - mean)
	}
	return mean, m2 / float64(len(samples))
}
