package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mardigiorgio/PiGuard/internal/adapters/storage"
	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/services/alerting"
)

const (
	apGood  = "aa:aa:aa:aa:aa:01"
	apOther = "aa:aa:aa:aa:aa:02"
	apEvil  = "ee:ee:ee:ee:ee:01"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	wpa3 = &domain.RSNInfo{Version: 1, GroupCipher: "CCMP", PairwiseCiphers: []string{"CCMP"}, AKMSuites: []string{"SAE"}, MFPRequired: true, MFPCapable: true}
	wpa2 = &domain.RSNInfo{Version: 1, GroupCipher: "CCMP", PairwiseCiphers: []string{"CCMP"}, AKMSuites: []string{"PSK"}}
	gcmp = &domain.RSNInfo{Version: 1, GroupCipher: "GCMP-256", PairwiseCiphers: []string{"GCMP-256"}, AKMSuites: []string{"SAE"}, MFPRequired: true, MFPCapable: true}
)

func setupStore(t *testing.T) *storage.SQLiteAdapter {
	t.Helper()
	s, err := storage.NewSQLiteAdapter(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Thresholds.Deauth = config.DeauthThresholds{WindowSec: 10, PerSrcLimit: 30, GlobalLimit: 50, CooldownSec: 60, CriticalMultiple: 2}
	return cfg
}

func armed(cfg *config.Config, ssid string, bssids ...string) *config.Config {
	cfg.Defense.SSID = ssid
	cfg.Defense.AllowedBSSIDs = bssids
	return cfg
}

type beaconOpt func(*domain.Event)

func onChannel(ch int, band domain.Band) beaconOpt {
	return func(e *domain.Event) { e.Channel, e.Band = ch, band }
}

func withRSN(r *domain.RSNInfo) beaconOpt {
	return func(e *domain.Event) { e.RSN = r }
}

func withPower(p int) beaconOpt {
	return func(e *domain.Event) { e.Power = domain.IntPtr(p) }
}

func beacon(ts time.Time, bssid, ssid string, opts ...beaconOpt) domain.Event {
	e := domain.Event{
		TS:        ts,
		FrameType: domain.FrameBeacon,
		SrcMAC:    domain.StrPtr(bssid),
		DstMAC:    domain.StrPtr("ff:ff:ff:ff:ff:ff"),
		BSSID:     domain.StrPtr(bssid),
		SSID:      domain.StrPtr(ssid),
		Channel:   6,
		Band:      domain.Band24,
		Power:     domain.IntPtr(-45),
		RSN:       wpa3,
	}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func deauths(ts time.Time, n int, src, bssid string) []domain.Event {
	out := make([]domain.Event, n)
	for i := range out {
		out[i] = domain.Event{
			TS:        ts.Add(time.Duration(i) * time.Millisecond),
			FrameType: domain.FrameDeauth,
			SrcMAC:    domain.StrPtr(src),
			DstMAC:    domain.StrPtr("ff:ff:ff:ff:ff:ff"),
			BSSID:     domain.StrPtr(bssid),
			Channel:   6,
			Band:      domain.Band24,
		}
	}
	return out
}

func seed(t *testing.T, s *storage.SQLiteAdapter, events ...domain.Event) {
	t.Helper()
	require.NoError(t, s.AppendEvents(context.Background(), events))
}

type recordingSink struct {
	mu       sync.Mutex
	findings []domain.Finding
}

func (r *recordingSink) Emit(_ context.Context, f domain.Finding) (*domain.Alert, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings = append(r.findings, f)
	return &domain.Alert{ID: uint64(len(r.findings)), Kind: f.Kind, Severity: f.Severity, Summary: f.Summary, DedupeKey: f.Key()}, true, nil
}

func TestDeauth_GlobalLimitGatesFiring(t *testing.T) {
	tests := []struct {
		name  string
		count int
		fire  bool
	}{
		{"one below limit", 49, false},
		{"at limit", 50, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t)
			seed(t, store, deauths(now.Add(-5*time.Second), tt.count, "de:ad:00:00:00:01", apGood)...)

			findings, err := NewDeauthDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: testConfig()})
			require.NoError(t, err)
			if !tt.fire {
				assert.Empty(t, findings)
				return
			}
			require.Len(t, findings, 1)
			assert.Equal(t, "deauth_flood:global", findings[0].Key())
			assert.Equal(t, domain.SeverityWarn, findings[0].Severity)
			assert.Equal(t, 60*time.Second, findings[0].Cooldown)
		})
	}
}

func TestDeauth_PerSourceLimitIsAdvisory(t *testing.T) {
	store := setupStore(t)
	// One source far over the per-source limit, global under the limit.
	seed(t, store, deauths(now.Add(-2*time.Second), 45, "de:ad:00:00:00:01", apGood)...)

	findings, err := NewDeauthDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: testConfig()})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDeauth_WindowExcludesOldFrames(t *testing.T) {
	store := setupStore(t)
	seed(t, store, deauths(now.Add(-30*time.Second), 40, "de:ad:00:00:00:01", apGood)...)
	seed(t, store, deauths(now.Add(-3*time.Second), 20, "de:ad:00:00:00:01", apGood)...)

	findings, err := NewDeauthDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: testConfig()})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDeauth_CriticalAtMultiple(t *testing.T) {
	store := setupStore(t)
	seed(t, store, deauths(now.Add(-5*time.Second), 100, "de:ad:00:00:00:01", apGood)...)

	findings, err := NewDeauthDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: testConfig()})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, domain.SeverityCritical, findings[0].Severity)
}

func TestDeauth_ArmedScope(t *testing.T) {
	t.Run("allowlist", func(t *testing.T) {
		store := setupStore(t)
		seed(t, store, deauths(now.Add(-5*time.Second), 60, "de:ad:00:00:00:01", apOther)...)
		cfg := armed(testConfig(), "HomeNet", "AA:AA:AA:AA:AA:01")

		findings, err := NewDeauthDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: cfg})
		require.NoError(t, err)
		assert.Empty(t, findings, "frames for a foreign BSSID are out of scope")

		seed(t, store, deauths(now.Add(-4*time.Second), 50, "de:ad:00:00:00:02", apGood)...)
		findings, err = NewDeauthDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: cfg})
		require.NoError(t, err)
		require.Len(t, findings, 1)
		assert.Equal(t, "deauth_flood:HomeNet", findings[0].Key())
		assert.Contains(t, findings[0].Summary, `"HomeNet"`)
	})

	t.Run("beaconing bssids", func(t *testing.T) {
		store := setupStore(t)
		cfg := armed(testConfig(), "HomeNet")
		seed(t, store, deauths(now.Add(-5*time.Second), 60, "de:ad:00:00:00:01", apGood)...)

		findings, err := NewDeauthDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: cfg})
		require.NoError(t, err)
		assert.Empty(t, findings, "no known BSSID means nothing to count")

		seed(t, store, beacon(now.Add(-time.Minute), apGood, "HomeNet"))
		findings, err = NewDeauthDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: cfg})
		require.NoError(t, err)
		require.Len(t, findings, 1)
	})
}

func TestDeauth_LogsEmptyScopeOncePerInterval(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet")
	seed(t, store, deauths(now.Add(-5*time.Second), 60, "de:ad:00:00:00:01", apGood)...)

	var buf bytes.Buffer
	d := NewDeauthDetector(store, slog.New(slog.NewTextHandler(&buf, nil)))
	for i := 0; i < 3; i++ {
		findings, err := d.Evaluate(context.Background(), Input{Now: now, Config: cfg})
		require.NoError(t, err)
		assert.Empty(t, findings)
	}

	assert.Equal(t, 1, strings.Count(buf.String(), "deauth scope empty, defended SSID not yet seen"))
	assert.Contains(t, buf.String(), "ssid=HomeNet")
}

func TestDeauth_FloodFromThreeSourcesRaisesOneAlert(t *testing.T) {
	store := setupStore(t)
	cfg := testConfig()
	clock := now
	tick := func() time.Time { return clock }

	emitter, err := alerting.NewEmitter(store, 64, alerting.WithClock(tick))
	require.NoError(t, err)
	engine := NewEngine(config.Static{Cfg: cfg}, store, emitter, nil).WithClock(tick)

	seed(t, store, deauths(now.Add(-9*time.Second), 30, "de:ad:00:00:00:01", apGood)...)
	seed(t, store, deauths(now.Add(-8*time.Second), 20, "de:ad:00:00:00:02", apGood)...)
	seed(t, store, deauths(now.Add(-7*time.Second), 10, "de:ad:00:00:00:03", apGood)...)

	res := engine.Tick(context.Background())
	assert.Equal(t, 1, res.Emitted)
	assert.Zero(t, res.Errors)

	// The flood continues for the rest of the cooldown.
	for i := 1; i <= 5; i++ {
		clock = now.Add(time.Duration(i) * 10 * time.Second)
		seed(t, store, deauths(clock.Add(-5*time.Second), 60, "de:ad:00:00:00:01", apGood)...)
		res = engine.Tick(context.Background())
		assert.Zero(t, res.Emitted, "tick at +%ds", i*10)
	}

	alerts, err := store.AlertsAfter(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.KindDeauthFlood, alerts[0].Kind)
	assert.Equal(t, "deauth_flood:global", alerts[0].DedupeKey)
	assert.Contains(t, alerts[0].Summary, "total=60")
	assert.Contains(t, alerts[0].Summary, "loudest=de:ad:00:00:00:01 (30)")
	assert.Contains(t, alerts[0].Summary, "offenders=1")

	clock = now.Add(61 * time.Second)
	seed(t, store, deauths(clock.Add(-5*time.Second), 60, "de:ad:00:00:00:01", apGood)...)
	res = engine.Tick(context.Background())
	assert.Equal(t, 1, res.Emitted)
}

func TestRogue_AllowlistViolations(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet", apGood, apOther)
	cfg.Defense.AllowedChannels = []int{1, 6, 11}
	cfg.Defense.AllowedBands = []string{"2.4"}

	seed(t, store,
		beacon(now.Add(-5*time.Second), apGood, "HomeNet"),
		beacon(now.Add(-4*time.Second), apEvil, "HomeNet"),
		beacon(now.Add(-4*time.Second), apEvil, "HomeNet"),
		beacon(now.Add(-3*time.Second), apOther, "HomeNet", onChannel(36, domain.Band5)),
		beacon(now.Add(-2*time.Second), apEvil, "CoffeeShop"),
	)

	findings, err := NewRogueDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, "rogue_ap:"+apEvil, findings[0].Key())
	assert.Equal(t, "SSID HomeNet from unknown BSSID "+apEvil, findings[0].Summary)
	assert.Equal(t, domain.SeverityWarn, findings[0].Severity)

	assert.Equal(t, "rogue_ap:"+apOther, findings[1].Key())
	assert.Contains(t, findings[1].Summary, "unapproved channel 36")
}

func TestRogue_AllowedTrafficIsQuiet(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet", apGood)
	for i := 0; i < 10; i++ {
		seed(t, store, beacon(now.Add(-time.Duration(i)*time.Second), apGood, "HomeNet"))
	}

	findings, err := NewRogueDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestRogue_BandViolation(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet")
	cfg.Defense.AllowedBands = []string{"5"}
	seed(t, store, beacon(now.Add(-time.Second), apGood, "HomeNet"))

	findings, err := NewRogueDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Summary, "unapproved band 2.4")
}

func TestRogue_RSNDowngradeIsCritical(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet")
	seed(t, store,
		beacon(now.Add(-2*time.Minute), apGood, "HomeNet", withRSN(wpa3)),
		beacon(now.Add(-3*time.Second), apGood, "HomeNet", withRSN(wpa3)),
		beacon(now.Add(-2*time.Second), apEvil, "HomeNet", withRSN(wpa2)),
	)

	baseline := NewBaseline(store)
	findings, err := NewRogueDetector(store, baseline).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "rogue_ap:"+apEvil, findings[0].Key())
	assert.Equal(t, domain.SeverityCritical, findings[0].Severity)
	assert.Contains(t, findings[0].Summary, "SAE removed")
	assert.Equal(t, wpa3.AKMs(), baseline.Get("HomeNet").AKMs())
}

func TestRogue_RSNMismatchIsWarn(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet")
	seed(t, store,
		beacon(now.Add(-3*time.Second), apGood, "HomeNet", withRSN(wpa3)),
		beacon(now.Add(-2*time.Second), apOther, "HomeNet", withRSN(gcmp)),
	)

	findings, err := NewRogueDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, domain.SeverityWarn, findings[0].Severity)
	assert.Contains(t, findings[0].Summary, "RSN mismatch at "+apOther)
}

func TestRogue_OnlyAllowedBSSIDsSeedBaseline(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet", apGood)
	seed(t, store,
		beacon(now.Add(-5*time.Second), apEvil, "HomeNet", withRSN(wpa2)),
		beacon(now.Add(-4*time.Second), apGood, "HomeNet", withRSN(wpa3)),
	)

	baseline := NewBaseline(store)
	_, err := NewRogueDetector(store, baseline).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, []string{"SAE"}, baseline.Get("HomeNet").AKMs())
}

func TestRogue_SkipsRSNWhenParsingDisabled(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet")
	cfg.Capture.ParseRSN = false
	seed(t, store,
		beacon(now.Add(-3*time.Second), apGood, "HomeNet", withRSN(nil)),
		beacon(now.Add(-2*time.Second), apOther, "HomeNet", withRSN(nil)),
	)

	findings, err := NewRogueDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestRogue_UnarmedDoesNothing(t *testing.T) {
	store := setupStore(t)
	seed(t, store, beacon(now.Add(-time.Second), apEvil, "HomeNet"))

	findings, err := NewRogueDetector(store, nil).Evaluate(context.Background(), Input{Now: now, Config: testConfig()})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestPower_VarianceAboveThresholdFires(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet")
	for i := 0; i < 20; i++ {
		p := -30
		if i%2 == 1 {
			p = -70
		}
		seed(t, store, beacon(now.Add(-time.Duration(20-i)*time.Second), apGood, "HomeNet", withPower(p)))
		seed(t, store, beacon(now.Add(-time.Duration(20-i)*time.Second), apOther, "HomeNet", withPower(-50+i%2)))
	}

	findings, err := NewPowerDetector(store).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "power_anomaly:"+apGood, findings[0].Key())
	assert.Contains(t, findings[0].Summary, "400.0 > 150.0")
	assert.Equal(t, 60*time.Second, findings[0].Cooldown)
}

func TestPower_SkipsRogueAndSparseBSSIDs(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "HomeNet", apGood)
	for i := 0; i < 10; i++ {
		p := -30
		if i%2 == 1 {
			p = -80
		}
		seed(t, store, beacon(now.Add(-time.Duration(10-i)*time.Second), apEvil, "HomeNet", withPower(p)))
	}
	seed(t, store, beacon(now.Add(-time.Second), apGood, "HomeNet", withPower(-20)))

	findings, err := NewPowerDetector(store).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestPower_SkipsBSSIDFlaggedForRSNDowngrade(t *testing.T) {
	store := setupStore(t)
	cfg := armed(testConfig(), "Home", apGood)
	seed(t, store, beacon(now.Add(-5*time.Minute), apGood, "Home", withRSN(wpa3)))
	for i := 0; i < 10; i++ {
		p := -40
		if i%2 == 1 {
			p = -85
		}
		seed(t, store, beacon(now.Add(-time.Duration(10-i)*900*time.Millisecond), apGood, "Home", withRSN(wpa2), withPower(p)))
	}

	// On its own the power detector sees a wildly swinging allowed BSSID.
	alone, err := NewPowerDetector(store).Evaluate(context.Background(), Input{Now: now, Config: cfg})
	require.NoError(t, err)
	require.Len(t, alone, 1)

	sink := &recordingSink{}
	engine := NewEngine(config.Static{Cfg: cfg}, store, sink, nil).WithClock(func() time.Time { return now })
	res := engine.Tick(context.Background())
	assert.Zero(t, res.Errors)

	require.Len(t, sink.findings, 1)
	assert.Equal(t, "rogue_ap:"+apGood, sink.findings[0].Key())
	assert.Equal(t, domain.SeverityCritical, sink.findings[0].Severity)
	assert.Contains(t, sink.findings[0].Summary, "SAE removed")
}

func TestVariance(t *testing.T) {
	mean, v := Variance([]int{1, 2, 3, 4})
	assert.InDelta(t, 2.5, mean, 1e-9)
	assert.InDelta(t, 1.25, v, 1e-9)

	_, v = Variance([]int{-40})
	assert.Zero(t, v)

	mean, v = Variance(nil)
	assert.Zero(t, mean)
	assert.Zero(t, v)

	// Large offsets do not lose precision.
	_, v = Variance([]int{-90, -30, -90, -30})
	assert.InDelta(t, 900, v, 1e-9)
}

type stubDetector struct {
	name     string
	findings []domain.Finding
	err      error
	panics   bool
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Evaluate(context.Context, Input) ([]domain.Finding, error) {
	if s.panics {
		panic("boom")
	}
	return s.findings, s.err
}

func TestEngine_DetectorErrorsAreIsolated(t *testing.T) {
	store := setupStore(t)
	sink := &recordingSink{}
	engine := NewEngine(config.Static{Cfg: testConfig()}, store, sink, nil).WithClock(func() time.Time { return now })
	engine.detectors = []Detector{
		&stubDetector{name: "broken", err: errors.New("store unavailable")},
		&stubDetector{name: "panicky", panics: true},
		&stubDetector{name: "healthy", findings: []domain.Finding{{
			Kind: domain.KindRogueAP, Severity: domain.SeverityWarn, Summary: "SSID HomeNet from unknown BSSID " + apEvil, Subject: apEvil,
		}}},
	}

	res := engine.Tick(context.Background())
	assert.Equal(t, 2, res.Errors)
	assert.Equal(t, 1, res.Emitted)
	require.Len(t, sink.findings, 1)
	assert.Equal(t, "rogue_ap:"+apEvil, sink.findings[0].Key())
}

func TestRunDetector_WrapsErrors(t *testing.T) {
	cause := errors.New("locked")
	_, err := runDetector(context.Background(), &stubDetector{name: "deauth_flood", err: cause}, Input{})
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "deauth_flood: locked", err.Error())

	_, err = runDetector(context.Background(), &stubDetector{name: "x", panics: true}, Input{})
	require.Error(t, err)
	assert.Equal(t, fmt.Sprintf("x: panic: %v", "boom"), err.Error())
}

func TestEngine_ServeStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.TickSec = 1
	engine := NewEngine(config.Static{Cfg: cfg}, setupStore(t), &recordingSink{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
