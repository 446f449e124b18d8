package storage

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// setupInMemoryDB creates a new SQLiteAdapter used for testing
func setupInMemoryDB(t *testing.T) *SQLiteAdapter {
	t.Helper()
	adapter, err := NewSQLiteAdapter(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func beacon(ts time.Time, bssid, ssid string, power int) domain.Event {
	return domain.Event{
		TS:        ts,
		FrameType: domain.FrameBeacon,
		SrcMAC:    domain.StrPtr(bssid),
		BSSID:     domain.StrPtr(bssid),
		SSID:      domain.StrPtr(ssid),
		Channel:   6,
		Band:      domain.Band24,
		Power:     domain.IntPtr(power),
	}
}

func deauth(ts time.Time, src, dst, bssid string) domain.Event {
	return domain.Event{
		TS:        ts,
		FrameType: domain.FrameDeauth,
		SrcMAC:    domain.StrPtr(src),
		DstMAC:    domain.StrPtr(dst),
		BSSID:     domain.StrPtr(bssid),
		Channel:   6,
		Band:      domain.Band24,
	}
}

func TestAppendEvents_AssignsIncreasingIDs(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()

	events := []domain.Event{
		beacon(base, "aa:aa:aa:aa:aa:01", "Home", -40),
		deauth(base.Add(time.Second), "de:ad:be:ef:00:01", "ff:ff:ff:ff:ff:ff", "aa:aa:aa:aa:aa:01"),
	}
	require.NoError(t, adapter.AppendEvents(ctx, events))
	assert.NotZero(t, events[0].ID)
	assert.Greater(t, events[1].ID, events[0].ID)

	got, err := adapter.EventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.FrameBeacon, got[0].FrameType)
	assert.Equal(t, "Home", got[0].SSIDValue())
	assert.Equal(t, -40, *got[0].Power)
	assert.True(t, base.Equal(got[0].TS))
	assert.Nil(t, got[1].SSID)
}

func TestAppendEvents_Empty(t *testing.T) {
	adapter := setupInMemoryDB(t)
	assert.NoError(t, adapter.AppendEvents(context.Background(), nil))
}

func TestAppendEvents_RSNRoundTrip(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()

	ev := beacon(base, "aa:aa:aa:aa:aa:01", "Home", -40)
	ev.RSN = &domain.RSNInfo{
		Version:         1,
		GroupCipher:     "CCMP",
		PairwiseCiphers: []string{"CCMP"},
		AKMSuites:       []string{"SAE"},
		MFPRequired:     true,
		MFPCapable:      true,
	}
	require.NoError(t, adapter.AppendEvents(ctx, []domain.Event{ev}))

	got, err := adapter.EventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].RSN)
	assert.Equal(t, []string{"SAE"}, got[0].RSN.AKMSuites)
	assert.True(t, got[0].RSN.MFPRequired)
}

func TestEventsInWindow_MatchesBruteForce(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	var all []domain.Event
	for i := 0; i < 300; i++ {
		ts := base.Add(time.Duration(rng.Intn(600_000)) * time.Millisecond)
		if i%3 == 0 {
			all = append(all, beacon(ts, "aa:aa:aa:aa:aa:01", "Home", -50))
		} else {
			all = append(all, deauth(ts, "de:ad:be:ef:00:01", "ff:ff:ff:ff:ff:ff", "aa:aa:aa:aa:aa:01"))
		}
	}
	require.NoError(t, adapter.AppendEvents(ctx, all))

	since := base.Add(2 * time.Minute)
	until := base.Add(4 * time.Minute)
	got, err := adapter.EventsInWindow(ctx, ports.EventQuery{
		Types: []domain.FrameType{domain.FrameDeauth},
		Since: since,
		Until: until,
	})
	require.NoError(t, err)

	want := 0
	for _, e := range all {
		if e.FrameType == domain.FrameDeauth && !e.TS.Before(since) && !e.TS.After(until) {
			want++
		}
	}
	assert.Len(t, got, want)
	for _, e := range got {
		assert.Equal(t, domain.FrameDeauth, e.FrameType)
		assert.False(t, e.TS.Before(since))
		assert.False(t, e.TS.After(until))
	}
}

func TestEventsInWindow_BoundsInclusive(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()
	require.NoError(t, adapter.AppendEvents(ctx, []domain.Event{
		beacon(base, "aa:aa:aa:aa:aa:01", "Home", -40),
		beacon(base.Add(10*time.Second), "aa:aa:aa:aa:aa:01", "Home", -40),
		beacon(base.Add(10*time.Second+time.Microsecond), "aa:aa:aa:aa:aa:01", "Home", -40),
	}))

	got, err := adapter.EventsInWindow(ctx, ports.EventQuery{Since: base, Until: base.Add(10 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestEventsInWindow_FiltersSSIDAndBSSID(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()
	require.NoError(t, adapter.AppendEvents(ctx, []domain.Event{
		beacon(base, "aa:aa:aa:aa:aa:01", "Home", -40),
		beacon(base, "aa:aa:aa:aa:aa:02", "Home", -40),
		beacon(base, "aa:aa:aa:aa:aa:03", "Other", -40),
	}))

	q := ports.EventQuery{Since: base.Add(-time.Second), Until: base.Add(time.Second), SSID: "Home"}
	got, err := adapter.EventsInWindow(ctx, q)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	q.BSSID = "AA-AA-AA-AA-AA-02"
	got, err = adapter.EventsInWindow(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aa:aa:aa:aa:aa:02", got[0].BSSIDValue())
}

func TestDeauthCounts_GroupsBySource(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()

	var events []domain.Event
	for i := 0; i < 30; i++ {
		events = append(events, deauth(base.Add(time.Duration(i)*100*time.Millisecond), "de:ad:be:ef:00:01", "ff:ff:ff:ff:ff:ff", "aa:aa:aa:aa:aa:01"))
	}
	for i := 0; i < 20; i++ {
		events = append(events, deauth(base.Add(time.Duration(i)*100*time.Millisecond), "de:ad:be:ef:00:02", "ff:ff:ff:ff:ff:ff", "aa:aa:aa:aa:aa:01"))
	}
	dis := deauth(base, "de:ad:be:ef:00:02", "ff:ff:ff:ff:ff:ff", "aa:aa:aa:aa:aa:01")
	dis.FrameType = domain.FrameDisassoc
	events = append(events, dis)
	// Outside the window
	events = append(events, deauth(base.Add(-time.Hour), "de:ad:be:ef:00:03", "ff:ff:ff:ff:ff:ff", "aa:aa:aa:aa:aa:01"))
	// Not a deauth
	events = append(events, beacon(base, "aa:aa:aa:aa:aa:01", "Home", -40))
	require.NoError(t, adapter.AppendEvents(ctx, events))

	counts, err := adapter.DeauthCounts(ctx, ports.DeauthQuery{Since: base.Add(-time.Second), Until: base.Add(10 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 51, counts.Total)
	assert.Equal(t, 30, counts.BySource["de:ad:be:ef:00:01"])
	assert.Equal(t, 21, counts.BySource["de:ad:be:ef:00:02"])
	src, n := counts.Loudest()
	assert.Equal(t, "de:ad:be:ef:00:01", src)
	assert.Equal(t, 30, n)
}

func TestDeauthCounts_Scope(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()
	require.NoError(t, adapter.AppendEvents(ctx, []domain.Event{
		deauth(base, "de:ad:be:ef:00:01", "ff:ff:ff:ff:ff:ff", "aa:aa:aa:aa:aa:01"),
		deauth(base, "aa:aa:aa:aa:aa:01", "11:11:11:11:11:11", ""),
		deauth(base, "de:ad:be:ef:00:02", "aa:aa:aa:aa:aa:01", ""),
		deauth(base, "de:ad:be:ef:00:03", "ff:ff:ff:ff:ff:ff", "bb:bb:bb:bb:bb:bb"),
	}))

	counts, err := adapter.DeauthCounts(ctx, ports.DeauthQuery{
		Since: base.Add(-time.Second),
		Until: base.Add(time.Second),
		Scope: []string{"AA:AA:AA:AA:AA:01"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.NotContains(t, counts.BySource, "de:ad:be:ef:00:03")
}

func TestDeauthCounts_MissingSourceIsUnknown(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()
	ev := deauth(base, "", "ff:ff:ff:ff:ff:ff", "aa:aa:aa:aa:aa:01")
	require.NoError(t, adapter.AppendEvents(ctx, []domain.Event{ev}))

	counts, err := adapter.DeauthCounts(ctx, ports.DeauthQuery{Since: base.Add(-time.Second), Until: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.BySource["unknown"])
}

func TestBeaconBSSIDs(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()
	require.NoError(t, adapter.AppendEvents(ctx, []domain.Event{
		beacon(base, "aa:aa:aa:aa:aa:02", "Home", -40),
		beacon(base, "aa:aa:aa:aa:aa:01", "Home", -40),
		beacon(base.Add(time.Second), "aa:aa:aa:aa:aa:01", "Home", -40),
		beacon(base, "aa:aa:aa:aa:aa:03", "Other", -40),
		beacon(base.Add(-time.Hour), "aa:aa:aa:aa:aa:04", "Home", -40),
	}))

	got, err := adapter.BeaconBSSIDs(ctx, "Home", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"aa:aa:aa:aa:aa:01", "aa:aa:aa:aa:aa:02"}, got)
}

func TestPowerSamples_OldestFirstAndBounded(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()

	var events []domain.Event
	for i := 0; i < 10; i++ {
		events = append(events, beacon(base.Add(time.Duration(i)*time.Second), "aa:aa:aa:aa:aa:01", "Home", -40-i))
	}
	noPower := beacon(base.Add(time.Minute), "aa:aa:aa:aa:aa:01", "Home", 0)
	noPower.Power = nil
	events = append(events, noPower)
	require.NoError(t, adapter.AppendEvents(ctx, events))

	got, err := adapter.PowerSamples(ctx, "aa:aa:aa:aa:aa:01", base, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{-47, -48, -49}, got)
}

func TestPowerSamples_IgnoresReadingsBeforeSince(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()

	require.NoError(t, adapter.AppendEvents(ctx, []domain.Event{
		beacon(base, "aa:aa:aa:aa:aa:01", "Home", -30),
		beacon(base.Add(time.Second), "aa:aa:aa:aa:aa:01", "Home", -31),
		beacon(base.Add(time.Hour), "aa:aa:aa:aa:aa:01", "Home", -70),
		beacon(base.Add(time.Hour+time.Second), "aa:aa:aa:aa:aa:01", "Home", -71),
	}))

	got, err := adapter.PowerSamples(ctx, "aa:aa:aa:aa:aa:01", base.Add(time.Hour), 20)
	require.NoError(t, err)
	assert.Equal(t, []int{-70, -71}, got)
}

func TestPagination(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()

	var events []domain.Event
	for i := 0; i < 25; i++ {
		events = append(events, beacon(base.Add(time.Duration(i)*time.Second), "aa:aa:aa:aa:aa:01", "Home", -40))
	}
	require.NoError(t, adapter.AppendEvents(ctx, events))

	var seen []uint64
	var cursor uint64
	for {
		page, err := adapter.EventsAfter(ctx, cursor, 10)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			assert.Greater(t, e.ID, cursor)
			seen = append(seen, e.ID)
		}
		cursor = page[len(page)-1].ID
	}
	assert.Len(t, seen, 25)
}

func TestAlerts_AppendAcknowledge(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()

	alert := domain.Alert{
		TS:        base,
		Kind:      domain.KindRogueAP,
		Severity:  domain.SeverityWarn,
		Summary:   "Rogue AP for SSID 'Home': BSSID bb:bb:bb:bb:bb:bb not in allowlist",
		DedupeKey: "rogue_ap:bb:bb:bb:bb:bb:bb",
	}
	require.NoError(t, adapter.AppendAlert(ctx, &alert))
	require.NotZero(t, alert.ID)

	require.NoError(t, adapter.AcknowledgeAlert(ctx, alert.ID))
	assert.ErrorIs(t, adapter.AcknowledgeAlert(ctx, alert.ID+100), ports.ErrNotFound)

	got, err := adapter.AlertsAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Acknowledged)
	assert.Equal(t, alert.DedupeKey, got[0].DedupeKey)
	assert.Equal(t, domain.KindRogueAP, got[0].Kind)
}

func TestClearAndCounts(t *testing.T) {
	adapter := setupInMemoryDB(t)
	ctx := context.Background()

	events := []domain.Event{beacon(base, "aa:aa:aa:aa:aa:01", "Home", -40)}
	require.NoError(t, adapter.AppendEvents(ctx, events))
	alert := domain.Alert{TS: base, Kind: domain.KindTest, Severity: domain.SeverityInfo, Summary: "test", DedupeKey: "test:manual"}
	require.NoError(t, adapter.AppendAlert(ctx, &alert))
	require.NoError(t, adapter.AppendLogs(ctx, []domain.LogLine{{TS: base, Level: "WARN", Source: "capture", Message: "open failed"}}))

	counts, err := adapter.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ports.Counts{Events: 1, Alerts: 1, Logs: 1}, counts)

	require.NoError(t, adapter.Clear(ctx, ports.SubsetEvents, ports.SubsetLogs))
	counts, err = adapter.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, ports.Counts{Events: 0, Alerts: 1, Logs: 0}, counts)

	// IDs keep growing after a clear
	more := []domain.Event{beacon(base, "aa:aa:aa:aa:aa:01", "Home", -40)}
	require.NoError(t, adapter.AppendEvents(ctx, more))
	assert.Greater(t, more[0].ID, events[0].ID)
}

func TestFileDatabase_SharedBetweenAdapters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "piguard.db")
	writer, err := NewSQLiteAdapter(path)
	require.NoError(t, err)
	defer writer.Close()
	reader, err := NewSQLiteAdapter(path)
	require.NoError(t, err)
	defer reader.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, writer.AppendEvents(ctx, []domain.Event{
			beacon(base, fmt.Sprintf("aa:aa:aa:aa:aa:%02d", i), "Home", -40),
		}))
	}

	got, err := reader.EventsAfter(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("x: %w", ErrTransient)))
	assert.False(t, IsTransient(fmt.Errorf("x")))
}
