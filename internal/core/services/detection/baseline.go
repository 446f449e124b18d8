package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/config"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
)

// Baseline remembers the last known good RSN advertisement per SSID.
type Baseline struct {
	reader ports.EventReader

	mu     sync.Mutex
	bySSID map[string]*domain.RSNInfo
}

func NewBaseline(reader ports.EventReader) *Baseline {
	return &Baseline{reader: reader, bySSID: make(map[string]*domain.RSNInfo)}
}

// Get returns the baseline for ssid or nil.
func (b *Baseline) Get(ssid string) *domain.RSNInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bySSID[ssid]
}

// Seed records rsn as the baseline for ssid unless one is already set.
// It reports whether rsn was adopted.
func (b *Baseline) Seed(ssid string, rsn *domain.RSNInfo) bool {
	if rsn == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bySSID[ssid]; ok {
		return false
	}
	cp := *rsn
	b.bySSID[ssid] = &cp
	return true
}

// Reset forgets every baseline.
func (b *Baseline) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.bySSID)
}

// Ensure rebuilds the baseline for the defended SSID from stored beacons when
// none is held yet. The oldest clean beacon carrying RSN wins.
func (b *Baseline) Ensure(ctx context.Context, def config.DefenseConfig, now time.Time, lookback time.Duration) (*domain.RSNInfo, error) {
	if rsn := b.Get(def.SSID); rsn != nil {
		return rsn, nil
	}
	events, err := b.reader.EventsInWindow(ctx, ports.EventQuery{
		Types: []domain.FrameType{domain.FrameBeacon},
		Since: now.Add(-lookback),
		Until: now,
		SSID:  def.SSID,
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild rsn baseline: %w", err)
	}
	for i := range events {
		if events[i].RSN != nil && violation(def, &events[i]) == "" {
			b.Seed(def.SSID, events[i].RSN)
			break
		}
	}
	return b.Get(def.SSID), nil
}
