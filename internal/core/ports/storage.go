package ports

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// ErrNotFound is returned when a record addressed by id does not exist.
var ErrNotFound = errors.New("record not found")

// Subset names a table that can be cleared administratively.
type Subset string

const (
	SubsetEvents Subset = "events"
	SubsetAlerts Subset = "alerts"
	SubsetLogs   Subset = "logs"
)

// ParseSubset validates a subset name.
func ParseSubset(s string) (Subset, bool) {
	switch Subset(s) {
	case SubsetEvents, SubsetAlerts, SubsetLogs:
		return Subset(s), true
	}
	return "", false
}

// EventQuery selects events of some kinds inside [Since, Until].
type EventQuery struct {
	Types []domain.FrameType
	Since time.Time
	Until time.Time
	SSID  string // optional exact match
	BSSID string // optional exact match
	Limit int    // 0 means unbounded
}

// DeauthQuery selects deauth and disassoc frames inside [Since, Until].
// A non-empty Scope keeps only frames whose bssid, source or destination is
// one of the listed addresses.
type DeauthQuery struct {
	Since time.Time
	Until time.Time
	Scope []string
}

// DeauthCounts is the grouped result of a DeauthQuery.
type DeauthCounts struct {
	Total    int
	BySource map[string]int
}

// Loudest returns the source with the highest count. Ties go to the
// lexically smallest address so the result is stable.
func (c DeauthCounts) Loudest() (string, int) {
	srcs := make([]string, 0, len(c.BySource))
	for s := range c.BySource {
		srcs = append(srcs, s)
	}
	sort.Strings(srcs)
	best, n := "", 0
	for _, s := range srcs {
		if c.BySource[s] > n {
			best, n = s, c.BySource[s]
		}
	}
	return best, n
}

// AtOrAbove counts sources whose count reached limit.
func (c DeauthCounts) AtOrAbove(limit int) int {
	n := 0
	for _, v := range c.BySource {
		if v >= limit {
			n++
		}
	}
	return n
}

// Counts are table totals for the overview.
type Counts struct {
	Events int64 `json:"events"`
	Alerts int64 `json:"alerts"`
	Logs   int64 `json:"logs"`
}

// EventWriter is the capture engine's view of the store.
type EventWriter interface {
	AppendEvents(ctx context.Context, events []domain.Event) error
}

// AlertWriter is the emitter's view of the store.
type AlertWriter interface {
	AppendAlert(ctx context.Context, alert *domain.Alert) error
}

// EventReader is the detection engine's view of the store.
type EventReader interface {
	EventsInWindow(ctx context.Context, q EventQuery) ([]domain.Event, error)
	DeauthCounts(ctx context.Context, q DeauthQuery) (DeauthCounts, error)
	// BeaconBSSIDs lists the distinct BSSIDs that beaconed ssid since the given time.
	BeaconBSSIDs(ctx context.Context, ssid string, since time.Time) ([]string, error)
	// PowerSamples returns up to n most recent beacon power readings for bssid
	// taken at or after since, oldest first.
	PowerSamples(ctx context.Context, bssid string, since time.Time, n int) ([]int, error)
}

// Pager serves incremental polling by id.
type Pager interface {
	EventsAfter(ctx context.Context, sinceID uint64, limit int) ([]domain.Event, error)
	AlertsAfter(ctx context.Context, sinceID uint64, limit int) ([]domain.Alert, error)
	LogsAfter(ctx context.Context, sinceID uint64, limit int) ([]domain.LogLine, error)
}

// Store is the full event store.
type Store interface {
	EventWriter
	AlertWriter
	EventReader
	Pager
	AppendLogs(ctx context.Context, lines []domain.LogLine) error
	AcknowledgeAlert(ctx context.Context, id uint64) error
	Clear(ctx context.Context, subsets ...Subset) error
	Counts(ctx context.Context) (Counts, error)
	Close() error
}
