package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
	"github.com/mardigiorgio/PiGuard/internal/core/ports"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// ErrTransient marks store errors worth retrying (database busy or locked).
var ErrTransient = errors.New("store temporarily unavailable")

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// SQLiteAdapter implements ports.Store using GORM and SQLite.
type SQLiteAdapter struct {
	db *gorm.DB
}

// NewSQLiteAdapter opens (creating if needed) the database at path and
// migrates the schema. ":memory:" opens a private in-memory database.
func NewSQLiteAdapter(path string) (*SQLiteAdapter, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		// WAL lets detection read while capture appends
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("install tracing plugin: %w", err)
	}
	return newAdapter(db)
}

func newAdapter(db *gorm.DB) (*SQLiteAdapter, error) {
	if err := db.AutoMigrate(&EventModel{}, &AlertModel{}, &LogModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// Create Indices for window queries
	for _, stmt := range []string{
		"CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)",
		"CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(frame_type, ts)",
		"CREATE INDEX IF NOT EXISTS idx_events_ssid_type ON events(ssid, frame_type)",
		"CREATE INDEX IF NOT EXISTS idx_events_bssid_type ON events(bssid, frame_type)",
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	}
	return &SQLiteAdapter{db: db}, nil
}

// AppendEvents inserts a capture batch in one transaction and assigns IDs.
func (a *SQLiteAdapter) AppendEvents(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	models := make([]EventModel, len(events))
	for i := range events {
		m, err := toEventModel(events[i])
		if err != nil {
			return err
		}
		models[i] = m
	}

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(models, 100).Error
	})
	if err != nil {
		return classify("append events", err)
	}
	for i := range models {
		events[i].ID = models[i].ID
	}
	return nil
}

// AppendAlert inserts a single alert and assigns its ID.
func (a *SQLiteAdapter) AppendAlert(ctx context.Context, alert *domain.Alert) error {
	m := toAlertModel(*alert)
	if err := a.db.WithContext(ctx).Create(&m).Error; err != nil {
		return classify("append alert", err)
	}
	alert.ID = m.ID
	return nil
}

// AppendLogs inserts log lines in one statement batch.
func (a *SQLiteAdapter) AppendLogs(ctx context.Context, lines []domain.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	models := make([]LogModel, len(lines))
	for i, l := range lines {
		models[i] = toLogModel(l)
	}
	if err := a.db.WithContext(ctx).CreateInBatches(models, 100).Error; err != nil {
		return classify("append logs", err)
	}
	for i := range models {
		lines[i].ID = models[i].ID
	}
	return nil
}

// EventsInWindow returns events of the requested kinds with ts in
// [Since, Until], in insertion order.
func (a *SQLiteAdapter) EventsInWindow(ctx context.Context, q ports.EventQuery) ([]domain.Event, error) {
	query := a.db.WithContext(ctx).Model(&EventModel{}).
		Where("ts >= ? AND ts <= ?", q.Since.UnixMicro(), q.Until.UnixMicro())

	if len(q.Types) > 0 {
		query = query.Where("frame_type IN ?", frameTypes(q.Types))
	}
	if q.SSID != "" {
		query = query.Where("ssid = ?", q.SSID)
	}
	if q.BSSID != "" {
		query = query.Where("bssid = ?", domain.NormalizeMAC(q.BSSID))
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var models []EventModel
	if err := query.Order("id ASC").Find(&models).Error; err != nil {
		return nil, classify("events in window", err)
	}
	return toEvents(models)
}

// DeauthCounts groups deauth and disassoc frames in the window by source.
func (a *SQLiteAdapter) DeauthCounts(ctx context.Context, q ports.DeauthQuery) (ports.DeauthCounts, error) {
	query := a.db.WithContext(ctx).Model(&EventModel{}).
		Where("frame_type IN ?", frameTypes([]domain.FrameType{domain.FrameDeauth, domain.FrameDisassoc})).
		Where("ts >= ? AND ts <= ?", q.Since.UnixMicro(), q.Until.UnixMicro())

	if len(q.Scope) > 0 {
		scope := make([]string, len(q.Scope))
		for i, s := range q.Scope {
			scope[i] = domain.NormalizeMAC(s)
		}
		query = query.Where("(bssid IN ? OR src_mac IN ? OR dst_mac IN ?)", scope, scope, scope)
	}

	var rows []struct {
		Src *string
		N   int
	}
	if err := query.Select("src_mac AS src, COUNT(*) AS n").Group("src_mac").Scan(&rows).Error; err != nil {
		return ports.DeauthCounts{}, classify("deauth counts", err)
	}

	out := ports.DeauthCounts{BySource: make(map[string]int, len(rows))}
	for _, r := range rows {
		src := "unknown"
		if r.Src != nil && *r.Src != "" {
			src = *r.Src
		}
		out.BySource[src] += r.N
		out.Total += r.N
	}
	return out, nil
}

// BeaconBSSIDs lists the distinct BSSIDs that beaconed ssid since the given time.
func (a *SQLiteAdapter) BeaconBSSIDs(ctx context.Context, ssid string, since time.Time) ([]string, error) {
	var bssids []string
	err := a.db.WithContext(ctx).Model(&EventModel{}).
		Where("frame_type = ? AND ssid = ? AND ts >= ? AND bssid IS NOT NULL", string(domain.FrameBeacon), ssid, since.UnixMicro()).
		Distinct().Order("bssid").Pluck("bssid", &bssids).Error
	if err != nil {
		return nil, classify("beacon bssids", err)
	}
	return bssids, nil
}

// PowerSamples returns up to n recent beacon power readings for bssid taken
// at or after since, oldest first.
func (a *SQLiteAdapter) PowerSamples(ctx context.Context, bssid string, since time.Time, n int) ([]int, error) {
	var powers []int
	err := a.db.WithContext(ctx).Model(&EventModel{}).
		Where("frame_type = ? AND bssid = ? AND ts >= ? AND power IS NOT NULL",
			string(domain.FrameBeacon), domain.NormalizeMAC(bssid), since.UnixMicro()).
		Order("id DESC").Limit(n).Pluck("power", &powers).Error
	if err != nil {
		return nil, classify("power samples", err)
	}
	for i, j := 0, len(powers)-1; i < j; i, j = i+1, j-1 {
		powers[i], powers[j] = powers[j], powers[i]
	}
	return powers, nil
}

// EventsAfter pages events with id > sinceID.
func (a *SQLiteAdapter) EventsAfter(ctx context.Context, sinceID uint64, limit int) ([]domain.Event, error) {
	var models []EventModel
	if err := a.after(ctx, sinceID, limit).Find(&models).Error; err != nil {
		return nil, classify("events after", err)
	}
	return toEvents(models)
}

// AlertsAfter pages alerts with id > sinceID.
func (a *SQLiteAdapter) AlertsAfter(ctx context.Context, sinceID uint64, limit int) ([]domain.Alert, error) {
	var models []AlertModel
	if err := a.after(ctx, sinceID, limit).Find(&models).Error; err != nil {
		return nil, classify("alerts after", err)
	}
	out := make([]domain.Alert, len(models))
	for i, m := range models {
		out[i] = toAlert(m)
	}
	return out, nil
}

// LogsAfter pages log lines with id > sinceID.
func (a *SQLiteAdapter) LogsAfter(ctx context.Context, sinceID uint64, limit int) ([]domain.LogLine, error) {
	var models []LogModel
	if err := a.after(ctx, sinceID, limit).Find(&models).Error; err != nil {
		return nil, classify("logs after", err)
	}
	out := make([]domain.LogLine, len(models))
	for i, m := range models {
		out[i] = toLogLine(m)
	}
	return out, nil
}

func (a *SQLiteAdapter) after(ctx context.Context, sinceID uint64, limit int) *gorm.DB {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return a.db.WithContext(ctx).Where("id > ?", sinceID).Order("id ASC").Limit(limit)
}

// AcknowledgeAlert marks an alert as seen by an operator.
func (a *SQLiteAdapter) AcknowledgeAlert(ctx context.Context, id uint64) error {
	res := a.db.WithContext(ctx).Model(&AlertModel{}).Where("id = ?", id).Update("acknowledged", true)
	if res.Error != nil {
		return classify("acknowledge alert", res.Error)
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// Clear deletes every row of the named subsets. IDs are not reused afterwards,
// so since_id cursors held by consumers stay valid.
func (a *SQLiteAdapter) Clear(ctx context.Context, subsets ...ports.Subset) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range subsets {
			var model any
			switch s {
			case ports.SubsetEvents:
				model = &EventModel{}
			case ports.SubsetAlerts:
				model = &AlertModel{}
			case ports.SubsetLogs:
				model = &LogModel{}
			default:
				return fmt.Errorf("unknown subset %q", s)
			}
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return classify("clear "+string(s), err)
			}
		}
		return nil
	})
}

// Counts returns table totals.
func (a *SQLiteAdapter) Counts(ctx context.Context) (ports.Counts, error) {
	var c ports.Counts
	db := a.db.WithContext(ctx)
	if err := db.Model(&EventModel{}).Count(&c.Events).Error; err != nil {
		return c, classify("count events", err)
	}
	if err := db.Model(&AlertModel{}).Count(&c.Alerts).Error; err != nil {
		return c, classify("count alerts", err)
	}
	if err := db.Model(&LogModel{}).Count(&c.Logs).Error; err != nil {
		return c, classify("count logs", err)
	}
	return c, nil
}

func (a *SQLiteAdapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// classify wraps busy/locked errors in ErrTransient.
func classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func frameTypes(ts []domain.FrameType) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

// Ensure interface compliance
var _ ports.Store = (*SQLiteAdapter)(nil)
