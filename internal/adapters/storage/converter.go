package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// EventModel is the GORM model for captured management frames.
// Timestamps are stored as unix microseconds so window bounds compare numerically.
type EventModel struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement"`
	TS        int64   `gorm:"column:ts;not null"`
	FrameType string  `gorm:"not null"`
	SrcMAC    *string `gorm:"column:src_mac"`
	DstMAC    *string `gorm:"column:dst_mac"`
	BSSID     *string `gorm:"column:bssid"`
	SSID      *string `gorm:"column:ssid"`
	Channel   int
	Band      string
	Power     *int
	RSNInfo   *string `gorm:"column:rsn_info"` // JSON
}

func (EventModel) TableName() string { return "events" }

// AlertModel is the GORM model for raised alerts.
type AlertModel struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	TS           int64  `gorm:"column:ts;index;not null"`
	Kind         string `gorm:"index;not null"`
	Severity     string `gorm:"not null"`
	Summary      string `gorm:"not null"`
	DedupeKey    string `gorm:"index"`
	Acknowledged bool   `gorm:"default:false"`
}

func (AlertModel) TableName() string { return "alerts" }

// LogModel is the GORM model for persisted operational log lines.
type LogModel struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	TS      int64  `gorm:"column:ts;not null"`
	Level   string
	Source  string
	Message string
}

func (LogModel) TableName() string { return "logs" }

func toEventModel(e domain.Event) (EventModel, error) {
	m := EventModel{
		ID:        e.ID,
		TS:        e.TS.UnixMicro(),
		FrameType: string(e.FrameType),
		SrcMAC:    e.SrcMAC,
		DstMAC:    e.DstMAC,
		BSSID:     e.BSSID,
		SSID:      e.SSID,
		Channel:   e.Channel,
		Band:      string(e.Band),
		Power:     e.Power,
	}
	if e.RSN != nil {
		b, err := json.Marshal(e.RSN)
		if err != nil {
			return m, fmt.Errorf("encode rsn info: %w", err)
		}
		s := string(b)
		m.RSNInfo = &s
	}
	return m, nil
}

func toEvent(m EventModel) (domain.Event, error) {
	e := domain.Event{
		ID:        m.ID,
		TS:        time.UnixMicro(m.TS).UTC(),
		FrameType: domain.FrameType(m.FrameType),
		SrcMAC:    m.SrcMAC,
		DstMAC:    m.DstMAC,
		BSSID:     m.BSSID,
		SSID:      m.SSID,
		Channel:   m.Channel,
		Band:      domain.Band(m.Band),
		Power:     m.Power,
	}
	if m.RSNInfo != nil && *m.RSNInfo != "" {
		var rsn domain.RSNInfo
		if err := json.Unmarshal([]byte(*m.RSNInfo), &rsn); err != nil {
			return e, fmt.Errorf("decode rsn info of event %d: %w", m.ID, err)
		}
		e.RSN = &rsn
	}
	return e, nil
}

func toEvents(models []EventModel) ([]domain.Event, error) {
	out := make([]domain.Event, 0, len(models))
	for _, m := range models {
		e, err := toEvent(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func toAlertModel(a domain.Alert) AlertModel {
	return AlertModel{
		ID:           a.ID,
		TS:           a.TS.UnixMicro(),
		Kind:         string(a.Kind),
		Severity:     string(a.Severity),
		Summary:      a.Summary,
		DedupeKey:    a.DedupeKey,
		Acknowledged: a.Acknowledged,
	}
}

func toAlert(m AlertModel) domain.Alert {
	return domain.Alert{
		ID:           m.ID,
		TS:           time.UnixMicro(m.TS).UTC(),
		Kind:         domain.AlertKind(m.Kind),
		Severity:     domain.Severity(m.Severity),
		Summary:      m.Summary,
		DedupeKey:    m.DedupeKey,
		Acknowledged: m.Acknowledged,
	}
}

func toLogModel(l domain.LogLine) LogModel {
	return LogModel{
		ID:      l.ID,
		TS:      l.TS.UnixMicro(),
		Level:   l.Level,
		Source:  l.Source,
		Message: l.Message,
	}
}

func toLogLine(m LogModel) domain.LogLine {
	return domain.LogLine{
		ID:      m.ID,
		TS:      time.UnixMicro(m.TS).UTC(),
		Level:   m.Level,
		Source:  m.Source,
		Message: m.Message,
	}
}
