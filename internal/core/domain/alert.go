package domain

import (
	"errors"
	"strings"
	"time"
)

// Domain errors for alerting.
var (
	ErrInvalidAlertKind = errors.New("invalid alert kind")
	ErrInvalidSeverity  = errors.New("invalid alert severity level")
	ErrEmptySummary     = errors.New("alert summary cannot be empty")
)

// AlertKind is the detector category that raised an alert.
type AlertKind string

const (
	KindDeauthFlood  AlertKind = "deauth_flood"
	KindRogueAP      AlertKind = "rogue_ap"
	KindPowerAnomaly AlertKind = "power_anomaly"
	// KindTest is raised on demand to exercise the alert pipeline.
	KindTest AlertKind = "test"
)

// Severity represents the criticality of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Alert is one raised detection. Alerts are never mutated after creation
// apart from the operator acknowledgement flag.
type Alert struct {
	ID           uint64    `json:"id"`
	TS           time.Time `json:"ts"`
	Kind         AlertKind `json:"kind"`
	Severity     Severity  `json:"severity"`
	Summary      string    `json:"summary"`
	DedupeKey    string    `json:"dedupe_key"`
	Acknowledged bool      `json:"acknowledged"`
}

// Validate performs internal consistency checks on the alert.
func (a *Alert) Validate() error {
	switch a.Kind {
	case KindDeauthFlood, KindRogueAP, KindPowerAnomaly, KindTest:
	default:
		return ErrInvalidAlertKind
	}
	switch a.Severity {
	case SeverityInfo, SeverityWarn, SeverityCritical:
	default:
		return ErrInvalidSeverity
	}
	if strings.TrimSpace(a.Summary) == "" {
		return ErrEmptySummary
	}
	return nil
}

// DedupeKey joins a kind and its subject, e.g. "rogue_ap:aa:bb:cc:dd:ee:ff".
func DedupeKey(kind AlertKind, subject string) string {
	return string(kind) + ":" + subject
}

// Finding is a detector's decision that an alert would fire. The emitter
// turns it into an Alert unless the dedupe key is cooling down.
type Finding struct {
	Kind     AlertKind
	Severity Severity
	Summary  string
	Subject  string
	Cooldown time.Duration
}

// Key returns the dedupe key the finding will be suppressed under.
func (f Finding) Key() string {
	return DedupeKey(f.Kind, f.Subject)
}

// LogLine is a persisted operational log record.
type LogLine struct {
	ID      uint64    `json:"id"`
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}
