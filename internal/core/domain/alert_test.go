package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlert_Validate(t *testing.T) {
	a := Alert{TS: time.Now(), Kind: KindRogueAP, Severity: SeverityWarn, Summary: "x"}
	assert.NoError(t, a.Validate())

	bad := a
	bad.Kind = "ANOMALY"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidAlertKind)

	bad = a
	bad.Severity = "high"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidSeverity)

	bad = a
	bad.Summary = "  "
	assert.ErrorIs(t, bad.Validate(), ErrEmptySummary)
}

func TestFinding_Key(t *testing.T) {
	f := Finding{Kind: KindDeauthFlood, Subject: "global"}
	assert.Equal(t, "deauth_flood:global", f.Key())
}
