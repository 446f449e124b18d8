package domain

import (
	"errors"
	"strings"
	"time"
)

// Domain errors for captured events.
var (
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrMissingTimestamp = errors.New("event timestamp is zero")
)

// FrameType is the management subtype an Event was parsed from.
type FrameType string

const (
	FrameBeacon   FrameType = "beacon"
	FrameDeauth   FrameType = "deauth"
	FrameDisassoc FrameType = "disassoc"
	FrameProbe    FrameType = "probe"
)

// Valid reports whether f is one of the captured subtypes.
func (f FrameType) Valid() bool {
	switch f {
	case FrameBeacon, FrameDeauth, FrameDisassoc, FrameProbe:
		return true
	}
	return false
}

// Band is the inferred radio band of an observation.
type Band string

const (
	Band24      Band = "2.4"
	Band5       Band = "5"
	Band6       Band = "6"
	BandUnknown Band = "?"
)

// Event is one observed management frame. Events are immutable once stored.
type Event struct {
	ID        uint64    `json:"id"`
	TS        time.Time `json:"ts"`
	FrameType FrameType `json:"frame_type"`
	SrcMAC    *string   `json:"src_mac"`
	DstMAC    *string   `json:"dst_mac"`
	BSSID     *string   `json:"bssid"`
	SSID      *string   `json:"ssid"`
	Channel   int       `json:"channel"`
	Band      Band      `json:"band"`
	Power     *int      `json:"power"`
	RSN       *RSNInfo  `json:"rsn_info,omitempty"`
}

// Validate performs internal consistency checks before an event is stored.
func (e *Event) Validate() error {
	if !e.FrameType.Valid() {
		return ErrUnknownFrameType
	}
	if e.TS.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// BSSIDValue returns the BSSID or "" when absent.
func (e *Event) BSSIDValue() string { return deref(e.BSSID) }

// SSIDValue returns the SSID or "" when absent.
func (e *Event) SSIDValue() string { return deref(e.SSID) }

// SrcValue returns the source address or "" when absent.
func (e *Event) SrcValue() string { return deref(e.SrcMAC) }

// StrPtr returns nil for an empty string, otherwise a pointer to s.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NormalizeMAC lowercases a hardware address and converts '-' separators to ':'.
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mac)), "-", ":")
}

// BandForChannel infers the band from a channel number alone.
// Channels outside the 2.4 and 5 GHz plans are assumed to be 6 GHz.
func BandForChannel(ch int) Band {
	switch {
	case ch <= 0:
		return BandUnknown
	case ch <= 14:
		return Band24
	case ch >= 36 && ch <= 196:
		return Band5
	default:
		return Band6
	}
}

// BandForFrequency maps a centre frequency in MHz to its band.
func BandForFrequency(freq int) Band {
	switch {
	case freq >= 2412 && freq <= 2484:
		return Band24
	case freq >= 5150 && freq <= 5895:
		return Band5
	case freq >= 5925 && freq <= 7125:
		return Band6
	default:
		return BandUnknown
	}
}

// FrequencyToChannel converts a centre frequency in MHz to a channel number.
// Zero means the frequency is not on a known Wi-Fi channel plan.
func FrequencyToChannel(freq int) int {
	switch {
	case freq == 2484:
		return 14
	case freq >= 2412 && freq < 2484:
		return (freq - 2407) / 5
	case freq >= 5150 && freq <= 5895:
		return (freq - 5000) / 5
	case freq >= 5955 && freq <= 7115:
		return (freq - 5950) / 5
	default:
		return 0
	}
}

// ChannelToFrequency is the inverse of FrequencyToChannel for the given band.
func ChannelToFrequency(ch int, band Band) int {
	switch band {
	case Band24:
		if ch == 14 {
			return 2484
		}
		return 2407 + ch*5
	case Band5:
		return 5000 + ch*5
	case Band6:
		return 5950 + ch*5
	default:
		return 0
	}
}
