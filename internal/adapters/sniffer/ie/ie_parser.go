package ie

import (
	"errors"
	"strings"
)

// Common IE Tags
const (
	TagSSID           = 0
	TagDSParameterSet = 3
	TagRSN            = 48
)

// Errors
var (
	ErrMalformedIE = errors.New("malformed information element")
	ErrIENotFound  = errors.New("information element not found")
)

// SSID represents a Service Set Identifier
type SSID struct {
	Value  string
	Hidden bool
}

// String returns the string representation of the SSID
func (s SSID) String() string {
	if s.Hidden {
		return "<HIDDEN>"
	}
	return s.Value
}

// IterateIEs calls the provided callback for each valid IE found in the data.
// It stops if it encounters a malformed IE (length exceeds remaining data).
func IterateIEs(data []byte, callback func(id int, data []byte)) {
	offset := 0
	limit := len(data)

	for offset+2 <= limit {
		id := int(data[offset])
		length := int(data[offset+1])
		offset += 2

		if offset+length > limit {
			break
		}

		callback(id, data[offset:offset+length])
		offset += length
	}
}

// FindIE returns the data of the first IE with the given ID.
// Returns nil if not found.
func FindIE(data []byte, targetID int) []byte {
	var result []byte
	IterateIEs(data, func(id int, val []byte) {
		if result == nil && id == targetID {
			result = val
		}
	})
	return result
}

// ParseSSID extracts the SSID from the IE data. A missing, empty or all-zero
// SSID element is reported as hidden.
func ParseSSID(data []byte) SSID {
	val := FindIE(data, TagSSID)
	if len(val) == 0 {
		return SSID{Hidden: true}
	}
	allZero := true
	for _, b := range val {
		if b != 0x00 {
			allZero = false
			break
		}
	}
	if allZero {
		return SSID{Hidden: true}
	}
	return SSID{Value: safeString(val)}
}

// ParseChannel extracts the channel from the DS Parameter Set (Tag 3).
func ParseChannel(data []byte) (int, error) {
	val := FindIE(data, TagDSParameterSet)
	if len(val) >= 1 && val[0] != 0 {
		return int(val[0]), nil
	}
	return 0, ErrIENotFound
}

// safeString replaces invalid UTF-8 and control bytes so SSIDs are printable.
func safeString(b []byte) string {
	s := strings.ToValidUTF8(string(b), "�")
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

