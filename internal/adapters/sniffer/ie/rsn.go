package ie

import (
	"bytes"
	"fmt"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

var ieee80211OUI = []byte{0x00, 0x0F, 0xAC}

var cipherNames = map[byte]string{
	1:  "WEP-40",
	2:  "TKIP",
	4:  "CCMP", // AES
	5:  "WEP-104",
	6:  "BIP-CMAC-128",
	8:  "GCMP-128",
	9:  "GCMP-256",
	10: "CCMP-256",
	11: "BIP-GMAC-128",
	12: "BIP-GMAC-256",
	13: "BIP-CMAC-256",
}

var akmNames = map[byte]string{
	1:  "802.1X",
	2:  "PSK",
	3:  "FT-802.1X",
	4:  "FT-PSK",
	5:  "802.1X-SHA256",
	6:  "PSK-SHA256",
	8:  "SAE", // WPA3-Personal
	9:  "FT-SAE",
	12: "802.1X-SUITE-B-192",
	18: "OWE", // Opportunistic Wireless Encryption
	24: "SAE-EXT-KEY",
}

// ParseRSN parses the body of IE 48 (RSN Information Element).
// Truncated trailing fields are tolerated; only a missing version is an error.
func ParseRSN(data []byte) (*domain.RSNInfo, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: RSN IE too short", ErrMalformedIE)
	}

	rsn := &domain.RSNInfo{}
	offset := 0

	// Version (2 bytes)
	rsn.Version = uint16(data[offset]) | uint16(data[offset+1])<<8
	offset += 2

	// Group Cipher Suite (4 bytes: OUI + Type)
	if offset+4 <= len(data) {
		rsn.GroupCipher = suiteName(data[offset:offset+4], cipherNames)
		offset += 4
	}

	// Pairwise Cipher Suite Count + List
	if offset+2 <= len(data) {
		count := int(data[offset]) | int(data[offset+1])<<8
		offset += 2
		for i := 0; i < count && offset+4 <= len(data); i++ {
			rsn.PairwiseCiphers = append(rsn.PairwiseCiphers, suiteName(data[offset:offset+4], cipherNames))
			offset += 4
		}
	}

	// AKM Suite Count + List
	if offset+2 <= len(data) {
		count := int(data[offset]) | int(data[offset+1])<<8
		offset += 2
		for i := 0; i < count && offset+4 <= len(data); i++ {
			rsn.AKMSuites = append(rsn.AKMSuites, suiteName(data[offset:offset+4], akmNames))
			offset += 4
		}
	}

	// RSN Capabilities (2 bytes)
	if offset+2 <= len(data) {
		caps := uint16(data[offset]) | uint16(data[offset+1])<<8
		rsn.MFPRequired = caps&0x0040 != 0
		rsn.MFPCapable = caps&0x0080 != 0
	}

	return rsn, nil
}

// FindRSN locates and parses the RSN element in a tagged-parameter body.
// A nil result with a nil error means the frame carries no RSN element.
func FindRSN(data []byte) (*domain.RSNInfo, error) {
	val := FindIE(data, TagRSN)
	if val == nil {
		return nil, nil
	}
	return ParseRSN(val)
}

// suiteName maps a 4-byte suite selector to its name. Selectors outside the
// IEEE 802.11 OUI, or with an unnamed type, render as "oo:oo:oo:t".
func suiteName(sel []byte, names map[byte]string) string {
	if bytes.Equal(sel[:3], ieee80211OUI) {
		if name, ok := names[sel[3]]; ok {
			return name
		}
	}
	return fmt.Sprintf("%02x:%02x:%02x:%d", sel[0], sel[1], sel[2], sel[3])
}
