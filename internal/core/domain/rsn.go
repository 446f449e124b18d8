package domain

import (
	"fmt"
	"slices"
	"strings"
)

// RSNInfo is the security advertisement carried by a beacon's RSN element.
type RSNInfo struct {
	Version         uint16   `json:"version"`
	GroupCipher     string   `json:"group_cipher"`
	PairwiseCiphers []string `json:"pairwise_ciphers"`
	AKMSuites       []string `json:"akm_suites"`
	MFPRequired     bool     `json:"mfp_required"`
	MFPCapable      bool     `json:"mfp_capable"`
}

var legacyCiphers = map[string]bool{"WEP-40": true, "WEP-104": true, "TKIP": true}

// AKMs returns the sorted, de-duplicated AKM suite names.
func (r *RSNInfo) AKMs() []string {
	if r == nil {
		return nil
	}
	return sortedSet(r.AKMSuites)
}

// Ciphers returns the sorted, de-duplicated union of group and pairwise ciphers.
func (r *RSNInfo) Ciphers() []string {
	if r == nil {
		return nil
	}
	all := append([]string{}, r.PairwiseCiphers...)
	if r.GroupCipher != "" {
		all = append(all, r.GroupCipher)
	}
	return sortedSet(all)
}

// Consistent reports whether r advertises the same AKM and cipher sets as other.
func (r *RSNInfo) Consistent(other *RSNInfo) bool {
	return slices.Equal(r.AKMs(), other.AKMs()) && slices.Equal(r.Ciphers(), other.Ciphers())
}

// Downgrade compares r against a known-good baseline and returns a description
// of how r is weaker, or "" when it is not.
func (r *RSNInfo) Downgrade(baseline *RSNInfo) string {
	if baseline == nil {
		return ""
	}
	if r == nil {
		return "no RSN element (open)"
	}
	for _, c := range r.Ciphers() {
		if legacyCiphers[c] && !slices.Contains(baseline.Ciphers(), c) {
			return fmt.Sprintf("legacy cipher %s advertised", c)
		}
	}
	if hasSAE(baseline.AKMs()) && !hasSAE(r.AKMs()) {
		return "SAE removed from AKM suites"
	}
	if baseline.MFPRequired && !r.MFPRequired {
		return "management frame protection no longer required"
	}
	return ""
}

// String renders the AKM and cipher sets, e.g. "akm=PSK,SAE cipher=CCMP".
func (r *RSNInfo) String() string {
	if r == nil {
		return "open"
	}
	return fmt.Sprintf("akm=%s cipher=%s", strings.Join(r.AKMs(), ","), strings.Join(r.Ciphers(), ","))
}

func hasSAE(akms []string) bool {
	return slices.Contains(akms, "SAE") || slices.Contains(akms, "FT-SAE")
}

func sortedSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}
