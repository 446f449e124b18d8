package domain

import (
	"errors"
)

// Domain Errors for network interfaces.
var (
	ErrInvalidInterfaceName = errors.New("invalid interface name")
	ErrInvalidMAC           = errors.New("invalid MAC address")
	ErrInvalidChannel       = errors.New("invalid channel")
)

// InterfaceState is a point-in-time view of a wireless interface.
type InterfaceState struct {
	Name      string `json:"name"`
	Exists    bool   `json:"exists"`
	Up        bool   `json:"up"`
	Type      string `json:"type"` // monitor, managed, AP...
	Channel   int    `json:"channel"`
	Frequency int    `json:"frequency_mhz"`
}

// IsMonitor reports whether the interface is in monitor mode.
func (s InterfaceState) IsMonitor() bool {
	return s.Type == "monitor"
}

// IsValidChannel accepts channel numbers from the 2.4, 5 and 6 GHz plans.
func IsValidChannel(ch int) bool {
	return ch >= 1 && ch <= 233
}
