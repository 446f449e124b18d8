package hopping

import (
	"sync/atomic"

	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// HopperState represents the current state of the channel hopper.
type HopperState int32

const (
	StateIdle    HopperState = iota // Initial state, created but not running
	StateHopping                    // Cycling a list of channels
	StateLocked                     // Held on a single channel
	StateStopped                    // Permanently stopped
)

func (s HopperState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHopping:
		return "Hopping"
	case StateLocked:
		return "Locked"
	case StateStopped:
		return "Stopped"
	}
	return "Unknown"
}

// AtomicState wraps atomic operations for HopperState
type AtomicState struct {
	v atomic.Int32
}

func (a *AtomicState) Set(s HopperState) {
	a.v.Store(int32(s))
}

func (a *AtomicState) Get() HopperState {
	return HopperState(a.v.Load())
}

// Tuned holds the channel and band the radio was last successfully set to.
// The zero Tuning means unknown. The hopper writes it and the capture parser
// reads it.
type Tuned struct {
	v atomic.Pointer[domain.Tuning]
}

func (t *Tuned) Set(tu domain.Tuning) { t.v.Store(&tu) }

func (t *Tuned) Get() domain.Tuning {
	if p := t.v.Load(); p != nil {
		return *p
	}
	return domain.Tuning{}
}
