package domain

import (
	"fmt"
	"slices"
	"strconv"
)

// HopMode names a channel hopping strategy.
type HopMode string

const (
	HopLock HopMode = "lock"
	HopList HopMode = "list"
	HopAll  HopMode = "all"
)

// Tuning is one stop of a hop cycle. Channel numbers repeat across bands,
// so the band travels with the number.
type Tuning struct {
	Channel int
	Band    Band
}

// Tune pairs ch with the band its number implies.
func Tune(ch int) Tuning {
	return Tuning{Channel: ch, Band: BandForChannel(ch)}
}

// Frequency is the centre frequency in MHz, or 0 when the band is unknown.
func (t Tuning) Frequency() int { return ChannelToFrequency(t.Channel, t.Band) }

func (t Tuning) String() string {
	if t.Band == Band6 {
		return fmt.Sprintf("%d@6", t.Channel)
	}
	return strconv.Itoa(t.Channel)
}

func tunings(chs []int, band Band) []Tuning {
	out := make([]Tuning, 0, len(chs))
	for _, ch := range chs {
		if band == "" {
			out = append(out, Tune(ch))
		} else {
			out = append(out, Tuning{Channel: ch, Band: band})
		}
	}
	return out
}

// HopPolicy is the active hopping strategy. Each variant generates the
// channel sequence the hopper cycles through.
type HopPolicy interface {
	Mode() HopMode
	// Sequence is the finite cycle of tunings; a single entry means the
	// channel is held.
	Sequence() []Tuning
	Equal(other HopPolicy) bool
}

// LockPolicy holds the interface on one channel.
type LockPolicy struct {
	Channel int
}

func (p LockPolicy) Mode() HopMode { return HopLock }
func (p LockPolicy) Sequence() []Tuning { return []Tuning{Tune(p.Channel)} }

func (p LockPolicy) Equal(other HopPolicy) bool {
	o, ok := other.(LockPolicy)
	return ok && o.Channel == p.Channel
}

// ListPolicy cycles an operator-supplied ordered list.
type ListPolicy struct {
	Channels []int
}

func (p ListPolicy) Mode() HopMode { return HopList }
func (p ListPolicy) Sequence() []Tuning { return tunings(p.Channels, "") }

func (p ListPolicy) Equal(other HopPolicy) bool {
	o, ok := other.(ListPolicy)
	return ok && slices.Equal(o.Channels, p.Channels)
}

// AllPolicy cycles the concatenation of the per-band channel sets.
type AllPolicy struct {
	Ch24 []int
	Ch5  []int
	Ch6  []int
}

func (p AllPolicy) Mode() HopMode { return HopAll }

func (p AllPolicy) Sequence() []Tuning {
	seq := tunings(p.Ch24, Band24)
	seq = append(seq, tunings(p.Ch5, Band5)...)
	return append(seq, tunings(p.Ch6, Band6)...)
}

func (p AllPolicy) Equal(other HopPolicy) bool {
	o, ok := other.(AllPolicy)
	return ok && slices.Equal(o.Ch24, p.Ch24) && slices.Equal(o.Ch5, p.Ch5) && slices.Equal(o.Ch6, p.Ch6)
}

// PolicyString describes a policy for logs.
func PolicyString(p HopPolicy) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprintf("%s%v", p.Mode(), p.Sequence())
}
