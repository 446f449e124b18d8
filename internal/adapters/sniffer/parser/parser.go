package parser

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mardigiorgio/PiGuard/internal/adapters/sniffer/ie"
	"github.com/mardigiorgio/PiGuard/internal/core/domain"
)

// Parse errors. Reason maps them to the label used for dropped-frame metrics.
var (
	ErrNoDot11          = errors.New("no 802.11 layer")
	ErrUnsupportedFrame = errors.New("unsupported frame subtype")
	ErrMalformed        = errors.New("malformed frame")
)

// Options tune what Parse extracts.
type Options struct {
	// TunedChannel is the hopper's current channel, used when neither the
	// DS Parameter Set nor the radio header carries one.
	TunedChannel int
	// TunedBand overrides the band inferred from TunedChannel.
	TunedBand domain.Band
	ParseRSN  bool
	// Now supplies the timestamp for packets without capture metadata.
	Now func() time.Time
}

// Parse turns a captured management frame into an Event. Panics raised while
// decoding hostile input are recovered and reported as ErrMalformed.
func Parse(packet gopacket.Packet, opts Options) (ev domain.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = domain.Event{}
			err = fmt.Errorf("%w: panic: %v", ErrMalformed, r)
		}
	}()

	if el := packet.ErrorLayer(); el != nil && packet.Layer(layers.LayerTypeDot11) == nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformed, el.Error())
	}

	dot11Layer := packet.Layer(layers.LayerTypeDot11)
	if dot11Layer == nil {
		return ev, ErrNoDot11
	}
	dot11, ok := dot11Layer.(*layers.Dot11)
	if !ok {
		return ev, ErrNoDot11
	}

	// Fixed parameters preceding the tagged IEs
	var fixed int
	switch dot11.Type {
	case layers.Dot11TypeMgmtBeacon:
		ev.FrameType = domain.FrameBeacon
		fixed = 12
	case layers.Dot11TypeMgmtProbeReq:
		ev.FrameType = domain.FrameProbe
	case layers.Dot11TypeMgmtDeauthentication:
		ev.FrameType = domain.FrameDeauth
	case layers.Dot11TypeMgmtDisassociation:
		ev.FrameType = domain.FrameDisassoc
	default:
		return ev, fmt.Errorf("%w: %s", ErrUnsupportedFrame, dot11.Type)
	}

	ev.TS = packet.Metadata().Timestamp
	if ev.TS.IsZero() {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		ev.TS = now()
	}
	ev.TS = ev.TS.UTC()

	// addr2 = transmitter, addr1 = receiver, addr3 = BSSID
	ev.SrcMAC = macPtr(dot11.Address2.String())
	ev.DstMAC = macPtr(dot11.Address1.String())
	ev.BSSID = macPtr(dot11.Address3.String())

	freq, power := radioInfo(packet)
	ev.Power = power

	if ev.FrameType == domain.FrameBeacon || ev.FrameType == domain.FrameProbe {
		body := dot11.Payload
		if len(body) < fixed {
			return domain.Event{}, fmt.Errorf("%w: %s body too short", ErrMalformed, ev.FrameType)
		}
		ies := body[fixed:]

		if ssid := ie.ParseSSID(ies); !ssid.Hidden {
			ev.SSID = domain.StrPtr(ssid.Value)
		}
		if ev.FrameType == domain.FrameBeacon {
			if ch, err := ie.ParseChannel(ies); err == nil {
				ev.Channel = ch
			}
			if opts.ParseRSN {
				// A broken RSN element leaves RSN unset rather than dropping the beacon
				if rsn, err := ie.FindRSN(ies); err == nil {
					ev.RSN = rsn
				}
			}
		}
	}

	if ev.Channel == 0 && freq > 0 {
		ev.Channel = domain.FrequencyToChannel(freq)
	}
	fromTuned := ev.Channel == 0
	if fromTuned {
		ev.Channel = opts.TunedChannel
	}

	ev.Band = domain.BandForFrequency(freq)
	if ev.Band == domain.BandUnknown {
		// Channel numbers repeat across bands; trust the tuned band when the
		// frame carries the tuned number.
		if opts.TunedBand != "" && (fromTuned || ev.Channel == opts.TunedChannel) {
			ev.Band = opts.TunedBand
		} else {
			ev.Band = domain.BandForChannel(ev.Channel)
		}
	}
	return ev, nil
}

// Reason returns a short metric label for a Parse error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNoDot11):
		return "no_dot11"
	case errors.Is(err, ErrUnsupportedFrame):
		return "unsupported"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "other"
	}
}

func radioInfo(packet gopacket.Packet) (freq int, power *int) {
	radiotapLayer := packet.Layer(layers.LayerTypeRadioTap)
	if radiotapLayer == nil {
		return 0, nil
	}
	radiotap, ok := radiotapLayer.(*layers.RadioTap)
	if !ok {
		return 0, nil
	}
	if radiotap.Present.Channel() {
		freq = int(radiotap.ChannelFrequency)
	}
	if radiotap.Present.DBMAntennaSignal() {
		power = domain.IntPtr(int(radiotap.DBMAntennaSignal))
	}
	return freq, power
}

func macPtr(s string) *string {
	if s == "" || s == "00:00:00:00:00:00" {
		return nil
	}
	return domain.StrPtr(domain.NormalizeMAC(s))
}
