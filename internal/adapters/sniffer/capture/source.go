package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// BPFFilter keeps only the management subtypes the parser understands.
const BPFFilter = "type mgt subtype beacon or type mgt subtype deauth or type mgt subtype disassoc or type mgt subtype probe-req"

// PacketSource is an open capture handle.
type PacketSource interface {
	// Packets is closed when the handle fails or is closed.
	Packets() <-chan gopacket.Packet
	Close()
}

// SourceOpener opens a capture handle on an interface.
type SourceOpener interface {
	Open(iface string) (PacketSource, error)
}

// PcapOpener opens live monitor-mode handles through libpcap.
type PcapOpener struct{}

func (PcapOpener) Open(iface string) (PacketSource, error) {
	handle, err := pcap.OpenLive(iface, 65536, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", iface, err)
	}
	if err := handle.SetBPFFilter(BPFFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set BPF filter on %s: %w", iface, err)
	}
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	source.NoCopy = true
	return &pcapSource{handle: handle, packets: source.Packets()}, nil
}

type pcapSource struct {
	handle  *pcap.Handle
	packets chan gopacket.Packet
}

func (s *pcapSource) Packets() <-chan gopacket.Packet { return s.packets }
func (s *pcapSource) Close()                          { s.handle.Close() }
