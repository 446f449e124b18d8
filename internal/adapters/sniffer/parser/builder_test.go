package parser

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var broadcast = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// PacketBuilder helps construct valid 802.11 packets for testing using raw bytes
type PacketBuilder struct {
	radiotap []byte
	data     []byte
}

func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// WithRadioTap prepends a radiotap header carrying flags (FCS present),
// channel frequency and antenna signal.
func (pb *PacketBuilder) WithRadioTap(freqMHz uint16, dbm int8) *PacketBuilder {
	h := make([]byte, 15)
	binary.LittleEndian.PutUint16(h[2:], 15)
	// present: flags, channel, dbm antenna signal
	binary.LittleEndian.PutUint32(h[4:], 0x2A)
	h[8] = 0x10 // FCS included
	binary.LittleEndian.PutUint16(h[10:], freqMHz)
	h[14] = byte(dbm)
	pb.radiotap = h
	return pb
}

func (pb *PacketBuilder) AddMgmtBeacon(sa, bssid net.HardwareAddr, ssid string) *PacketBuilder {
	// Addr1=Broadcast, Addr2=SA, Addr3=BSSID
	pb.data = append(pb.data, buildDot11Header(0x80, broadcast, sa, bssid)...)

	// Fixed Param: Timestamp(8), Interval(2), CapInfo(2)
	fixed := []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // Timestamp
		0x64, 0x00, // Interval 100
		0x01, 0x00, // Caps: ESS
	}
	pb.data = append(pb.data, fixed...)

	pb.AddIE(layers.Dot11InformationElementIDSSID, []byte(ssid))
	return pb
}

func (pb *PacketBuilder) AddMgmtProbeReq(sa net.HardwareAddr, ssid string) *PacketBuilder {
	pb.data = append(pb.data, buildDot11Header(0x40, broadcast, sa, broadcast)...)
	pb.AddIE(layers.Dot11InformationElementIDSSID, []byte(ssid))
	return pb
}

// AddMgmtDeauth adds a deauthentication frame with reason 7.
func (pb *PacketBuilder) AddMgmtDeauth(sa, da, bssid net.HardwareAddr) *PacketBuilder {
	pb.data = append(pb.data, buildDot11Header(0xC0, da, sa, bssid)...)
	pb.data = append(pb.data, 0x07, 0x00)
	return pb
}

// AddMgmtDisassoc adds a disassociation frame with reason 8.
func (pb *PacketBuilder) AddMgmtDisassoc(sa, da, bssid net.HardwareAddr) *PacketBuilder {
	pb.data = append(pb.data, buildDot11Header(0xA0, da, sa, bssid)...)
	pb.data = append(pb.data, 0x08, 0x00)
	return pb
}

// AddMgmtAuth adds an authentication frame, which the parser does not store.
func (pb *PacketBuilder) AddMgmtAuth(sa, da net.HardwareAddr) *PacketBuilder {
	pb.data = append(pb.data, buildDot11Header(0xB0, da, sa, da)...)
	pb.data = append(pb.data, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00)
	return pb
}

func (pb *PacketBuilder) AddIE(id layers.Dot11InformationElementID, data []byte) *PacketBuilder {
	ie := []byte{byte(id), byte(len(data))}
	ie = append(ie, data...)
	pb.data = append(pb.data, ie...)
	return pb
}

// AddDSParam adds the DS Parameter Set carrying the AP's channel.
func (pb *PacketBuilder) AddDSParam(ch byte) *PacketBuilder {
	return pb.AddIE(layers.Dot11InformationElementIDDSSet, []byte{ch})
}

// AddRSNIE adds a WPA2 RSN Information Element
func (pb *PacketBuilder) AddRSNIE() *PacketBuilder {
	data := []byte{
		0x01, 0x00, // Version
		0x00, 0x0F, 0xAC, 0x04, // Group Cipher
		0x01, 0x00, // Pairwise Count
		0x00, 0x0F, 0xAC, 0x04, // Pairwise
		0x01, 0x00, // Auth Count
		0x00, 0x0F, 0xAC, 0x02, // Auth
		0x00, 0x00, // Caps
	}
	return pb.AddIE(layers.Dot11InformationElementIDRSNInfo, data)
}

// Bytes returns the encoded frame including the radiotap header and FCS.
func (pb *PacketBuilder) Bytes() []byte {
	// FCS (Frame Check Sequence) - 4 bytes dummy
	out := append([]byte{}, pb.radiotap...)
	out = append(out, pb.data...)
	return append(out, 0xDE, 0xAD, 0xBE, 0xEF)
}

func (pb *PacketBuilder) Build() gopacket.Packet {
	first := layers.LayerTypeDot11
	if pb.radiotap != nil {
		first = layers.LayerTypeRadioTap
	}
	return gopacket.NewPacket(pb.Bytes(), first, gopacket.Default)
}

// Helper: buildDot11Header (Basic MGMT header 24 bytes)
func buildDot11Header(fcType byte, a1, a2, a3 net.HardwareAddr) []byte {
	h := make([]byte, 24)
	h[0] = fcType
	copy(h[4:], a1)
	copy(h[10:], a2)
	copy(h[16:], a3)
	return h
}
