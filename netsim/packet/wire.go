//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Wire encoding of a [*Packet].
//

package packet

import (
	"errors"
	"net"

	"github.com/google/netstack/tcpip/header"
	"golang.org/x/net/ipv4"
)

// ErrNotIPv4 indicates that a packet address is not IPv4.
var ErrNotIPv4 = errors.New("packet: not an IPv4 packet")

// PPPProtocolIPv4 is the PPP protocol number for IPv4 datagrams.
const PPPProtocolIPv4 = 0x0021

// Marshal serializes the packet as an IPv4 datagram carrying a TCP
// segment. The IPv4 header checksum is computed; the TCP checksum
// is left zero because nothing in the simulation verifies it.
func (p *Packet) Marshal() ([]byte, error) {
	if !p.SrcAddr.Is4() || !p.DstAddr.Is4() {
		return nil, ErrNotIPv4
	}

	iph := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      IPv4HeaderSize,
		TotalLen: p.Size(),
		ID:       int(uint16(p.UID)),
		TTL:      int(p.TTL),
		Protocol: int(p.IPProtocol),
		Src:      net.IP(p.SrcAddr.AsSlice()),
		Dst:      net.IP(p.DstAddr.AsSlice()),
	}
	ipBytes, err := iph.Marshal()
	if err != nil {
		return nil, err
	}
	csum := header.Checksum(ipBytes, 0) ^ 0xffff
	ipBytes[10] = byte(csum >> 8)
	ipBytes[11] = byte(csum)

	tcpBytes := make(header.TCP, header.TCPMinimumSize)
	tcpBytes.Encode(&header.TCPFields{
		SrcPort:    p.SrcPort,
		DstPort:    p.DstPort,
		SeqNum:     p.Seq,
		AckNum:     p.Ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      uint8(p.Flags),
		WindowSize: p.Window,
	})

	out := make([]byte, 0, p.Size())
	out = append(out, ipBytes...)
	out = append(out, tcpBytes...)
	out = append(out, p.Payload...)
	return out, nil
}

// MarshalPPP is like [*Packet.Marshal] but prepends the two-byte
// PPP protocol field used by point-to-point links.
func (p *Packet) MarshalPPP() ([]byte, error) {
	data, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	return append([]byte{PPPProtocolIPv4 >> 8, PPPProtocolIPv4 & 0xff}, data...), nil
}
