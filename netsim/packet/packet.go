// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet contains [*Packet] and the related definitions.
package packet

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// IPProtocol is the protocol number of an IP packet.
type IPProtocol uint8

// String returns the string representation of the IP protocol.
func (p IPProtocol) String() string {
	switch p {
	case IPProtocolTCP:
		return "tcp"

	case IPProtocolUDP:
		return "udp"

	default:
		return "unknown"
	}
}

const (
	// IPProtocolTCP is the TCP protocol number.
	IPProtocolTCP = 6

	// IPProtocolUDP is the UDP protocol number.
	IPProtocolUDP = 17
)

// TCPFlags is a set of TCP flags.
type TCPFlags uint8

// flagNames contains the flags in the order used by String.
var flagNames = []struct {
	flag TCPFlags
	name string
}{
	{TCPFlagFIN, "F"},
	{TCPFlagSYN, "S"},
	{TCPFlagRST, "R"},
	{TCPFlagPSH, "P"},
	{TCPFlagACK, "A"},
}

// String returns the string representation of the TCP flags.
func (flags TCPFlags) String() string {
	var builder strings.Builder
	for _, entry := range flagNames {
		if flags&entry.flag != 0 {
			builder.WriteString(entry.name)
		} else {
			builder.WriteString(".")
		}
	}
	return builder.String()
}

// Has returns whether all the given flags are set.
func (flags TCPFlags) Has(want TCPFlags) bool {
	return flags&want == want
}

const (
	// TCPFlagFIN is the FIN flag.
	TCPFlagFIN = 1

	// TCPFlagSYN is the SYN flag.
	TCPFlagSYN = 2

	// TCPFlagRST is the RST flag.
	TCPFlagRST = 4

	// TCPFlagPSH is the PSH flag.
	TCPFlagPSH = 8

	// TCPFlagACK is the ACK flag.
	TCPFlagACK = 16
)

const (
	// IPv4HeaderSize is the size of an IPv4 header without options.
	IPv4HeaderSize = 20

	// TCPHeaderSize is the size of a TCP header without options.
	TCPHeaderSize = 20

	// DefaultTTL is the TTL used for locally generated packets.
	DefaultTTL = 64
)

// Packet is a network packet.
type Packet struct {
	// UID uniquely identifies the packet within a simulation. Retransmitted
	// segments are distinct packets with distinct UIDs.
	UID uint64

	// TTL is the packet TTL.
	TTL uint8

	// SrcAddr is the source address.
	SrcAddr netip.Addr

	// DstAddr is the destination address.
	DstAddr netip.Addr

	// IPProtocol is the protocol number.
	IPProtocol IPProtocol

	// SrcPort is the source port.
	SrcPort uint16

	// DstPort is the destination port.
	DstPort uint16

	// TCPFlags is the TCP flags.
	Flags TCPFlags

	// Seq is the TCP sequence number.
	Seq uint32

	// Ack is the TCP acknowledgement number.
	Ack uint32

	// Window is the TCP advertised receive window.
	Window uint16

	// Payload is the packet payload.
	Payload []byte
}

// Size returns the size of the packet at the IP layer, that is,
// the IPv4 and TCP headers plus the payload.
func (p *Packet) Size() int {
	return IPv4HeaderSize + TCPHeaderSize + len(p.Payload)
}

// String returns the string representation of the packet.
func (p *Packet) String() string {
	switch p.IPProtocol {
	case IPProtocolTCP:
		return p.stringTCP()
	default:
		return p.stringOtherwise()
	}
}

// stringOtherwise returns the string representation of the packet for non-TCP protocols.
func (p *Packet) stringOtherwise() string {
	return fmt.Sprintf(
		"%s -> %s %s length=%d",
		net.JoinHostPort(p.SrcAddr.String(), fmt.Sprintf("%d", p.SrcPort)),
		net.JoinHostPort(p.DstAddr.String(), fmt.Sprintf("%d", p.DstPort)),
		p.IPProtocol.String(),
		len(p.Payload),
	)
}

// stringTCP returns the string representation of the packet for TCP protocol.
func (p *Packet) stringTCP() string {
	return fmt.Sprintf(
		"%s -> %s %s flags=%s seq=%d ack=%d length=%d",
		net.JoinHostPort(p.SrcAddr.String(), fmt.Sprintf("%d", p.SrcPort)),
		net.JoinHostPort(p.DstAddr.String(), fmt.Sprintf("%d", p.DstPort)),
		p.IPProtocol.String(),
		p.Flags.String(),
		p.Seq,
		p.Ack,
		len(p.Payload),
	)
}

// Target is the verdict of a [Filter].
type Target int

const (
	// ACCEPT lets the packet through.
	ACCEPT Target = iota

	// DROP discards the packet.
	DROP
)

// String returns the string representation of the target.
func (t Target) String() string {
	if t == DROP {
		return "DROP"
	}
	return "ACCEPT"
}

// Filter inspects a packet and decides what to do with it.
//
// The returned packets, if any, are injected in the reverse direction.
type Filter interface {
	Filter(pkt *Packet) (Target, []*Packet)
}

// FilterFunc adapts a function to the [Filter] interface.
type FilterFunc func(pkt *Packet) (Target, []*Packet)

// Filter implements [Filter].
func (fx FilterFunc) Filter(pkt *Packet) (Target, []*Packet) {
	return fx(pkt)
}
