// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package tcp implements a minimal event-driven TCP for the simulator.

A [*Stack] owns the sockets of a node and demultiplexes the incoming
segments. Sockets implement the three-way handshake, cumulative
acknowledgements, NewReno congestion control (slow start, congestion
avoidance, fast retransmit and fast recovery), retransmission timeouts
with exponential back-off, and graceful close.

Everything runs inside scheduler callbacks. There are no goroutines and
no locks: a [*Socket] must only be used from the simulation goroutine.

The congestion window is exposed as a trace source through
[*Socket.CongestionWindow], which publishes a [CwndSample] every time
the window changes.
*/
package tcp

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/tcpchain/internal/slogx"
	"github.com/rbmk-project/tcpchain/netsim/packet"
	"github.com/rbmk-project/tcpchain/netsim/sched"
)

// IPLayer is the network layer as seen by a [*Stack].
type IPLayer interface {
	// SendIP routes and transmits a locally generated packet.
	SendIP(pkt *packet.Packet) error

	// SourceAddr returns the local address used to reach dst.
	SourceAddr(dst netip.Addr) (netip.Addr, bool)
}

// Scheduler is the [*sched.Simulator] as seen by a [*Stack].
type Scheduler interface {
	Now() time.Duration
	Schedule(delay time.Duration, fn func()) sched.EventID
	Cancel(id sched.EventID)
}

// connKey identifies a connection.
type connKey struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

// firstEphemeralPort is the first port used by [*Socket.Bind].
const firstEphemeralPort = 49152

// Stack is a TCP stack.
//
// The zero value is not ready to use; construct using [NewStack].
type Stack struct {
	// config is the TCP configuration.
	config Config

	// conns maps connection keys to connected sockets.
	conns map[connKey]*Socket

	// ip is the network layer.
	ip IPLayer

	// listeners maps local endpoints to listening sockets.
	listeners map[netip.AddrPort]*Socket

	// logger is the structured logger.
	logger *slog.Logger

	// nextport is the next ephemeral port to try.
	nextport uint16

	// ports tracks the bound local ports.
	ports map[uint16]bool

	// sim is the scheduler.
	sim Scheduler
}

// NewStack creates a new [*Stack] using the given scheduler and network
// layer. A nil config means [DefaultConfig]. A nil logger disables logging.
func NewStack(sim Scheduler, ip IPLayer, config *Config, logger *slog.Logger) (*Stack, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Stack{
		config:    *config,
		conns:     map[connKey]*Socket{},
		ip:        ip,
		listeners: map[netip.AddrPort]*Socket{},
		logger:    slogx.OrDiscard(logger),
		nextport:  firstEphemeralPort,
		ports:     map[uint16]bool{},
		sim:       sim,
	}, nil
}

// Config returns the stack configuration.
func (s *Stack) Config() Config {
	return s.config
}

// Conns returns the number of registered connections.
func (s *Stack) Conns() int {
	return len(s.conns)
}

// allocPort returns the next free ephemeral port.
func (s *Stack) allocPort() (uint16, error) {
	for range 65536 - firstEphemeralPort {
		port := s.nextport
		s.nextport++
		if s.nextport == 0 {
			s.nextport = firstEphemeralPort
		}
		if !s.ports[port] {
			s.ports[port] = true
			return port, nil
		}
	}
	return 0, EADDRINUSE
}

// reservePort marks the given port as bound.
func (s *Stack) reservePort(port uint16) error {
	if s.ports[port] {
		return EADDRINUSE
	}
	s.ports[port] = true
	return nil
}

// releasePort marks the given port as free.
func (s *Stack) releasePort(port uint16) {
	delete(s.ports, port)
}

// Deliver demultiplexes an incoming segment to the proper socket. Segments
// matching no socket are answered with a reset.
func (s *Stack) Deliver(pkt *packet.Packet) {
	if pkt.IPProtocol != packet.IPProtocolTCP {
		return
	}
	key := connKey{
		local:  netip.AddrPortFrom(pkt.DstAddr, pkt.DstPort),
		remote: netip.AddrPortFrom(pkt.SrcAddr, pkt.SrcPort),
	}
	if sk := s.conns[key]; sk != nil {
		sk.input(pkt)
		return
	}
	if ln := s.findListener(pkt); ln != nil && pkt.Flags&(packet.TCPFlagSYN|packet.TCPFlagACK|packet.TCPFlagRST) == packet.TCPFlagSYN {
		ln.accept(pkt)
		return
	}
	s.reset(pkt)
}

// findListener finds the listener for a segment, first trying the exact
// local address and then the unspecified address.
func (s *Stack) findListener(pkt *packet.Packet) *Socket {
	if ln := s.listeners[netip.AddrPortFrom(pkt.DstAddr, pkt.DstPort)]; ln != nil {
		return ln
	}
	for _, addr := range []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()} {
		if ln := s.listeners[netip.AddrPortFrom(addr, pkt.DstPort)]; ln != nil {
			return ln
		}
	}
	return nil
}

// segmentLength returns the sequence space consumed by a segment.
func segmentLength(pkt *packet.Packet) uint32 {
	n := uint32(len(pkt.Payload))
	if pkt.Flags.Has(packet.TCPFlagSYN) {
		n++
	}
	if pkt.Flags.Has(packet.TCPFlagFIN) {
		n++
	}
	return n
}

// reset answers a segment matching no socket with a reset.
func (s *Stack) reset(pkt *packet.Packet) {
	if pkt.Flags.Has(packet.TCPFlagRST) {
		return
	}
	rst := &packet.Packet{
		TTL:        packet.DefaultTTL,
		SrcAddr:    pkt.DstAddr,
		DstAddr:    pkt.SrcAddr,
		IPProtocol: packet.IPProtocolTCP,
		SrcPort:    pkt.DstPort,
		DstPort:    pkt.SrcPort,
	}
	if pkt.Flags.Has(packet.TCPFlagACK) {
		rst.Flags = packet.TCPFlagRST
		rst.Seq = pkt.Ack
	} else {
		rst.Flags = packet.TCPFlagRST | packet.TCPFlagACK
		rst.Ack = pkt.Seq + segmentLength(pkt)
	}
	s.logger.Debug("tcpReset", slog.Duration("t", s.sim.Now()), slog.String("pkt", pkt.String()))
	if err := s.ip.SendIP(rst); err != nil {
		s.logger.Debug("tcpResetError", slog.Any("err", err), slog.String("errClass", errclass.New(err)))
	}
}

// NewSocket creates a new unbound [*Socket] in the CLOSED state.
func (s *Stack) NewSocket() *Socket {
	sk := &Socket{
		cwnd:     s.config.InitialCwnd * s.config.SegmentSize,
		ooo:      map[uint32][]byte{},
		rwnd:     s.config.SegmentSize,
		ssthresh: s.config.InitialSsthresh,
		stack:    s,
		state:    StateClosed,
	}
	sk.rtt.init(&s.config)
	return sk
}
