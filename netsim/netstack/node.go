// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package netstack implements simulated network nodes.

A [*Node] owns point-to-point devices, a routing table, and a TCP stack.
Packets received on a device are either delivered to the TCP stack, when
addressed to one of the node addresses, or forwarded according to the
routing table. Locally generated packets are routed the same way.

Applications are installed with start and stop times through
[*Node.AddApplication], which schedules their lifecycle callbacks.
*/
package netstack

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/tcpchain/internal/slogx"
	"github.com/rbmk-project/tcpchain/netsim/hook"
	"github.com/rbmk-project/tcpchain/netsim/link"
	"github.com/rbmk-project/tcpchain/netsim/packet"
	"github.com/rbmk-project/tcpchain/netsim/router"
	"github.com/rbmk-project/tcpchain/netsim/sched"
	"github.com/rbmk-project/tcpchain/netsim/tcp"
)

const (
	// DropNoRoute is a packet discarded for lack of a route.
	DropNoRoute = link.DropReason("no-route")

	// DropTTL is a packet discarded because its TTL expired.
	DropTTL = link.DropReason("ttl")
)

// Scheduler is the [*sched.Simulator] as seen by a [*Node].
type Scheduler interface {
	Now() time.Duration
	Schedule(delay time.Duration, fn func()) sched.EventID
	ScheduleAt(at time.Duration, fn func()) sched.EventID
	Cancel(id sched.EventID)
}

// Application is an application running on a [*Node].
type Application interface {
	// Start starts the application.
	Start() error

	// Stop stops the application. It must be idempotent.
	Stop()
}

// UIDSource assigns simulation-wide unique packet identifiers.
//
// The zero value is ready to use.
type UIDSource struct {
	next uint64
}

// Next returns the next identifier, starting from 1.
func (u *UIDSource) Next() uint64 {
	u.next++
	return u.next
}

// ErrInvalidSchedule indicates invalid application start or stop times.
var ErrInvalidSchedule = errors.New("invalid application schedule")

// Node is a network node.
//
// The zero value is not ready to use; construct using [New].
type Node struct {
	// devs contains the attached devices.
	devs []*link.Device

	// drops publishes packets dropped by the IP layer.
	drops hook.Source[link.Drop]

	// forwarded counts the forwarded packets.
	forwarded uint64

	// id is the node index.
	id int

	// logger is the structured logger.
	logger *slog.Logger

	// sim is the scheduler.
	sim Scheduler

	// table is the routing table.
	table router.Table

	// tcp is the TCP stack.
	tcp *tcp.Stack

	// uids assigns packet identifiers.
	uids *UIDSource
}

var (
	_ link.Receiver = &Node{}
	_ router.Host   = &Node{}
	_ tcp.IPLayer   = &Node{}
)

// New creates a new [*Node] with the given index. The uids source must
// be shared by all the nodes of a simulation. A nil TCP config means
// [tcp.DefaultConfig]. A nil logger disables logging.
func New(id int, sim Scheduler, uids *UIDSource, config *tcp.Config, logger *slog.Logger) (*Node, error) {
	logger = slogx.OrDiscard(logger)
	n := &Node{
		id:     id,
		logger: logger,
		sim:    sim,
		uids:   uids,
	}
	stack, err := tcp.NewStack(sim, n, config, logger.With(slog.Int("node", id)))
	if err != nil {
		return nil, err
	}
	n.tcp = stack
	return n, nil
}

// ID returns the node index.
func (n *Node) ID() int {
	return n.id
}

// String returns a string representation of the node.
func (n *Node) String() string {
	return fmt.Sprintf("node%d", n.id)
}

// AddDevice attaches a device to the node. The device must be
// owned by the node, that is, created by a link having the node
// as one of its endpoints.
func (n *Node) AddDevice(dev *link.Device) {
	n.devs = append(n.devs, dev)
}

// Devices implements [router.Host].
func (n *Node) Devices() []*link.Device {
	return n.devs
}

// Table implements [router.Host].
func (n *Node) Table() *router.Table {
	return &n.table
}

// TCP returns the node TCP stack.
func (n *Node) TCP() *tcp.Stack {
	return n.tcp
}

// Addresses returns the addresses of the node devices.
func (n *Node) Addresses() []netip.Addr {
	var out []netip.Addr
	for _, dev := range n.devs {
		if prefix := dev.Addr(); prefix.IsValid() {
			out = append(out, prefix.Addr())
		}
	}
	return out
}

// Drops returns the source publishing packets dropped while routing.
func (n *Node) Drops() *hook.Source[link.Drop] {
	return &n.drops
}

// Forwarded returns the number of forwarded packets.
func (n *Node) Forwarded() uint64 {
	return n.forwarded
}

// isLocal returns whether addr is one of the node addresses.
func (n *Node) isLocal(addr netip.Addr) bool {
	for _, dev := range n.devs {
		if dev.Addr().Addr() == addr {
			return true
		}
	}
	return false
}

// Receive implements [link.Receiver].
func (n *Node) Receive(dev *link.Device, pkt *packet.Packet) {
	if n.isLocal(pkt.DstAddr) {
		n.tcp.Deliver(pkt)
		return
	}
	if pkt.TTL <= 1 {
		n.drop(dev, pkt, DropTTL)
		return
	}
	route, found := n.table.Lookup(pkt.DstAddr)
	if !found {
		n.drop(dev, pkt, DropNoRoute)
		return
	}
	fwd := *pkt
	fwd.TTL--
	n.forwarded++
	n.logger.Debug("ipForward",
		slog.Int("node", n.id),
		slog.Duration("t", n.sim.Now()),
		slog.String("pkt", fwd.String()),
	)
	route.Device.Send(&fwd)
}

// SendIP implements [tcp.IPLayer].
func (n *Node) SendIP(pkt *packet.Packet) error {
	pkt.UID = n.uids.Next()
	if pkt.TTL == 0 {
		pkt.TTL = packet.DefaultTTL
	}
	if n.isLocal(pkt.DstAddr) {
		n.sim.Schedule(0, func() { n.tcp.Deliver(pkt) })
		return nil
	}
	route, found := n.table.Lookup(pkt.DstAddr)
	if !found {
		n.drop(nil, pkt, DropNoRoute)
		return tcp.EHOSTUNREACH
	}
	if !route.Device.Send(pkt) {
		return tcp.ENOBUFS
	}
	return nil
}

// SourceAddr implements [tcp.IPLayer].
func (n *Node) SourceAddr(dst netip.Addr) (netip.Addr, bool) {
	if n.isLocal(dst) {
		return dst, true
	}
	route, found := n.table.Lookup(dst)
	if !found || !route.Device.Addr().IsValid() {
		return netip.Addr{}, false
	}
	return route.Device.Addr().Addr(), true
}

// drop publishes a packet dropped by the IP layer.
func (n *Node) drop(dev *link.Device, pkt *packet.Packet, reason link.DropReason) {
	n.logger.Debug("ipDrop",
		slog.Int("node", n.id),
		slog.Duration("t", n.sim.Now()),
		slog.String("pkt", pkt.String()),
		slog.String("reason", string(reason)),
	)
	n.drops.Publish(link.Drop{At: n.sim.Now(), Device: dev, Packet: pkt, Reason: reason})
}

// AddApplication schedules the start and stop of an application at the
// given absolute simulated times. Start errors are logged.
func (n *Node) AddApplication(app Application, start, stop time.Duration) error {
	if start < n.sim.Now() || stop < start {
		return fmt.Errorf("%w: start=%s stop=%s", ErrInvalidSchedule, start, stop)
	}
	n.sim.ScheduleAt(start, func() {
		if err := app.Start(); err != nil {
			n.logger.Warn("appStartError",
				slog.Int("node", n.id),
				slog.Duration("t", n.sim.Now()),
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)),
			)
		}
	})
	n.sim.ScheduleAt(stop, app.Stop)
	return nil
}
