// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package link models a full-duplex point-to-point link.

A [*Link] joins exactly two [*Device]. Each device serializes packets
onto the link at the configured data rate, one at a time, queueing the
others in a drop-tail queue. A packet reaches the peer device after the
serialization time plus the propagation delay. The receiving device may
run a receive [packet.Filter] (for example an error model) that can drop
the packet before it reaches the owning node.

Drops, both at receive time and because of a full queue, are published
on the device [hook.Source] returned by [*Device.Drops].
*/
package link

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/rbmk-project/tcpchain/internal/slogx"
	"github.com/rbmk-project/tcpchain/netsim/hook"
	"github.com/rbmk-project/tcpchain/netsim/packet"
	"github.com/rbmk-project/tcpchain/netsim/sched"
	"github.com/rbmk-project/tcpchain/netsim/units"
)

// PPPHeaderSize is the per-packet framing overhead on the link.
const PPPHeaderSize = 2

// DefaultQueueSize is the default transmit queue size in packets.
const DefaultQueueSize = 100

// Scheduler is the [*sched.Simulator] as seen by a [*Link].
type Scheduler interface {
	Now() time.Duration
	Schedule(delay time.Duration, fn func()) sched.EventID
}

// Receiver receives packets delivered by a [*Device].
type Receiver interface {
	Receive(dev *Device, pkt *packet.Packet)
}

// DropReason explains why a packet was dropped.
type DropReason string

const (
	// DropPhyRx is a packet discarded by the receive filter.
	DropPhyRx = DropReason("phy-rx")

	// DropQueue is a packet discarded because the transmit queue is full.
	DropQueue = DropReason("queue")
)

// Drop describes a dropped packet.
type Drop struct {
	// At is the simulated time of the drop.
	At time.Duration

	// Device is the device that dropped the packet.
	Device *Device

	// Packet is the dropped packet.
	Packet *packet.Packet

	// Reason is the reason for dropping.
	Reason DropReason
}

// Config configures a [*Link].
type Config struct {
	// DataRate is the device data rate. It must be positive.
	DataRate units.DataRate

	// Delay is the propagation delay. It must not be negative.
	Delay time.Duration

	// QueueSize is the transmit queue size in packets. Zero
	// means [DefaultQueueSize].
	QueueSize int
}

// ErrInvalidConfig indicates an invalid link configuration.
var ErrInvalidConfig = errors.New("invalid link config")

// validate returns an error if the configuration is not valid.
func (c *Config) validate() error {
	if c.DataRate == 0 {
		return fmt.Errorf("%w: data rate must be positive", ErrInvalidConfig)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: negative queue size", ErrInvalidConfig)
	}
	return nil
}

// Link models a point-to-point link between two [*Device].
//
// The zero value is not ready to use; construct using [New].
type Link struct {
	// config is the link configuration.
	config Config

	// devs contains the left and right devices.
	devs [2]*Device

	// logger is the structured logger.
	logger *slog.Logger

	// sim is the scheduler.
	sim Scheduler
}

// New creates a new [*Link] between the left and right receivers,
// which typically are network nodes. A nil logger disables logging.
func New(sim Scheduler, config *Config, left, right Receiver, logger *slog.Logger) (*Link, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	lnk := &Link{
		config: *config,
		logger: slogx.OrDiscard(logger),
		sim:    sim,
	}
	if lnk.config.QueueSize == 0 {
		lnk.config.QueueSize = DefaultQueueSize
	}
	lnk.devs[0] = &Device{index: 0, link: lnk, owner: left}
	lnk.devs[1] = &Device{index: 1, link: lnk, owner: right}
	return lnk, nil
}

// Device returns the left (0) or right (1) device.
//
// This method panics for any other index.
func (lnk *Link) Device(index int) *Device {
	return lnk.devs[index]
}

// Config returns the link configuration.
func (lnk *Link) Config() Config {
	return lnk.config
}

// deliver schedules the arrival of a packet at the given device.
func (lnk *Link) deliver(dst *Device, pkt *packet.Packet, after time.Duration) {
	lnk.sim.Schedule(after, func() { dst.receive(pkt) })
}

// Device is one end of a [*Link].
type Device struct {
	// addr is the address assigned to the device.
	addr netip.Prefix

	// busy indicates whether a transmission is in progress.
	busy bool

	// drops publishes dropped packets.
	drops hook.Source[Drop]

	// index is the device index within the link.
	index int

	// link is the link the device belongs to.
	link *Link

	// owner receives the packets delivered to this device.
	owner Receiver

	// queue is the drop-tail transmit queue.
	queue []*packet.Packet

	// rxFilter is the optional receive filter.
	rxFilter packet.Filter

	// rxPackets counts the packets delivered to the owner.
	rxPackets uint64

	// txPackets counts the packets serialized onto the link.
	txPackets uint64
}

// Addr returns the address assigned to the device.
func (d *Device) Addr() netip.Prefix {
	return d.addr
}

// SetAddr assigns an address to the device.
func (d *Device) SetAddr(addr netip.Prefix) {
	d.addr = addr
}

// Link returns the link the device belongs to.
func (d *Device) Link() *Link {
	return d.link
}

// Owner returns the receiver owning the device.
func (d *Device) Owner() Receiver {
	return d.owner
}

// Peer returns the device at the other end of the link.
func (d *Device) Peer() *Device {
	return d.link.devs[1-d.index]
}

// SetReceiveFilter installs a filter that runs on every packet received
// by this device before delivery to the owner. Packets for which the
// filter returns [packet.DROP] are published on [*Device.Drops].
func (d *Device) SetReceiveFilter(filter packet.Filter) {
	d.rxFilter = filter
}

// Drops returns the source publishing dropped packets.
func (d *Device) Drops() *hook.Source[Drop] {
	return &d.drops
}

// TxPackets returns the number of packets serialized onto the link.
func (d *Device) TxPackets() uint64 {
	return d.txPackets
}

// RxPackets returns the number of packets delivered to the owner.
func (d *Device) RxPackets() uint64 {
	return d.rxPackets
}

// QueueLen returns the number of packets waiting in the transmit queue.
func (d *Device) QueueLen() int {
	return len(d.queue)
}

// Send transmits a packet or queues it if a transmission is in progress.
// It returns false when the queue is full and the packet was dropped.
func (d *Device) Send(pkt *packet.Packet) bool {
	if !d.busy {
		d.transmit(pkt)
		return true
	}
	if len(d.queue) >= d.link.config.QueueSize {
		d.drop(pkt, DropQueue)
		return false
	}
	d.queue = append(d.queue, pkt)
	return true
}

// transmit serializes a packet onto the link.
func (d *Device) transmit(pkt *packet.Packet) {
	d.busy = true
	d.txPackets++
	cfg := &d.link.config
	txTime := cfg.DataRate.TransmitTime(uint64(pkt.Size() + PPPHeaderSize))
	d.link.logger.Debug("linkTx", slog.Duration("t", d.link.sim.Now()), slog.String("pkt", pkt.String()))
	d.link.deliver(d.Peer(), pkt, txTime+cfg.Delay)
	d.link.sim.Schedule(txTime, d.transmitComplete)
}

// transmitComplete starts the next transmission, if any.
func (d *Device) transmitComplete() {
	d.busy = false
	if len(d.queue) <= 0 {
		return
	}
	next := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.transmit(next)
}

// receive handles a packet arriving from the link.
func (d *Device) receive(pkt *packet.Packet) {
	if d.rxFilter != nil {
		target, inject := d.rxFilter.Filter(pkt)
		for _, p := range inject {
			d.Send(p)
		}
		if target == packet.DROP {
			d.drop(pkt, DropPhyRx)
			return
		}
	}
	d.rxPackets++
	d.owner.Receive(d, pkt)
}

// drop publishes a dropped packet.
func (d *Device) drop(pkt *packet.Packet, reason DropReason) {
	d.link.logger.Debug("linkDrop", slog.Duration("t", d.link.sim.Now()),
		slog.String("pkt", pkt.String()), slog.String("reason", string(reason)))
	d.drops.Publish(Drop{
		At:     d.link.sim.Now(),
		Device: d,
		Packet: pkt,
		Reason: reason,
	})
}
