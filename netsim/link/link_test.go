// SPDX-License-Identifier: GPL-3.0-or-later

package link_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/rbmk-project/tcpchain/netsim/link"
	"github.com/rbmk-project/tcpchain/netsim/packet"
	"github.com/rbmk-project/tcpchain/netsim/sched"
	"github.com/rbmk-project/tcpchain/netsim/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// arrival records a packet delivered to a node.
type arrival struct {
	at  time.Duration
	pkt *packet.Packet
}

// recorder is a [link.Receiver] recording arrivals.
type recorder struct {
	sim      *sched.Simulator
	arrivals []arrival
}

func (r *recorder) Receive(dev *link.Device, pkt *packet.Packet) {
	r.arrivals = append(r.arrivals, arrival{r.sim.Now(), pkt})
}

// newPacket returns a packet whose size on the link, including
// framing, is exactly wireSize bytes.
func newPacket(uid uint64, wireSize int) *packet.Packet {
	return &packet.Packet{
		UID:        uid,
		SrcAddr:    netip.MustParseAddr("10.0.0.1"),
		DstAddr:    netip.MustParseAddr("10.0.0.2"),
		IPProtocol: packet.IPProtocolTCP,
		Payload:    make([]byte, wireSize-link.PPPHeaderSize-packet.IPv4HeaderSize-packet.TCPHeaderSize),
	}
}

func newLink(t *testing.T, cfg *link.Config) (*sched.Simulator, *link.Link, *recorder, *recorder) {
	sim := sched.New(nil)
	left, right := &recorder{sim: sim}, &recorder{sim: sim}
	lnk, err := link.New(sim, cfg, left, right, nil)
	require.NoError(t, err)
	return sim, lnk, left, right
}

func TestNewInvalidConfig(t *testing.T) {
	sim := sched.New(nil)
	for _, cfg := range []*link.Config{
		{DataRate: 0, Delay: time.Millisecond},
		{DataRate: units.MbitPerSecond, Delay: -time.Millisecond},
		{DataRate: units.MbitPerSecond, QueueSize: -1},
	} {
		_, err := link.New(sim, cfg, &recorder{}, &recorder{}, nil)
		assert.ErrorIs(t, err, link.ErrInvalidConfig)
	}
}

func TestLinkDefaults(t *testing.T) {
	_, lnk, left, right := newLink(t, &link.Config{DataRate: 5 * units.MbitPerSecond, Delay: 2 * time.Millisecond})
	assert.Equal(t, link.DefaultQueueSize, lnk.Config().QueueSize)
	assert.Same(t, lnk.Device(1), lnk.Device(0).Peer())
	assert.Same(t, lnk.Device(0), lnk.Device(1).Peer())
	assert.Same(t, left, lnk.Device(0).Owner())
	assert.Same(t, right, lnk.Device(1).Owner())
	assert.Same(t, lnk, lnk.Device(0).Link())
}

func TestLinkTiming(t *testing.T) {
	// 625 bytes at 5 Mbps take exactly 1 ms to serialize.
	sim, lnk, _, right := newLink(t, &link.Config{DataRate: 5 * units.MbitPerSecond, Delay: 2 * time.Millisecond})
	dev := lnk.Device(0)
	for i := uint64(1); i <= 3; i++ {
		require.True(t, dev.Send(newPacket(i, 625)))
	}
	assert.Equal(t, 2, dev.QueueLen())

	require.NoError(t, sim.Run(context.Background()))
	require.Len(t, right.arrivals, 3)
	for i, a := range right.arrivals {
		assert.Equal(t, uint64(i+1), a.pkt.UID)
		assert.Equal(t, time.Duration(i+1)*time.Millisecond+2*time.Millisecond, a.at)
	}
	assert.Equal(t, uint64(3), dev.TxPackets())
	assert.Equal(t, uint64(3), lnk.Device(1).RxPackets())
	assert.Equal(t, 0, dev.QueueLen())
}

func TestLinkFullDuplex(t *testing.T) {
	sim, lnk, left, right := newLink(t, &link.Config{DataRate: 5 * units.MbitPerSecond, Delay: 2 * time.Millisecond})
	lnk.Device(0).Send(newPacket(1, 625))
	lnk.Device(1).Send(newPacket(2, 625))
	require.NoError(t, sim.Run(context.Background()))
	require.Len(t, left.arrivals, 1)
	require.Len(t, right.arrivals, 1)
	assert.Equal(t, 3*time.Millisecond, left.arrivals[0].at)
	assert.Equal(t, 3*time.Millisecond, right.arrivals[0].at)
}

func TestLinkQueueOverflow(t *testing.T) {
	sim, lnk, _, right := newLink(t, &link.Config{
		DataRate:  units.MbitPerSecond,
		Delay:     time.Millisecond,
		QueueSize: 2,
	})
	dev := lnk.Device(0)
	var drops []link.Drop
	dev.Drops().Subscribe(func(d link.Drop) { drops = append(drops, d) })

	// one in flight, two queued, one dropped
	assert.True(t, dev.Send(newPacket(1, 100)))
	assert.True(t, dev.Send(newPacket(2, 100)))
	assert.True(t, dev.Send(newPacket(3, 100)))
	assert.False(t, dev.Send(newPacket(4, 100)))

	require.NoError(t, sim.Run(context.Background()))
	assert.Len(t, right.arrivals, 3)
	require.Len(t, drops, 1)
	assert.Equal(t, link.DropQueue, drops[0].Reason)
	assert.Equal(t, uint64(4), drops[0].Packet.UID)
	assert.Same(t, dev, drops[0].Device)
	assert.Equal(t, time.Duration(0), drops[0].At)
}

func TestLinkReceiveFilter(t *testing.T) {
	sim, lnk, _, right := newLink(t, &link.Config{DataRate: 5 * units.MbitPerSecond, Delay: 2 * time.Millisecond})
	rx := lnk.Device(1)
	rx.SetReceiveFilter(packet.FilterFunc(func(pkt *packet.Packet) (packet.Target, []*packet.Packet) {
		if pkt.UID%2 == 0 {
			return packet.DROP, nil
		}
		return packet.ACCEPT, nil
	}))
	var drops []link.Drop
	rx.Drops().Subscribe(func(d link.Drop) { drops = append(drops, d) })

	for i := uint64(1); i <= 4; i++ {
		lnk.Device(0).Send(newPacket(i, 625))
	}
	require.NoError(t, sim.Run(context.Background()))

	require.Len(t, right.arrivals, 2)
	assert.Equal(t, uint64(1), right.arrivals[0].pkt.UID)
	assert.Equal(t, uint64(3), right.arrivals[1].pkt.UID)

	require.Len(t, drops, 2)
	assert.Equal(t, link.DropPhyRx, drops[0].Reason)
	assert.Equal(t, uint64(2), drops[0].Packet.UID)
	assert.Equal(t, 4*time.Millisecond, drops[0].At)
	assert.Same(t, rx, drops[0].Device)
	assert.Equal(t, uint64(2), rx.RxPackets())
}

func TestDeviceAddr(t *testing.T) {
	_, lnk, _, _ := newLink(t, &link.Config{DataRate: units.MbitPerSecond})
	addr := netip.MustParsePrefix("10.0.0.1/24")
	lnk.Device(0).SetAddr(addr)
	assert.Equal(t, addr, lnk.Device(0).Addr())
	assert.False(t, lnk.Device(1).Addr().IsValid())
}
