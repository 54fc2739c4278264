// SPDX-License-Identifier: GPL-3.0-or-later

package trace_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rbmk-project/tcpchain/netsim/link"
	"github.com/rbmk-project/tcpchain/netsim/packet"
	"github.com/rbmk-project/tcpchain/netsim/tcp"
	"github.com/rbmk-project/tcpchain/netsim/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeRecorder is a [bytes.Buffer] remembering whether it was closed.
type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

// failingWriter fails every write.
type failingWriter struct{}

var errMocked = errors.New("mocked error")

func (failingWriter) Write(data []byte) (int, error) {
	return 0, errMocked
}

func newSegment(uid uint64, payload int) *packet.Packet {
	return &packet.Packet{
		UID:        uid,
		TTL:        63,
		SrcAddr:    netip.MustParseAddr("10.0.0.1"),
		DstAddr:    netip.MustParseAddr("10.0.2.2"),
		IPProtocol: packet.IPProtocolTCP,
		SrcPort:    49152,
		DstPort:    1090,
		Flags:      packet.TCPFlagACK,
		Seq:        1073,
		Ack:        1,
		Window:     65535,
		Payload:    make([]byte, payload),
	}
}

func TestCwndWriter(t *testing.T) {
	out := &closeRecorder{}
	w := trace.NewCwndWriter(out)
	require.NoError(t, w.Write(tcp.CwndSample{At: 1020 * time.Millisecond, Old: 5360, New: 536}))
	require.NoError(t, w.Write(tcp.CwndSample{At: 2 * time.Second, Old: 536, New: 1072}))
	assert.Equal(t, 2, w.Records())
	require.NoError(t, w.Close())
	assert.True(t, out.closed)
	assert.Equal(t, "1.02\t5360\t536\n2\t536\t1072\n", out.String())
}

func TestCwndWriterError(t *testing.T) {
	w := trace.NewCwndWriter(failingWriter{})
	// The first write is buffered, so the error surfaces when flushing.
	require.NoError(t, w.Write(tcp.CwndSample{At: time.Second, Old: 1, New: 2}))
	assert.ErrorIs(t, w.Close(), errMocked)
}

func TestPcapWriter(t *testing.T) {
	var out bytes.Buffer
	w, err := trace.NewPcapWriter(&out, 0)
	require.NoError(t, err)
	require.NoError(t, w.Write(1500*time.Millisecond, newSegment(7, 536)))
	require.NoError(t, w.Write(3*time.Second, newSegment(8, 0)))
	assert.Equal(t, 2, w.Records())
	require.NoError(t, w.Close())

	r, err := pcapgo.NewReader(&out)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypePPP, r.LinkType())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1, 500_000_000).UTC(), ci.Timestamp.UTC())
	assert.Equal(t, 2+20+20+536, ci.Length)
	assert.Equal(t, ci.Length, ci.CaptureLength)

	pkt := gopacket.NewPacket(data, layers.LinkTypePPP, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", ip.SrcIP.String())
	assert.Equal(t, "10.0.2.2", ip.DstIP.String())
	assert.Equal(t, uint8(63), ip.TTL)
	segment, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	assert.Equal(t, layers.TCPPort(49152), segment.SrcPort)
	assert.Equal(t, layers.TCPPort(1090), segment.DstPort)
	assert.Equal(t, uint32(1073), segment.Seq)
	assert.True(t, segment.ACK)
	assert.Len(t, segment.Payload, 536)

	_, ci, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, time.Unix(3, 0).UTC(), ci.Timestamp.UTC())

	_, _, err = r.ReadPacketData()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPcapWriterSnapLen(t *testing.T) {
	var out bytes.Buffer
	w, err := trace.NewPcapWriter(&out, 64)
	require.NoError(t, err)
	require.NoError(t, w.Write(0, newSegment(1, 1000)))
	require.NoError(t, w.Close())

	r, err := pcapgo.NewReader(&out)
	require.NoError(t, err)
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 64)
	assert.Equal(t, 2+20+20+1000, ci.Length)
}

func TestPcapWriterNotIPv4(t *testing.T) {
	var out bytes.Buffer
	w, err := trace.NewPcapWriter(&out, 0)
	require.NoError(t, err)
	pkt := newSegment(1, 0)
	pkt.SrcAddr = netip.MustParseAddr("::1")
	assert.ErrorIs(t, w.Write(0, pkt), packet.ErrNotIPv4)
	assert.ErrorIs(t, w.Write(0, newSegment(2, 0)), packet.ErrNotIPv4)
	assert.ErrorIs(t, w.Close(), packet.ErrNotIPv4)
	assert.Zero(t, w.Records())
}

func TestWriteAnimation(t *testing.T) {
	var out bytes.Buffer
	layout := &trace.Layout{
		Nodes: []trace.Position{{X: 1, Y: 2}, {X: 11, Y: 2}, {X: 21, Y: 2}, {X: 31, Y: 2}},
		Links: []trace.LayoutLink{{
			From:     0,
			To:       1,
			FromAddr: netip.MustParseAddr("10.0.0.1"),
			ToAddr:   netip.MustParseAddr("10.0.0.2"),
		}},
	}
	require.NoError(t, trace.WriteAnimation(&out, layout))
	doc := out.String()
	assert.True(t, strings.HasPrefix(doc, "<?xml"))
	assert.Contains(t, doc, `<anim ver="netanim-3.108" filetype="animation">`)
	assert.Contains(t, doc, `<topology minX="1" minY="2" maxX="31" maxY="2">`)
	assert.Contains(t, doc, `<node id="0" sysId="0" locX="1" locY="2"></node>`)
	assert.Contains(t, doc, `<node id="3" sysId="0" locX="31" locY="2"></node>`)
	assert.Contains(t, doc, `<link fromId="0" toId="1" fd="10.0.0.1" td="10.0.0.2"></link>`)
}

func TestCwndObserver(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	out := &closeRecorder{}
	w := trace.NewCwndWriter(out)

	observe := trace.CwndObserver(w, logger)
	observe(tcp.CwndSample{At: 250 * time.Millisecond, Old: 5360, New: 5896})
	require.NoError(t, w.Close())

	assert.Equal(t, "0.25\t5360\t5896\n", out.String())
	assert.Contains(t, logs.String(), "msg=cwnd t=250ms old=5360 new=5896")

	// Without a sink the observer only logs.
	logs.Reset()
	trace.CwndObserver(nil, logger)(tcp.CwndSample{At: time.Second, Old: 1, New: 2})
	assert.Contains(t, logs.String(), "msg=cwnd")
}

func TestDropObserver(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	var out bytes.Buffer
	w, err := trace.NewPcapWriter(&out, 0)
	require.NoError(t, err)

	observe := trace.DropObserver(w, logger)
	observe(link.Drop{At: time.Second, Packet: newSegment(1, 100), Reason: link.DropPhyRx})
	observe(link.Drop{At: 2 * time.Second, Packet: newSegment(2, 100), Reason: link.DropQueue})
	require.NoError(t, w.Close())

	assert.Equal(t, 1, w.Records())
	assert.Equal(t, 1, strings.Count(logs.String(), "msg=RxDrop"))
	assert.Contains(t, logs.String(), "t=1s uid=1")
}
