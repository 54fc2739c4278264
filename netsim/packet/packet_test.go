// SPDX-License-Identifier: GPL-3.0-or-later

package packet_test

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rbmk-project/tcpchain/netsim/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSegment() *packet.Packet {
	return &packet.Packet{
		UID:        7,
		TTL:        packet.DefaultTTL,
		SrcAddr:    netip.MustParseAddr("10.0.0.1"),
		DstAddr:    netip.MustParseAddr("10.0.2.2"),
		IPProtocol: packet.IPProtocolTCP,
		SrcPort:    49152,
		DstPort:    1090,
		Flags:      packet.TCPFlagACK | packet.TCPFlagPSH,
		Seq:        1001,
		Ack:        1,
		Window:     65535,
		Payload:    []byte("hello"),
	}
}

func TestTCPFlagsString(t *testing.T) {
	tests := []struct {
		flags packet.TCPFlags
		want  string
	}{
		{0, "....."},
		{packet.TCPFlagSYN, ".S..."},
		{packet.TCPFlagSYN | packet.TCPFlagACK, ".S..A"},
		{packet.TCPFlagFIN | packet.TCPFlagACK, "F...A"},
		{packet.TCPFlagRST, "..R.."},
		{packet.TCPFlagPSH | packet.TCPFlagACK, "...PA"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.flags.String())
		})
	}
}

func TestTCPFlagsHas(t *testing.T) {
	flags := packet.TCPFlags(packet.TCPFlagSYN | packet.TCPFlagACK)
	assert.True(t, flags.Has(packet.TCPFlagSYN))
	assert.True(t, flags.Has(packet.TCPFlagSYN|packet.TCPFlagACK))
	assert.False(t, flags.Has(packet.TCPFlagFIN))
}

func TestPacketString(t *testing.T) {
	pkt := newSegment()
	assert.Equal(t, "10.0.0.1:49152 -> 10.0.2.2:1090 tcp flags=...PA seq=1001 ack=1 length=5", pkt.String())

	pkt.IPProtocol = packet.IPProtocolUDP
	assert.Equal(t, "10.0.0.1:49152 -> 10.0.2.2:1090 udp length=5", pkt.String())
}

func TestPacketSize(t *testing.T) {
	pkt := newSegment()
	assert.Equal(t, 45, pkt.Size())
	pkt.Payload = make([]byte, 536)
	assert.Equal(t, 576, pkt.Size())
}

func TestPacketMarshal(t *testing.T) {
	t.Run("decodes as IPv4 and TCP", func(t *testing.T) {
		pkt := newSegment()
		data, err := pkt.Marshal()
		require.NoError(t, err)
		require.Len(t, data, pkt.Size())

		decoded := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		require.Nil(t, decoded.ErrorLayer())

		ip, ok := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		require.True(t, ok)
		assert.Equal(t, "10.0.0.1", ip.SrcIP.String())
		assert.Equal(t, "10.0.2.2", ip.DstIP.String())
		assert.Equal(t, uint8(packet.DefaultTTL), ip.TTL)
		assert.Equal(t, layers.IPProtocolTCP, ip.Protocol)
		assert.Equal(t, uint16(45), ip.Length)
		assert.Equal(t, uint16(7), ip.Id)

		tcp, ok := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)
		require.True(t, ok)
		assert.Equal(t, layers.TCPPort(49152), tcp.SrcPort)
		assert.Equal(t, layers.TCPPort(1090), tcp.DstPort)
		assert.Equal(t, uint32(1001), tcp.Seq)
		assert.Equal(t, uint32(1), tcp.Ack)
		assert.True(t, tcp.ACK)
		assert.True(t, tcp.PSH)
		assert.False(t, tcp.SYN)
		assert.Equal(t, uint16(65535), tcp.Window)
		assert.Equal(t, []byte("hello"), tcp.Payload)
	})

	t.Run("IPv4 header checksum verifies", func(t *testing.T) {
		data, err := newSegment().Marshal()
		require.NoError(t, err)
		var sum uint32
		for i := 0; i < packet.IPv4HeaderSize; i += 2 {
			sum += uint32(data[i])<<8 | uint32(data[i+1])
		}
		for sum > 0xffff {
			sum = (sum >> 16) + (sum & 0xffff)
		}
		assert.Equal(t, uint32(0xffff), sum)
	})

	t.Run("PPP framing", func(t *testing.T) {
		data, err := newSegment().MarshalPPP()
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x21}, data[:2])

		decoded := gopacket.NewPacket(data, layers.LayerTypePPP, gopacket.Default)
		require.NotNil(t, decoded.Layer(layers.LayerTypeTCP))
	})

	t.Run("rejects IPv6", func(t *testing.T) {
		pkt := newSegment()
		pkt.DstAddr = netip.MustParseAddr("2001:db8::1")
		_, err := pkt.Marshal()
		assert.ErrorIs(t, err, packet.ErrNotIPv4)
	})
}

func TestFilterFunc(t *testing.T) {
	var seen *packet.Packet
	fx := packet.FilterFunc(func(pkt *packet.Packet) (packet.Target, []*packet.Packet) {
		seen = pkt
		return packet.DROP, nil
	})
	pkt := newSegment()
	target, inject := fx.Filter(pkt)
	assert.Equal(t, packet.DROP, target)
	assert.Nil(t, inject)
	assert.Same(t, pkt, seen)
	assert.Equal(t, "DROP", packet.DROP.String())
	assert.Equal(t, "ACCEPT", packet.ACCEPT.String())
}
