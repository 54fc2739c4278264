// SPDX-License-Identifier: GPL-3.0-or-later

package trace

import (
	"bufio"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rbmk-project/tcpchain/netsim/packet"
)

// DefaultSnapLen is the default maximum captured length.
const DefaultSnapLen = 65535

// PcapWriter writes packets to a pcap stream with the PPP link type.
//
// Timestamps are simulated times counted from the Unix epoch.
//
// The zero value is not ready to use; construct using [NewPcapWriter].
type PcapWriter struct {
	bw      *bufio.Writer
	closer  io.Closer
	err     error
	pw      *pcapgo.Writer
	records int
	snaplen uint32
}

// NewPcapWriter creates a [*PcapWriter] writing to w and writes the
// file header. A zero snaplen means [DefaultSnapLen]. When w implements
// [io.Closer], [*PcapWriter.Close] also closes w.
func NewPcapWriter(w io.Writer, snaplen uint32) (*PcapWriter, error) {
	if snaplen == 0 {
		snaplen = DefaultSnapLen
	}
	bw := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(bw)
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypePPP); err != nil {
		return nil, err
	}
	out := &PcapWriter{bw: bw, pw: pw, snaplen: snaplen}
	if closer, ok := w.(io.Closer); ok {
		out.closer = closer
	}
	return out, nil
}

// Write appends a packet captured at the given simulated time. After
// the first error, it keeps returning that error without writing.
func (w *PcapWriter) Write(at time.Duration, pkt *packet.Packet) error {
	if w.err != nil {
		return w.err
	}
	data, err := pkt.MarshalPPP()
	if err != nil {
		w.err = err
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, 0).UTC().Add(at),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if uint32(len(data)) > w.snaplen {
		data = data[:w.snaplen]
		ci.CaptureLength = len(data)
	}
	if err := w.pw.WritePacket(ci, data); err != nil {
		w.err = err
		return err
	}
	w.records++
	return nil
}

// Records returns the number of written packets.
func (w *PcapWriter) Records() int {
	return w.records
}

// Close flushes the buffered records and closes the underlying writer.
func (w *PcapWriter) Close() error {
	return closeSink(w.bw, w.closer, w.err)
}
