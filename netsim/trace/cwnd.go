// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package trace contains the sinks recording simulation observations and
the observers feeding them.

The [*CwndWriter] writes congestion window samples as text lines, the
[*PcapWriter] writes dropped packets in pcap format, and [WriteAnimation]
exports the node layout for visualization tools.

Sinks are append-only and remember the first write error, which they
return from Close. Observers never fail: they log and move on.
*/
package trace

import (
	"bufio"
	"io"
	"strconv"

	"github.com/rbmk-project/tcpchain/netsim/tcp"
)

// CwndWriter writes one "<seconds>\t<old>\t<new>" line per sample.
//
// The zero value is not ready to use; construct using [NewCwndWriter].
type CwndWriter struct {
	// bw buffers the output.
	bw *bufio.Writer

	// closer is the underlying closer, if any.
	closer io.Closer

	// err is the first write error.
	err error

	// records counts the written samples.
	records int
}

// NewCwndWriter creates a [*CwndWriter] writing to w. When w
// implements [io.Closer], [*CwndWriter.Close] also closes w.
func NewCwndWriter(w io.Writer) *CwndWriter {
	cw := &CwndWriter{bw: bufio.NewWriter(w)}
	if closer, ok := w.(io.Closer); ok {
		cw.closer = closer
	}
	return cw
}

// Write appends a sample. After the first error, it keeps
// returning that error without writing anything.
func (w *CwndWriter) Write(sample tcp.CwndSample) error {
	if w.err != nil {
		return w.err
	}
	var buf [64]byte
	line := strconv.AppendFloat(buf[:0], sample.At.Seconds(), 'f', -1, 64)
	line = append(line, '\t')
	line = strconv.AppendUint(line, uint64(sample.Old), 10)
	line = append(line, '\t')
	line = strconv.AppendUint(line, uint64(sample.New), 10)
	line = append(line, '\n')
	if _, err := w.bw.Write(line); err != nil {
		w.err = err
		return err
	}
	w.records++
	return nil
}

// Records returns the number of written samples.
func (w *CwndWriter) Records() int {
	return w.records
}

// Close flushes the buffered lines and closes the underlying writer.
func (w *CwndWriter) Close() error {
	return closeSink(w.bw, w.closer, w.err)
}

// closeSink flushes and closes a sink, returning the first error.
func closeSink(bw *bufio.Writer, closer io.Closer, err error) error {
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if closer != nil {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
