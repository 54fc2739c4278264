// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import (
	"log/slog"
	"math"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/tcpchain/netsim/packet"
	"github.com/rbmk-project/tcpchain/netsim/sched"
)

// sendPending transmits as much buffered data as the congestion and
// receive windows allow, followed by our FIN once the application
// closed the socket and all the data has been transmitted.
func (sk *Socket) sendPending() {
	if !sk.state.canSend() {
		return
	}
	mss := sk.stack.config.SegmentSize
	for {
		end := sk.bufseq + uint32(len(sk.sndbuf))
		if seqLT(sk.sndnxt, end) {
			window := min(sk.cwnd, sk.rwnd)
			inflight := sk.sndnxt - sk.snduna
			if inflight >= window {
				return
			}
			avail := window - inflight
			unsent := end - sk.sndnxt
			// Avoid sending small segments while data is in flight.
			if avail < mss && inflight > 0 && unsent > avail {
				return
			}
			count := min(mss, unsent, avail)
			sk.sendData(sk.sndnxt, count)
			sk.sndnxt += count
			if seqGT(sk.sndnxt, sk.sndmax) {
				sk.sndmax = sk.sndnxt
			}
			continue
		}
		if sk.closing && sk.sndnxt == end {
			sk.finseq = end
			sk.finsent = true
			sk.output(packet.TCPFlagFIN|packet.TCPFlagACK, end, nil)
			sk.sndnxt = end + 1
			if seqGT(sk.sndnxt, sk.sndmax) {
				sk.sndmax = sk.sndnxt
			}
			sk.startTimer()
		}
		return
	}
}

// sendData transmits count bytes of buffered data starting at seq.
func (sk *Socket) sendData(seq, count uint32) {
	offset := seq - sk.bufseq
	payload := make([]byte, count)
	copy(payload, sk.sndbuf[offset:offset+count])

	if seqLT(seq, sk.sndmax) {
		sk.stats.BytesRetransmitted += uint64(count)
		if sk.timing && seqLT(seq, sk.timedSeq) {
			sk.timing = false
		}
	} else if !sk.timing {
		sk.timing = true
		sk.timedSeq = seq + count
		sk.timedAt = sk.stack.sim.Now()
	}
	sk.stats.BytesSent += uint64(count)
	sk.output(packet.TCPFlagACK, seq, payload)
	sk.startTimer()
}

// retransmitHead retransmits the oldest unacknowledged segment.
func (sk *Socket) retransmitHead() {
	end := sk.bufseq + uint32(len(sk.sndbuf))
	if seqLT(sk.snduna, end) {
		count := min(sk.stack.config.SegmentSize, end-sk.snduna)
		sk.sendData(sk.snduna, count)
		if seqLT(sk.sndnxt, sk.snduna+count) {
			sk.sndnxt = sk.snduna + count
		}
		return
	}
	if sk.finsent {
		sk.output(packet.TCPFlagFIN|packet.TCPFlagACK, sk.finseq, nil)
		sk.startTimer()
	}
}

// sendSyn transmits our SYN, or SYN-ACK on passive open.
func (sk *Socket) sendSyn() {
	var flags packet.TCPFlags = packet.TCPFlagSYN
	if sk.state == StateSynReceived {
		flags |= packet.TCPFlagACK
	}
	if sk.sndmax == sk.iss {
		sk.timing = true
		sk.timedSeq = sk.iss + 1
		sk.timedAt = sk.stack.sim.Now()
	} else {
		sk.timing = false
	}
	sk.output(flags, sk.iss, nil)
	sk.sndnxt = sk.iss + 1
	sk.sndmax = sk.iss + 1
	sk.startTimer()
}

// sendAck transmits a pure acknowledgement.
func (sk *Socket) sendAck() {
	sk.output(packet.TCPFlagACK, sk.sndnxt, nil)
}

// advertisedWindow returns the receive window to advertise.
func (sk *Socket) advertisedWindow() uint16 {
	free := sk.stack.config.RcvBufSize - min(sk.oooBytes, sk.stack.config.RcvBufSize)
	return uint16(min(free, math.MaxUint16))
}

// output builds and transmits a segment.
func (sk *Socket) output(flags packet.TCPFlags, seq uint32, payload []byte) {
	pkt := &packet.Packet{
		TTL:        packet.DefaultTTL,
		SrcAddr:    sk.local.Addr(),
		DstAddr:    sk.remote.Addr(),
		IPProtocol: packet.IPProtocolTCP,
		SrcPort:    sk.local.Port(),
		DstPort:    sk.remote.Port(),
		Flags:      flags,
		Seq:        seq,
		Window:     sk.advertisedWindow(),
		Payload:    payload,
	}
	if flags.Has(packet.TCPFlagACK) {
		pkt.Ack = sk.rcvnxt
	}
	sk.stats.SegmentsSent++
	if err := sk.stack.ip.SendIP(pkt); err != nil {
		sk.stack.logger.Debug("tcpOutputError",
			slog.Duration("t", sk.stack.sim.Now()),
			slog.String("pkt", pkt.String()),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
		)
	}
}

// startTimer arms the retransmission timer unless already armed.
func (sk *Socket) startTimer() {
	if sk.rtoTimer.Pending() {
		return
	}
	sk.rtoTimer = sk.stack.sim.Schedule(sk.rtt.rto, sk.onTimeout)
}

// onTimeout handles the expiry of the retransmission timer.
func (sk *Socket) onTimeout() {
	sk.rtoTimer = sched.EventID{}
	config := &sk.stack.config

	switch sk.state {
	case StateSynSent, StateSynReceived:
		sk.retries++
		sk.stats.Timeouts++
		if sk.retries > config.ConnRetries {
			sk.abort(ETIMEDOUT)
			return
		}
		sk.rtt.backoff()
		sk.sendSyn()
		return
	}

	if sk.sndmax == sk.snduna {
		return
	}
	sk.retries++
	sk.stats.Timeouts++
	if sk.retries > config.DataRetries {
		sk.output(packet.TCPFlagRST|packet.TCPFlagACK, sk.sndnxt, nil)
		sk.abort(ETIMEDOUT)
		return
	}

	mss := config.SegmentSize
	flight := sk.sndmax - sk.snduna
	sk.ssthresh = max(flight/2, 2*mss)
	sk.recover = sk.sndmax
	sk.inRecovery = false
	sk.dupacks = 0
	sk.timing = false
	sk.sndnxt = sk.snduna
	sk.rtt.backoff()
	sk.stack.logger.Debug("tcpTimeout", slog.Duration("t", sk.stack.sim.Now()),
		slog.Uint64("seq", uint64(sk.snduna)), slog.Duration("rto", sk.rtt.rto))
	sk.setCwnd(mss)
	sk.sendPending()
}
