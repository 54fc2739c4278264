// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import (
	"log/slog"

	"github.com/rbmk-project/tcpchain/netsim/packet"
)

// input processes a segment addressed to this socket.
func (sk *Socket) input(pkt *packet.Packet) {
	sk.stats.SegmentsReceived++

	if pkt.Flags.Has(packet.TCPFlagRST) {
		if sk.state == StateSynSent {
			sk.abort(ECONNREFUSED)
			return
		}
		sk.abort(ECONNRESET)
		return
	}

	switch sk.state {
	case StateClosed, StateListen:
		return

	case StateSynSent:
		sk.inputSynSent(pkt)
		return

	case StateSynReceived:
		if !sk.inputSynReceived(pkt) {
			return
		}

	case StateTimeWait:
		if pkt.Flags.Has(packet.TCPFlagFIN) {
			sk.sendAck()
		}
		return
	}

	// A SYN at this point is a retransmitted SYN-ACK whose ACK got lost.
	if pkt.Flags.Has(packet.TCPFlagSYN) {
		sk.sendAck()
		return
	}
	if pkt.Flags.Has(packet.TCPFlagACK) && !sk.processAck(pkt) {
		return
	}
	sk.processData(pkt)
}

// inputSynSent handles the SYN-ACK completing an active open.
func (sk *Socket) inputSynSent(pkt *packet.Packet) {
	if !pkt.Flags.Has(packet.TCPFlagSYN|packet.TCPFlagACK) || pkt.Ack != sk.iss+1 {
		return
	}
	sk.irs = pkt.Seq
	sk.rcvnxt = pkt.Seq + 1
	sk.rwnd = uint32(pkt.Window)
	sk.ackHandshake(pkt.Ack)
	if sk.closing {
		sk.setState(StateFinWait1)
	} else {
		sk.setState(StateEstablished)
	}
	sk.sendAck()
	sk.sendPending()
}

// inputSynReceived handles segments completing a passive open and
// returns whether processing should continue.
func (sk *Socket) inputSynReceived(pkt *packet.Packet) bool {
	if pkt.Flags.Has(packet.TCPFlagSYN) {
		if !pkt.Flags.Has(packet.TCPFlagACK) && pkt.Seq == sk.irs {
			sk.sendSyn()
		}
		return false
	}
	if !pkt.Flags.Has(packet.TCPFlagACK) || pkt.Ack != sk.iss+1 {
		return false
	}
	sk.rwnd = uint32(pkt.Window)
	sk.ackHandshake(pkt.Ack)
	sk.setState(StateEstablished)
	if sk.listener != nil {
		sk.listener.accepted.Publish(sk)
	}
	return true
}

// ackHandshake processes the acknowledgement of our SYN.
func (sk *Socket) ackHandshake(ack uint32) {
	sk.snduna = ack
	if seqLT(sk.sndnxt, ack) {
		sk.sndnxt = ack
	}
	if sk.timing {
		sk.rtt.sample(sk.stack.sim.Now() - sk.timedAt)
		sk.timing = false
	}
	sk.retries = 0
	sk.stack.sim.Cancel(sk.rtoTimer)
}

// processAck processes the acknowledgement field of a segment
// and returns whether processing should continue.
func (sk *Socket) processAck(pkt *packet.Packet) bool {
	ack := pkt.Ack
	if seqGT(ack, sk.sndmax) {
		sk.sendAck()
		return false
	}
	sk.rwnd = uint32(pkt.Window)

	switch {
	case seqGT(ack, sk.snduna):
		sk.newAck(ack)

	case ack == sk.snduna && len(pkt.Payload) <= 0 &&
		!pkt.Flags.Has(packet.TCPFlagFIN) && sk.sndmax != sk.snduna:
		sk.dupAck()
	}

	if !sk.finsent || seqLT(ack, sk.finseq+1) {
		return true
	}
	switch sk.state {
	case StateFinWait1:
		sk.setState(StateFinWait2)
	case StateClosing:
		sk.enterTimeWait()
		return false
	case StateLastAck:
		sk.teardown()
		return false
	}
	return true
}

// newAck processes an acknowledgement covering new data.
func (sk *Socket) newAck(ack uint32) {
	mss := sk.stack.config.SegmentSize
	acked := ack - sk.snduna
	sk.snduna = ack
	if seqLT(sk.sndnxt, ack) {
		sk.sndnxt = ack
	}
	if seqGT(ack, sk.bufseq) {
		n := min(ack-sk.bufseq, uint32(len(sk.sndbuf)))
		sk.sndbuf = sk.sndbuf[n:]
		sk.bufseq += n
	}
	sk.retries = 0
	if sk.timing && seqGEQ(ack, sk.timedSeq) {
		sk.rtt.sample(sk.stack.sim.Now() - sk.timedAt)
		sk.timing = false
	}

	switch {
	case sk.inRecovery && seqGEQ(ack, sk.recover):
		sk.inRecovery = false
		sk.dupacks = 0
		sk.setCwnd(sk.ssthresh)
		sk.stack.logger.Debug("tcpRecoveryDone", slog.Duration("t", sk.stack.sim.Now()),
			slog.Uint64("cwnd", uint64(sk.cwnd)))

	case sk.inRecovery:
		// Partial ACK: retransmit the next hole and deflate the window.
		sk.retransmitHead()
		cwnd := sk.cwnd - min(acked, sk.cwnd)
		if acked >= mss {
			cwnd += mss
		}
		sk.setCwnd(max(cwnd, mss))

	case sk.cwnd < sk.ssthresh:
		sk.dupacks = 0
		sk.setCwnd(sk.growCwnd(mss))

	default:
		sk.dupacks = 0
		sk.setCwnd(sk.growCwnd(max(1, mss*mss/sk.cwnd)))
	}

	sk.stack.sim.Cancel(sk.rtoTimer)
	if sk.sndmax != sk.snduna {
		sk.startTimer()
	}
	sk.sendPending()
}

// growCwnd returns the congestion window increased by
// delta without overflowing.
func (sk *Socket) growCwnd(delta uint32) uint32 {
	if sk.cwnd > ^uint32(0)-delta {
		return ^uint32(0)
	}
	return sk.cwnd + delta
}

// dupAck processes a duplicate acknowledgement.
func (sk *Socket) dupAck() {
	mss := sk.stack.config.SegmentSize
	sk.dupacks++
	if sk.inRecovery {
		sk.setCwnd(sk.growCwnd(mss))
		sk.sendPending()
		return
	}
	threshold := sk.stack.config.DupAckThreshold
	if sk.dupacks != threshold || seqLT(sk.snduna, sk.recover) {
		return
	}
	flight := sk.sndmax - sk.snduna
	sk.ssthresh = max(flight/2, 2*mss)
	sk.recover = sk.sndmax
	sk.inRecovery = true
	sk.stats.FastRetransmits++
	sk.stack.logger.Debug("tcpFastRetransmit", slog.Duration("t", sk.stack.sim.Now()),
		slog.Uint64("seq", uint64(sk.snduna)), slog.Uint64("ssthresh", uint64(sk.ssthresh)))
	sk.retransmitHead()
	sk.setCwnd(sk.ssthresh + uint32(threshold)*mss)
	sk.sendPending()
}

// processData processes the payload and the FIN of a segment.
func (sk *Socket) processData(pkt *packet.Packet) {
	fin := pkt.Flags.Has(packet.TCPFlagFIN)
	if len(pkt.Payload) <= 0 && !fin {
		return
	}
	if !sk.state.canReceive() {
		// Retransmitted data or FIN after we stopped receiving.
		sk.sendAck()
		return
	}

	seq, data := pkt.Seq, pkt.Payload
	finseq := seq + uint32(len(data))
	if seqLT(seq, sk.rcvnxt) {
		offset := sk.rcvnxt - seq
		if offset >= uint32(len(data)) {
			data = nil
		} else {
			data = data[offset:]
			seq = sk.rcvnxt
		}
	}
	if len(data) > 0 {
		switch {
		case seq == sk.rcvnxt:
			sk.deliver(data)
			sk.drainOutOfOrder()
		case seq-sk.rcvnxt < sk.stack.config.RcvBufSize:
			sk.storeOutOfOrder(seq, data)
		}
	}

	if fin {
		switch {
		case finseq == sk.rcvnxt:
			sk.processFin()
		case seqGT(finseq, sk.rcvnxt):
			sk.peerFin = true
			sk.peerFinSeq = finseq
		}
	}
	if sk.peerFin && sk.peerFinSeq == sk.rcvnxt {
		sk.processFin()
	}
	sk.sendAck()
}

// deliver delivers in-order data to the application.
func (sk *Socket) deliver(data []byte) {
	sk.rcvnxt += uint32(len(data))
	sk.stats.BytesReceived += uint64(len(data))
	sk.received.Publish(data)
}

// storeOutOfOrder buffers out-of-order data, keeping the longest
// segment for each starting sequence number.
func (sk *Socket) storeOutOfOrder(seq uint32, data []byte) {
	if prev, found := sk.ooo[seq]; found {
		if len(prev) >= len(data) {
			return
		}
		sk.oooBytes -= uint32(len(prev))
	}
	sk.ooo[seq] = data
	sk.oooBytes += uint32(len(data))
}

// drainOutOfOrder delivers the buffered data that became in order.
func (sk *Socket) drainOutOfOrder() {
	for len(sk.ooo) > 0 {
		var (
			best  []byte
			end   uint32
			found bool
		)
		for seq, data := range sk.ooo {
			if seqGT(seq, sk.rcvnxt) {
				continue
			}
			delete(sk.ooo, seq)
			sk.oooBytes -= uint32(len(data))
			segend := seq + uint32(len(data))
			if seqLEQ(segend, sk.rcvnxt) {
				continue
			}
			if !found || seqGT(segend, end) {
				best, end, found = data[sk.rcvnxt-seq:], segend, true
			}
		}
		if !found {
			return
		}
		sk.deliver(best)
	}
}

// processFin processes the in-order FIN of the peer.
func (sk *Socket) processFin() {
	sk.rcvnxt++
	sk.peerFin = false
	switch sk.state {
	case StateEstablished:
		sk.setState(StateCloseWait)
		sk.peerClosed.Publish(sk)
	case StateFinWait1:
		sk.setState(StateClosing)
	case StateFinWait2:
		sk.enterTimeWait()
	}
}
