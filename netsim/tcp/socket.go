// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/tcpchain/netsim/hook"
	"github.com/rbmk-project/tcpchain/netsim/packet"
	"github.com/rbmk-project/tcpchain/netsim/sched"
)

// CwndSample is a congestion window change.
type CwndSample struct {
	// At is the simulated time of the change.
	At time.Duration

	// Old is the previous congestion window in bytes.
	Old uint32

	// New is the current congestion window in bytes.
	New uint32
}

// Stats contains per-socket counters.
type Stats struct {
	// BytesSent counts the data bytes transmitted, retransmissions included.
	BytesSent uint64

	// BytesRetransmitted counts the data bytes retransmitted.
	BytesRetransmitted uint64

	// BytesReceived counts the in-order data bytes delivered.
	BytesReceived uint64

	// SegmentsSent counts all the transmitted segments.
	SegmentsSent uint64

	// SegmentsReceived counts all the received segments.
	SegmentsReceived uint64

	// FastRetransmits counts the fast retransmit episodes.
	FastRetransmits uint64

	// Timeouts counts the retransmission timeouts.
	Timeouts uint64
}

// Socket is a TCP socket.
//
// Construct using [*Stack.NewSocket].
type Socket struct {
	// accepted publishes connections accepted by a listener.
	accepted hook.Source[*Socket]

	// bound is true while the socket holds a port reservation.
	bound bool

	// bufseq is the sequence number of sndbuf[0].
	bufseq uint32

	// closing is set once the application called Close.
	closing bool

	// cwnd is the congestion window in bytes.
	cwnd uint32

	// cwndTrace publishes congestion window changes.
	cwndTrace hook.Source[CwndSample]

	// dupacks counts consecutive duplicate ACKs.
	dupacks int

	// err is the error that aborted the connection.
	err error

	// finseq is the sequence number of our FIN.
	finseq uint32

	// finsent is true once our FIN has been transmitted.
	finsent bool

	// inRecovery is true during fast recovery.
	inRecovery bool

	// irs is the initial receive sequence number.
	irs uint32

	// iss is the initial send sequence number.
	iss uint32

	// listener is the listener that spawned this socket, if any.
	listener *Socket

	// local is the local endpoint.
	local netip.AddrPort

	// ooo buffers out-of-order data by sequence number.
	ooo map[uint32][]byte

	// oooBytes is the number of bytes in ooo.
	oooBytes uint32

	// peerClosed publishes the reception of the peer FIN.
	peerClosed hook.Source[*Socket]

	// peerFin is true when an out-of-order FIN is pending.
	peerFin bool

	// peerFinSeq is the sequence number of the pending FIN.
	peerFinSeq uint32

	// rcvnxt is the next expected sequence number.
	rcvnxt uint32

	// received publishes in-order data.
	received hook.Source[[]byte]

	// recover is the NewReno recovery point.
	recover uint32

	// remote is the remote endpoint.
	remote netip.AddrPort

	// retries counts consecutive retransmission timeouts.
	retries int

	// rtoTimer is the pending retransmission timer.
	rtoTimer sched.EventID

	// rtt estimates the retransmission timeout.
	rtt rttEstimator

	// rwnd is the window advertised by the peer.
	rwnd uint32

	// sndbuf contains unacknowledged and unsent data.
	sndbuf []byte

	// sndmax is the highest sequence number sent.
	sndmax uint32

	// sndnxt is the next sequence number to send.
	sndnxt uint32

	// snduna is the oldest unacknowledged sequence number.
	snduna uint32

	// ssthresh is the slow start threshold in bytes.
	ssthresh uint32

	// stack is the owning stack.
	stack *Stack

	// state is the connection state.
	state State

	// stats contains the counters.
	stats Stats

	// timedAt is when the timed segment was sent.
	timedAt time.Duration

	// timedSeq is the end sequence number of the timed segment.
	timedSeq uint32

	// timeWaitTimer is the pending TIME_WAIT expiry.
	timeWaitTimer sched.EventID

	// timing is true while a segment is being timed.
	timing bool
}

// State returns the connection state.
func (sk *Socket) State() State {
	return sk.state
}

// LocalAddr returns the local endpoint.
func (sk *Socket) LocalAddr() netip.AddrPort {
	return sk.local
}

// RemoteAddr returns the remote endpoint.
func (sk *Socket) RemoteAddr() netip.AddrPort {
	return sk.remote
}

// Cwnd returns the congestion window in bytes.
func (sk *Socket) Cwnd() uint32 {
	return sk.cwnd
}

// Ssthresh returns the slow start threshold in bytes.
func (sk *Socket) Ssthresh() uint32 {
	return sk.ssthresh
}

// BytesInFlight returns the number of bytes sent and not yet acknowledged.
func (sk *Socket) BytesInFlight() uint32 {
	return sk.sndmax - sk.snduna
}

// RTO returns the current retransmission timeout.
func (sk *Socket) RTO() time.Duration {
	return sk.rtt.rto
}

// Err returns the error that aborted the connection, if any.
func (sk *Socket) Err() error {
	return sk.err
}

// Stats returns a copy of the socket counters.
func (sk *Socket) Stats() Stats {
	return sk.stats
}

// CongestionWindow returns the congestion window trace source.
func (sk *Socket) CongestionWindow() *hook.Source[CwndSample] {
	return &sk.cwndTrace
}

// Accepted returns the source publishing connections accepted
// by a listening socket.
func (sk *Socket) Accepted() *hook.Source[*Socket] {
	return &sk.accepted
}

// Received returns the source publishing in-order data. Handlers
// must not retain the slice after returning.
func (sk *Socket) Received() *hook.Source[[]byte] {
	return &sk.received
}

// PeerClosed returns the source publishing when the peer closes
// its side of the connection.
func (sk *Socket) PeerClosed() *hook.Source[*Socket] {
	return &sk.peerClosed
}

// Bind binds the socket to an ephemeral port on the unspecified address.
func (sk *Socket) Bind() error {
	if sk.bound || sk.state != StateClosed {
		return EINVAL
	}
	port, err := sk.stack.allocPort()
	if err != nil {
		return err
	}
	sk.bound = true
	sk.local = netip.AddrPortFrom(netip.IPv4Unspecified(), port)
	return nil
}

// BindTo binds the socket to the given local endpoint. A zero port
// selects an ephemeral port.
func (sk *Socket) BindTo(addr netip.AddrPort) error {
	if sk.bound || sk.state != StateClosed || !addr.Addr().IsValid() {
		return EINVAL
	}
	if addr.Port() == 0 {
		if err := sk.Bind(); err != nil {
			return err
		}
		sk.local = netip.AddrPortFrom(addr.Addr(), sk.local.Port())
		return nil
	}
	if err := sk.stack.reservePort(addr.Port()); err != nil {
		return err
	}
	sk.bound = true
	sk.local = addr
	return nil
}

// Listen makes a bound socket accept incoming connections, which
// are published on [*Socket.Accepted] once established.
func (sk *Socket) Listen() error {
	if !sk.bound || sk.state != StateClosed {
		return EINVAL
	}
	sk.stack.listeners[sk.local] = sk
	sk.setState(StateListen)
	return nil
}

// Connect starts the three-way handshake with the given peer, binding
// the socket first if needed. Connect does not wait for completion:
// data written with [*Socket.Send] in the meanwhile is buffered.
func (sk *Socket) Connect(peer netip.AddrPort) error {
	if sk.state != StateClosed || sk.closing {
		return EISCONN
	}
	if !peer.IsValid() || peer.Port() == 0 {
		return EINVAL
	}
	src, found := sk.stack.ip.SourceAddr(peer.Addr())
	if !found {
		return EHOSTUNREACH
	}
	if !sk.bound {
		if err := sk.Bind(); err != nil {
			return err
		}
	}
	if sk.local.Addr().IsUnspecified() {
		sk.local = netip.AddrPortFrom(src, sk.local.Port())
	}
	key := connKey{local: sk.local, remote: peer}
	if sk.stack.conns[key] != nil {
		return EADDRINUSE
	}
	sk.remote = peer
	sk.stack.conns[key] = sk
	sk.initSend()
	sk.setState(StateSynSent)
	sk.sendSyn()
	return nil
}

// Send appends data to the send buffer, either fully or not at all,
// and transmits as much as the windows allow. It returns [ENOBUFS]
// when the buffer lacks space for the whole data.
func (sk *Socket) Send(data []byte) (int, error) {
	switch sk.state {
	case StateSynSent, StateSynReceived, StateEstablished, StateCloseWait:
	default:
		if sk.err != nil {
			return 0, sk.err
		}
		return 0, ENOTCONN
	}
	if sk.closing {
		return 0, ENOTCONN
	}
	if uint64(len(sk.sndbuf))+uint64(len(data)) > uint64(sk.stack.config.SndBufSize) {
		return 0, ENOBUFS
	}
	sk.sndbuf = append(sk.sndbuf, data...)
	sk.sendPending()
	return len(data), nil
}

// SendBufferAvailable returns the free space in the send buffer.
func (sk *Socket) SendBufferAvailable() uint32 {
	return sk.stack.config.SndBufSize - uint32(len(sk.sndbuf))
}

// Close closes the socket. Connected sockets send a FIN once all
// the buffered data has been transmitted, which also holds for
// sockets still completing the handshake with data in the buffer.
// Closing a closed socket is a no-op.
func (sk *Socket) Close() error {
	switch sk.state {
	case StateClosed:
		sk.teardown()

	case StateListen:
		delete(sk.stack.listeners, sk.local)
		sk.teardown()

	case StateSynSent:
		if len(sk.sndbuf) > 0 {
			sk.closing = true
			return nil
		}
		sk.teardown()

	case StateSynReceived, StateEstablished:
		sk.closing = true
		sk.setState(StateFinWait1)
		sk.sendPending()

	case StateCloseWait:
		sk.closing = true
		sk.setState(StateLastAck)
		sk.sendPending()
	}
	return nil
}

// accept creates a child socket for an incoming SYN.
func (sk *Socket) accept(syn *packet.Packet) {
	child := sk.stack.NewSocket()
	child.listener = sk
	child.local = netip.AddrPortFrom(syn.DstAddr, syn.DstPort)
	child.remote = netip.AddrPortFrom(syn.SrcAddr, syn.SrcPort)
	child.irs = syn.Seq
	child.rcvnxt = syn.Seq + 1
	child.rwnd = uint32(syn.Window)
	sk.stack.conns[connKey{local: child.local, remote: child.remote}] = child
	child.initSend()
	child.setState(StateSynReceived)
	child.sendSyn()
}

// initSend initializes the send sequence space.
func (sk *Socket) initSend() {
	sk.snduna = sk.iss
	sk.sndnxt = sk.iss
	sk.sndmax = sk.iss
	sk.bufseq = sk.iss + 1
	sk.recover = sk.iss
}

// setState changes the connection state.
func (sk *Socket) setState(state State) {
	if sk.state == state {
		return
	}
	sk.stack.logger.Debug("tcpState",
		slog.Duration("t", sk.stack.sim.Now()),
		slog.String("localAddr", sk.local.String()),
		slog.String("remoteAddr", sk.remote.String()),
		slog.String("from", sk.state.String()),
		slog.String("to", state.String()),
	)
	sk.state = state
}

// setCwnd changes the congestion window and publishes the change.
func (sk *Socket) setCwnd(cwnd uint32) {
	if cwnd == sk.cwnd {
		return
	}
	sample := CwndSample{At: sk.stack.sim.Now(), Old: sk.cwnd, New: cwnd}
	sk.cwnd = cwnd
	sk.cwndTrace.Publish(sample)
}

// enterTimeWait moves to TIME_WAIT and schedules the final teardown.
func (sk *Socket) enterTimeWait() {
	sk.setState(StateTimeWait)
	sk.stack.sim.Cancel(sk.rtoTimer)
	sk.timeWaitTimer = sk.stack.sim.Schedule(sk.stack.config.TimeWait, sk.teardown)
}

// abort tears the connection down because of the given error.
func (sk *Socket) abort(err error) {
	sk.err = err
	sk.stack.logger.Info("tcpAbort",
		slog.Duration("t", sk.stack.sim.Now()),
		slog.String("localAddr", sk.local.String()),
		slog.String("remoteAddr", sk.remote.String()),
		slog.Any("err", err),
		slog.String("errClass", errclass.New(err)),
	)
	sk.teardown()
}

// teardown releases every resource held by the socket.
func (sk *Socket) teardown() {
	sk.stack.sim.Cancel(sk.rtoTimer)
	sk.stack.sim.Cancel(sk.timeWaitTimer)
	key := connKey{local: sk.local, remote: sk.remote}
	if sk.stack.conns[key] == sk {
		delete(sk.stack.conns, key)
	}
	if sk.bound {
		sk.stack.releasePort(sk.local.Port())
		sk.bound = false
	}
	sk.setState(StateClosed)
}
