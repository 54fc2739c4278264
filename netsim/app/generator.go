// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package app contains the applications installed on simulated nodes.

The [*Generator] drives a constant-bit-rate stream of fixed-size packets
through a connected socket it exclusively owns. The [*Sink] accepts
connections on a port and counts the received bytes.

Applications follow the same lifecycle: they are configured once, then
started and stopped by scheduler events. Stopping is idempotent and safe
before starting. A stopped application cannot be restarted.
*/
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/tcpchain/internal/slogx"
	"github.com/rbmk-project/tcpchain/netsim/hook"
	"github.com/rbmk-project/tcpchain/netsim/sched"
	"github.com/rbmk-project/tcpchain/netsim/units"
)

// Scheduler is the [*sched.Simulator] as seen by applications.
type Scheduler interface {
	Now() time.Duration
	Schedule(delay time.Duration, fn func()) sched.EventID
	Cancel(id sched.EventID)
}

// Socket is the connection-oriented socket used by a [*Generator].
//
// The [*tcp.Socket] type implements this interface.
type Socket interface {
	Bind() error
	Connect(peer netip.AddrPort) error
	Send(data []byte) (int, error)
	Close() error
}

// State is the state of an application.
type State int

const (
	// StateCreated is the state of a new application.
	StateCreated State = iota

	// StateConfigured is the state after a successful configuration.
	StateConfigured

	// StateRunning is the state between start and stop.
	StateRunning

	// StateStopped is the terminal state.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidConfig indicates invalid generator parameters.
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrAlreadyConfigured indicates a second configuration attempt.
	ErrAlreadyConfigured = errors.New("generator already configured")

	// ErrAlreadyStarted indicates a configuration attempt after start.
	ErrAlreadyStarted = errors.New("generator already started")

	// ErrNotConfigured indicates starting an unconfigured generator.
	ErrNotConfigured = errors.New("generator not configured")

	// ErrStopped indicates starting a stopped application.
	ErrStopped = errors.New("application stopped")
)

// Sent describes a packet handed to the socket.
type Sent struct {
	// At is the simulated time of the send.
	At time.Duration

	// Index is the zero-based index of the packet.
	Index uint32

	// Size is the payload size.
	Size uint32

	// Err is the error returned by the socket, if any.
	Err error
}

// Generator is a constant-bit-rate traffic generator.
//
// The zero value is not ready to use; construct using [NewGenerator].
type Generator struct {
	// count is the total number of packets to send.
	count uint32

	// failures counts the sends rejected by the socket.
	failures uint32

	// interval is the constant time between two sends.
	interval time.Duration

	// logger is the structured logger.
	logger *slog.Logger

	// peer is the remote endpoint.
	peer netip.AddrPort

	// pending is the handle of the next send, if any.
	pending sched.EventID

	// rate is the target bit rate.
	rate units.DataRate

	// sent counts the packets handed to the socket.
	sent uint32

	// sentHook publishes every send.
	sentHook hook.Source[Sent]

	// sim is the scheduler.
	sim Scheduler

	// size is the payload size of each packet.
	size uint32

	// socket is the exclusively owned socket; nil once released.
	socket Socket

	// state is the lifecycle state.
	state State
}

// NewGenerator creates a new [*Generator] in the created state. A nil
// logger disables logging.
func NewGenerator(sim Scheduler, logger *slog.Logger) *Generator {
	return &Generator{logger: slogx.OrDiscard(logger), sim: sim}
}

// Configure stores the generator parameters and takes ownership of the
// socket. It must be called exactly once, before [*Generator.Start].
func (g *Generator) Configure(socket Socket, peer netip.AddrPort, size, count uint32, rate units.DataRate) error {
	switch g.state {
	case StateConfigured:
		return ErrAlreadyConfigured
	case StateRunning, StateStopped:
		return ErrAlreadyStarted
	}
	switch {
	case socket == nil:
		return fmt.Errorf("%w: nil socket", ErrInvalidConfig)
	case !peer.IsValid():
		return fmt.Errorf("%w: invalid peer %s", ErrInvalidConfig, peer)
	case size == 0:
		return fmt.Errorf("%w: zero packet size", ErrInvalidConfig)
	case count == 0:
		return fmt.Errorf("%w: zero packet count", ErrInvalidConfig)
	case rate == 0:
		return fmt.Errorf("%w: zero data rate", ErrInvalidConfig)
	}
	g.socket = socket
	g.peer = peer
	g.size = size
	g.count = count
	g.rate = rate
	g.interval = Interval(size, rate)
	g.state = StateConfigured
	return nil
}

// Interval returns the time between two packets of the given size
// sent at the given rate, that is, size*8/rate seconds.
func Interval(size uint32, rate units.DataRate) time.Duration {
	return rate.TransmitTime(uint64(size))
}

// Start binds the socket, connects it to the peer, and sends the first
// packet immediately. Starting a running generator is a no-op.
func (g *Generator) Start() error {
	switch g.state {
	case StateCreated:
		return ErrNotConfigured
	case StateRunning:
		return nil
	case StateStopped:
		return ErrStopped
	}
	if err := g.socket.Bind(); err != nil {
		return fmt.Errorf("generator: bind: %w", err)
	}
	if err := g.socket.Connect(g.peer); err != nil {
		return fmt.Errorf("generator: connect: %w", err)
	}
	g.sent = 0
	g.state = StateRunning
	g.logger.Info("generatorStart",
		slog.Duration("t", g.sim.Now()),
		slog.String("peer", g.peer.String()),
		slog.Duration("interval", g.interval),
		slog.Uint64("count", uint64(g.count)),
	)
	g.sendPacket()
	return nil
}

// Stop stops sending, cancels the pending send, and closes and
// releases the socket. It is idempotent and safe before start.
func (g *Generator) Stop() {
	if g.state == StateStopped {
		return
	}
	wasRunning := g.state == StateRunning
	g.state = StateStopped
	g.sim.Cancel(g.pending)
	g.pending = sched.EventID{}
	if g.socket != nil {
		// Close on a socket never connected just releases it.
		_ = g.socket.Close()
		g.socket = nil
	}
	if wasRunning {
		g.logger.Info("generatorStop",
			slog.Duration("t", g.sim.Now()),
			slog.Uint64("sent", uint64(g.sent)),
			slog.Uint64("failures", uint64(g.failures)),
		)
	}
}

// sendPacket sends one packet and schedules the next one.
func (g *Generator) sendPacket() {
	g.pending = sched.EventID{}
	payload := make([]byte, g.size)
	_, err := g.socket.Send(payload)
	if err != nil {
		g.failures++
		g.logger.Warn("generatorSendError",
			slog.Duration("t", g.sim.Now()),
			slog.Uint64("index", uint64(g.sent)),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
		)
	}
	g.sentHook.Publish(Sent{At: g.sim.Now(), Index: g.sent, Size: g.size, Err: err})
	g.sent++
	if g.sent < g.count {
		g.scheduleNext()
	}
}

// scheduleNext schedules the next send while running.
func (g *Generator) scheduleNext() {
	if g.state != StateRunning {
		return
	}
	g.pending = g.sim.Schedule(g.interval, g.sendPacket)
}

// State returns the lifecycle state.
func (g *Generator) State() State {
	return g.state
}

// Running returns whether the generator is running, including when
// idle after exhausting its packet budget.
func (g *Generator) Running() bool {
	return g.state == StateRunning
}

// Pending returns whether a send is scheduled.
func (g *Generator) Pending() bool {
	return g.pending.Pending()
}

// PacketsSent returns the number of packets handed to the socket.
func (g *Generator) PacketsSent() uint32 {
	return g.sent
}

// Failures returns the number of sends the socket rejected.
func (g *Generator) Failures() uint32 {
	return g.failures
}

// Interval returns the time between two sends.
func (g *Generator) Interval() time.Duration {
	return g.interval
}

// Sent returns the source publishing each send.
func (g *Generator) Sent() *hook.Source[Sent] {
	return &g.sentHook
}
