// SPDX-License-Identifier: GPL-3.0-or-later

package app

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/rbmk-project/tcpchain/internal/slogx"
	"github.com/rbmk-project/tcpchain/netsim/hook"
	"github.com/rbmk-project/tcpchain/netsim/tcp"
)

// Received describes data delivered to a [*Sink].
type Received struct {
	// At is the simulated time of the delivery.
	At time.Duration

	// From is the remote endpoint.
	From netip.AddrPort

	// Size is the number of bytes delivered.
	Size int
}

// Clock tells the simulated time.
type Clock interface {
	Now() time.Duration
}

// Sink accepts connections and consumes the data it receives.
//
// The zero value is not ready to use; construct using [NewSink].
type Sink struct {
	addr     netip.AddrPort
	clock    Clock
	conns    []*tcp.Socket
	listener *tcp.Socket
	logger   *slog.Logger
	received hook.Source[Received]
	rxBytes  uint64
	stack    *tcp.Stack
	state    State
	accepted int
}

// NewSink creates a new [*Sink] listening on addr once started. A nil
// logger disables logging.
func NewSink(clock Clock, stack *tcp.Stack, addr netip.AddrPort, logger *slog.Logger) *Sink {
	return &Sink{
		addr:   addr,
		clock:  clock,
		logger: slogx.OrDiscard(logger),
		stack:  stack,
		state:  StateConfigured,
	}
}

// Start starts listening. Starting a running sink is a no-op.
func (s *Sink) Start() error {
	switch s.state {
	case StateRunning:
		return nil
	case StateStopped:
		return ErrStopped
	}
	listener := s.stack.NewSocket()
	if err := listener.BindTo(s.addr); err != nil {
		return fmt.Errorf("sink: bind %s: %w", s.addr, err)
	}
	if err := listener.Listen(); err != nil {
		_ = listener.Close()
		return fmt.Errorf("sink: listen %s: %w", s.addr, err)
	}
	listener.Accepted().Subscribe(s.onAccept)
	s.listener = listener
	s.state = StateRunning
	s.logger.Info("sinkStart", slog.Duration("t", s.clock.Now()), slog.String("addr", s.addr.String()))
	return nil
}

// onAccept takes ownership of an accepted connection.
func (s *Sink) onAccept(conn *tcp.Socket) {
	s.accepted++
	s.conns = append(s.conns, conn)
	from := conn.RemoteAddr()
	s.logger.Info("sinkAccept", slog.Duration("t", s.clock.Now()), slog.String("remoteAddr", from.String()))
	conn.Received().Subscribe(func(data []byte) {
		if s.state == StateStopped {
			return
		}
		s.rxBytes += uint64(len(data))
		s.received.Publish(Received{At: s.clock.Now(), From: from, Size: len(data)})
	})
	conn.PeerClosed().Subscribe(func(conn *tcp.Socket) {
		_ = conn.Close()
	})
}

// Stop closes the listener and every accepted connection. Data still
// arriving on closing connections is no longer counted nor published.
// It is idempotent and safe before start.
func (s *Sink) Stop() {
	if s.state == StateStopped {
		return
	}
	s.state = StateStopped
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
	s.logger.Info("sinkStop", slog.Duration("t", s.clock.Now()), slog.Uint64("rxBytes", s.rxBytes))
}

// State returns the lifecycle state.
func (s *Sink) State() State {
	return s.state
}

// Accepted returns the number of accepted connections.
func (s *Sink) Accepted() int {
	return s.accepted
}

// TotalRx returns the number of bytes received.
func (s *Sink) TotalRx() uint64 {
	return s.rxBytes
}

// Received returns the source publishing each delivery.
func (s *Sink) Received() *hook.Source[Received] {
	return &s.received
}
