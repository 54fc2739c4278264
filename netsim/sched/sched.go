// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package sched implements a single-threaded discrete-event scheduler.

Events are kept in a binary heap keyed by (time, sequence number), so that
events scheduled for the same simulated time run in the order in which
they were scheduled. Cancelling an event marks it with a tombstone that is
checked when the event reaches the top of the heap; cancelled events are
never removed from the middle of the structure.

Time is simulated time, expressed as a [time.Duration] elapsed since the
beginning of the simulation. Callbacks never run concurrently.
*/
package sched

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"github.com/rbmk-project/tcpchain/internal/slogx"
)

// event is a scheduled callback.
type event struct {
	// at is the simulated time when the event fires.
	at time.Duration

	// seq breaks ties between events with the same time.
	seq uint64

	// fn is the callback to invoke.
	fn func()

	// cancelled is the tombstone flag.
	cancelled bool

	// fired is set once the callback has been invoked.
	fired bool
}

// EventID is a handle to a scheduled event.
//
// The handle only allows cancelling the event and checking whether
// it is still pending; it never allows running the event. The zero
// value is a valid handle referring to no event.
type EventID struct {
	ev *event
}

// Pending returns whether the event is still queued and not cancelled.
func (id EventID) Pending() bool {
	return id.ev != nil && !id.ev.cancelled && !id.ev.fired
}

// Time returns the time at which the event fires or fired. The zero
// handle returns zero.
func (id EventID) Time() time.Duration {
	if id.ev == nil {
		return 0
	}
	return id.ev.at
}

// Simulator is the discrete-event scheduler.
//
// The zero value is not ready to use; construct using [New].
type Simulator struct {
	// logger is the structured logger.
	logger *slog.Logger

	// live counts queued events that are not cancelled.
	live int

	// now is the current simulated time.
	now time.Duration

	// queue is the (time, seq) priority queue.
	queue eventQueue

	// seq is the next sequence number.
	seq uint64

	// stopAt is the global stop time, valid when stopSet is true.
	stopAt time.Duration

	// stopSet indicates whether Stop was called.
	stopSet bool
}

// New creates a new [*Simulator] at time zero. A nil logger
// disables structured logging.
func New(logger *slog.Logger) *Simulator {
	return &Simulator{logger: slogx.OrDiscard(logger)}
}

// Now returns the current simulated time.
func (s *Simulator) Now() time.Duration {
	return s.now
}

// Schedule schedules fn to run after the given delay.
//
// This method panics if the delay is negative.
func (s *Simulator) Schedule(delay time.Duration, fn func()) EventID {
	if delay < 0 {
		panic("sched: negative delay")
	}
	return s.ScheduleAt(s.now+delay, fn)
}

// ScheduleNow schedules fn to run at the current time, after any
// other event already scheduled for the current time.
func (s *Simulator) ScheduleNow(fn func()) EventID {
	return s.ScheduleAt(s.now, fn)
}

// ScheduleAt schedules fn to run at the given absolute time.
//
// This method panics if at is in the past.
func (s *Simulator) ScheduleAt(at time.Duration, fn func()) EventID {
	if at < s.now {
		panic("sched: scheduling in the past")
	}
	ev := &event{at: at, seq: s.seq, fn: fn}
	s.seq++
	s.live++
	heap.Push(&s.queue, ev)
	return EventID{ev}
}

// Cancel cancels a pending event. Cancelling an event that already
// fired, that was already cancelled, or the zero [EventID] is a no-op.
func (s *Simulator) Cancel(id EventID) {
	if !id.Pending() {
		return
	}
	id.ev.cancelled = true
	s.live--
}

// Stop sets the global stop time. Events scheduled at exactly the stop
// time still run; later events are left in the queue.
func (s *Simulator) Stop(at time.Duration) {
	s.stopAt = at
	s.stopSet = true
}

// Pending returns the number of live events in the queue.
func (s *Simulator) Pending() int {
	return s.live
}

// Run processes events until the queue is empty, the stop time is
// reached, or the context is done. In the latter case, it returns
// the context error.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Debug("schedRunStart", slog.Duration("t", s.now), slog.Int("pending", s.live))
	var count int
	for s.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := s.queue[0]
		if ev.cancelled {
			heap.Pop(&s.queue)
			continue
		}
		if s.stopSet && ev.at > s.stopAt {
			s.now = s.stopAt
			break
		}
		heap.Pop(&s.queue)
		s.now = ev.at
		ev.fired = true
		s.live--
		ev.fn()
		count++
	}
	s.logger.Debug("schedRunDone", slog.Duration("t", s.now), slog.Int("events", count),
		slog.Int("pending", s.live))
	return nil
}

// eventQueue implements [heap.Interface].
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
