// Package task provides the wait/wake primitive port tasks are built on: a
// set of pending event flags and a wait with an explicit deadline.
package task

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Event is a set of event flags.
type Event uint32

// Port task events.
const (
	EventWake Event = 1 << iota // generic wake up, e.g. register write
	EventRx                     // PHY detected the start of a frame
	EventTx                     // transmit requested
	EventCC                     // CC pull changed

	EventAll Event = 1<<32 - 1
)

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	var names []string
	for _, n := range []struct {
		e    Event
		name string
	}{{EventWake, "wake"}, {EventRx, "rx"}, {EventTx, "tx"}, {EventCC, "cc"}} {
		if e&n.e != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "other"
	}
	return strings.Join(names, "|")
}

// ErrTimeout is returned by Wait when the deadline expires with no event.
var ErrTimeout = errors.New("task: wait timed out")

// Events holds the pending events of a task. A single goroutine, the task,
// waits on it. The zero value is not usable, use NewEvents.
type Events struct {
	mu      sync.Mutex
	pending Event
	wake    chan struct{}
}

// NewEvents returns an empty event set.
func NewEvents() *Events {
	return &Events{wake: make(chan struct{}, 1)}
}

// Set marks e as pending and wakes up a waiter. Set may be called from any
// goroutine.
func (s *Events) Set(e Event) {
	s.mu.Lock()
	s.pending |= e
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the pending events without clearing them.
func (s *Events) Pending() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Events) take(mask Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.pending & mask
	s.pending &^= e
	return e
}

// Wait blocks until one of the events in mask is pending, clears and
// returns those events. Events outside mask are left pending. Wait returns
// ErrTimeout once timeout expires, or ctx.Err() when ctx is done. A timeout
// of zero or less waits without deadline.
func (s *Events) Wait(ctx context.Context, mask Event, timeout time.Duration) (Event, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		if e := s.take(mask); e != 0 {
			return e, nil
		}
		select {
		case <-s.wake:
		case <-expired:
			if e := s.take(mask); e != 0 {
				return e, nil
			}
			return 0, ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
