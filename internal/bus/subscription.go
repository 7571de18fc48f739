package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

var subscriptionIDs atomic.Uint64

// Subscription is one subscriber's bounded event queue. A WebSocket session
// owns exactly one subscription and attaches it to any number of topics; the
// session's writer drains it with Next.
//
// The queue never blocks a publisher: on overflow the oldest non-critical
// event is shed. Critical events are never shed and may transiently push the
// queue past its capacity.
type Subscription struct {
	id  uint64
	cap int

	mu     sync.Mutex
	buf    []Event
	closed bool
	ready  chan struct{}

	dropped func()
}

// NewSubscription creates a queue with the given capacity (minimum 1000).
// dropped, if non-nil, is invoked once per shed event.
func NewSubscription(capacity int, dropped func()) *Subscription {
	if capacity < 1000 {
		capacity = 1000
	}
	return &Subscription{
		id:      subscriptionIDs.Add(1),
		cap:     capacity,
		ready:   make(chan struct{}, 1),
		dropped: dropped,
	}
}

// ID identifies the subscription within a node.
func (s *Subscription) ID() uint64 { return s.id }

// Cap reports the configured capacity.
func (s *Subscription) Cap() int { return s.cap }

// push enqueues without blocking. Returns false when the subscription is
// closed or the event was shed.
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if len(s.buf) >= s.cap {
		if !s.shedLocked(ev.Critical()) {
			if s.dropped != nil {
				s.dropped()
			}
			return false
		}
	}
	s.buf = append(s.buf, ev)
	s.signal()
	return true
}

// shedLocked removes the oldest non-critical event. When every queued event
// is critical, a non-critical newcomer is the one shed (return false); a
// critical newcomer is admitted past capacity.
func (s *Subscription) shedLocked(incomingCritical bool) bool {
	for i, queued := range s.buf {
		if !queued.Critical() {
			s.buf = append(s.buf[:i], s.buf[i+1:]...)
			if s.dropped != nil {
				s.dropped()
			}
			return true
		}
	}
	return incomingCritical
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or ctx is done or the
// subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			if len(s.buf) > 0 {
				s.signal()
			}
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-ctx.Done():
			return Event{}, false
		case <-s.ready:
		}
	}
}

// Close wakes any blocked reader and rejects further pushes.
func (s *Subscription) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Len reports the queue depth.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}
