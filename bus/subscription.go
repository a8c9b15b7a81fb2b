package bus

import (
	"context"
	"sync"
)

// Subscription is a Hub stream backed by an unbounded FIFO queue.
type Subscription struct {
	id  uint64
	hub *Hub

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
	ended  bool
	err    error

	stopCtx func() bool
}

var _ Stream = (*Subscription)(nil)

func newSubscription(id uint64, h *Hub) *Subscription {
	return &Subscription{
		id:     id,
		hub:    h,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
}

// ID identifies the subscription within its hub.
func (s *Subscription) ID() uint64 { return s.id }

// watch ties the subscription to ctx.
func (s *Subscription) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Unsubscribe)
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		stop()
		return
	}
	s.stopCtx = stop
	s.mu.Unlock()
}

func (s *Subscription) Events() <-chan Event { return s.out }

func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe stops delivery; queued events are dropped.
func (s *Subscription) Unsubscribe() { s.end(nil) }

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.err = err
		s.queue = nil
		stop := s.stopCtx
		s.mu.Unlock()
		close(s.done)
		if stop != nil {
			stop()
		}
		s.hub.remove(s.id)
	})
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves queued events to out, one at a time and in order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
