// Package eventbus is the in-process signal fabric between the dispatch
// pipeline and observers (status commands, log taps). Delivery is best
// effort: a subscriber that stops draining loses events, never blocks a
// publisher.
package eventbus

import (
	"sync"
	"time"
)

// Well-known event types published by the dispatch engine.
const (
	EventRunStarted        = "run.started"
	EventRunFinished       = "run.finished"
	EventRunFailed         = "run.failed"
	EventRunDropped        = "run.dropped"
	EventAccountRestricted = "account.restricted"
)

// Event carries one signal. Data should be small and JSON-serializable so
// observers can log it directly.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish never blocks. Subscribers that cannot keep up drop events.
	Publish(e Event)
	// Subscribe returns a buffered channel and its unsubscribe func.
	// Unsubscribe closes the channel; calling it twice is safe.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// offer delivers without blocking. Holding sub.mu makes the closed check and
// the send atomic against unsubscribe.
func (s *subscriber) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscriber) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type memBus struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.offer(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.subs == nil {
		b.subs = map[uint64]*subscriber{}
	}
	b.next++
	id := b.next
	b.subs[id] = sub
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.shut()
	}
	return sub.ch, unsub
}
