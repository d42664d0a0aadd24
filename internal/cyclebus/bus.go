// Package cyclebus distributes published detection cycles to multiple
// subscribers without ever blocking the scheduler.
//
// Subscribers choose a drop policy:
//
//	DropNew  buffered channel; a report that does not fit is dropped
//	DropOld  single slot; each report replaces the previous one
//
// Drop reports, never queue. A slow history writer or a stalled broker must
// not delay the next detection cycle.
//
//	bus := cyclebus.New()
//	defer bus.Close()
//
//	ch := make(chan scheduler.CycleReport, 32)
//	bus.Subscribe("history", ch)
//
//	latest, _ := bus.SubscribeLatest("server")
//	report, ok := latest.TryReceive()
//
// Bus implements scheduler.CycleObserver.
package cyclebus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-player/scheduler"
)

var (
	ErrBusClosed          = errors.New("cyclebus: bus is closed")
	ErrSubscriberExists   = errors.New("cyclebus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("cyclebus: subscriber not found")
	ErrNilChannel         = errors.New("cyclebus: nil channel provided")
)

// DropPolicy defines what happens when a subscriber cannot keep up.
type DropPolicy int

const (
	DropNew DropPolicy = iota
	DropOld
)

func (p DropPolicy) String() string {
	if p == DropOld {
		return "drop_old"
	}
	return "drop_new"
}

// SubscriberStats counts deliveries to one subscriber.
type SubscriberStats struct {
	Policy  string `json:"policy"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats is a snapshot of the whole bus.
type Stats struct {
	TotalPublished uint64                     `json:"total_published"`
	TotalSent      uint64                     `json:"total_sent"`
	TotalDropped   uint64                     `json:"total_dropped"`
	Subscribers    map[string]SubscriberStats `json:"subscribers"`
}

type subscriber struct {
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- scheduler.CycleReport
	latest *Latest
}

// Bus fans cycle reports out to subscribers. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers ch with the DropNew policy. The bus never closes ch.
func (b *Bus) Subscribe(id string, ch chan<- scheduler.CycleReport) error {
	if ch == nil {
		return ErrNilChannel
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(id); err != nil {
		return err
	}
	b.subscribers[id] = &subscriber{policy: DropNew, ch: ch}
	return nil
}

// SubscribeLatest registers a DropOld subscriber and returns its slot.
func (b *Bus) SubscribeLatest(id string) (*Latest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLocked(id); err != nil {
		return nil, err
	}
	l := newLatest()
	b.subscribers[id] = &subscriber{policy: DropOld, latest: l}
	return l, nil
}

func (b *Bus) checkLocked(id string) error {
	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	return nil
}

// Publish delivers r to every subscriber. It never blocks.
func (b *Bus) Publish(r scheduler.CycleReport) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- r:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if sub.latest.set(r) {
				sub.dropped.Add(1)
			}
			sub.sent.Add(1)
		}
	}
}

// ObserveCycle implements scheduler.CycleObserver.
func (b *Bus) ObserveCycle(r scheduler.CycleReport) {
	b.Publish(r)
}

// Unsubscribe removes a subscriber. A DropOld slot is closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns global and per-subscriber counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{
		TotalPublished: b.published.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		s := SubscriberStats{
			Policy:  sub.policy.String(),
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		}
		st.TotalSent += s.Sent
		st.TotalDropped += s.Dropped
		st.Subscribers[id] = s
	}
	return st
}

// Close stops publishing and closes every DropOld slot. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	b.subscribers = nil
}
