package cyclebus

import (
	"context"
	"sync"

	"github.com/e7canasta/orion-player/scheduler"
)

// Latest holds the most recent report of a DropOld subscriber.
type Latest struct {
	mu     sync.Mutex
	report *scheduler.CycleReport
	// unread is true while report has not been received.
	unread bool
	notify chan struct{}
	closed bool
}

func newLatest() *Latest {
	return &Latest{notify: make(chan struct{})}
}

// set stores r and reports whether an unread report was overwritten.
func (l *Latest) set(r scheduler.CycleReport) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	overwritten := l.unread
	l.report = &r
	l.unread = true

	close(l.notify)
	l.notify = make(chan struct{})
	return overwritten
}

// TryReceive returns the latest report without blocking. The report stays
// available to later calls.
func (l *Latest) TryReceive() (scheduler.CycleReport, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.report == nil {
		return scheduler.CycleReport{}, false
	}
	l.unread = false
	return *l.report, true
}

// Receive blocks until a report newer than the last received one arrives,
// ctx is done, or the slot is closed.
func (l *Latest) Receive(ctx context.Context) (scheduler.CycleReport, bool) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return scheduler.CycleReport{}, false
		}
		if l.unread {
			l.unread = false
			r := *l.report
			l.mu.Unlock()
			return r, true
		}
		notify := l.notify
		l.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return scheduler.CycleReport{}, false
		}
	}
}

// Close wakes blocked receivers. Idempotent.
func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.notify)
}
