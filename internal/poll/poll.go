// Package poll provides the cooperative readiness primitive the blocking
// operations in this module are built on.
//
// A Waiter collects wake-up sources for one scheduling round: channels that
// signal progress, an optional deadline, and an "immediate" flag for work
// that is already runnable. Block then sleeps until any source fires.
// Components register interest with their *Wait methods; they never block
// themselves.
package poll

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// Waiter accumulates wake-up sources registered during one scheduling round.
// The zero value is ready to use. A Waiter must be Reset before reuse.
type Waiter struct {
	immediate   bool
	deadline    time.Time
	hasDeadline bool
	chans       []<-chan struct{}
}

// Immediate requests an immediate wake: Block returns without sleeping.
func (w *Waiter) Immediate() {
	w.immediate = true
}

// Notify registers a channel as a wake source. Block returns when the
// channel is closed or receives a value.
func (w *Waiter) Notify(ch <-chan struct{}) {
	if ch != nil {
		w.chans = append(w.chans, ch)
	}
}

// Deadline registers a wake-up time. The earliest registered deadline wins.
func (w *Waiter) Deadline(t time.Time) {
	if !w.hasDeadline || t.Before(w.deadline) {
		w.deadline = t
		w.hasDeadline = true
	}
}

// Reset clears all registered sources so the Waiter can be reused.
func (w *Waiter) Reset() {
	w.immediate = false
	w.hasDeadline = false
	w.chans = w.chans[:0]
}

// Block sleeps until any registered source fires, the earliest deadline
// passes, or ctx is done. It returns a non-nil error only for context
// cancellation.
func (w *Waiter) Block(ctx context.Context) error {
	if w.immediate {
		return nil
	}
	cases := make([]reflect.SelectCase, 0, len(w.chans)+2)
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})
	if w.hasDeadline {
		d := time.Until(w.deadline)
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(timer.C),
		})
	}
	for _, ch := range w.chans {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(ch),
		})
	}
	chosen, _, _ := reflect.Select(cases)
	if chosen == 0 {
		return ctx.Err()
	}
	return nil
}

// Notifier broadcasts readiness to any number of registered Waiters using
// the close-and-replace channel idiom. The zero value is ready to use.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

// Register adds this notifier as a wake source on w. The registration covers
// every Wake after this call, up to the next one.
func (n *Notifier) Register(w *Waiter) {
	n.mu.Lock()
	if n.ch == nil {
		n.ch = make(chan struct{})
	}
	ch := n.ch
	n.mu.Unlock()
	w.Notify(ch)
}

// Wake releases every Waiter registered since the last Wake.
func (n *Notifier) Wake() {
	n.mu.Lock()
	if n.ch != nil {
		close(n.ch)
		n.ch = nil
	}
	n.mu.Unlock()
}
