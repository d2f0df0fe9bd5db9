package client

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/goevery/chatrelay/internal/event"
)

type Callback func(ev event.Event)

// Binder is the transport side of the listener registry. Bind starts routing a
// kind to Dispatch and Unbind stops it.
type Binder interface {
	Bind(kind event.Kind)
	Unbind(kind event.Kind)
}

type subscriber struct {
	id       string
	callback Callback
}

// Listeners lets several independent subscribers listen to the same event
// kind. Subscriptions outlive the transport; only the binding is redone when
// a new transport is attached.
type Listeners struct {
	logger *zap.Logger

	// bindMu orders bucket changes with the binder calls they cause, so the
	// transport binding always matches whether a kind has subscribers.
	bindMu sync.Mutex
	binder Binder

	mu      sync.Mutex
	buckets map[event.Kind][]subscriber
}

func NewListeners(logger *zap.Logger) *Listeners {
	return &Listeners{
		logger:  logger,
		buckets: make(map[event.Kind][]subscriber),
	}
}

// Subscribe registers callback under (kind, subscriberId). Registering the
// same pair again replaces the callback and keeps its position.
func (l *Listeners) Subscribe(kind event.Kind, subscriberId string, callback Callback) {
	l.bindMu.Lock()
	defer l.bindMu.Unlock()

	l.mu.Lock()
	bucket, exists := l.buckets[kind]
	replaced := false
	for i := range bucket {
		if bucket[i].id == subscriberId {
			bucket[i].callback = callback
			replaced = true
			break
		}
	}
	if !replaced {
		l.buckets[kind] = append(bucket, subscriber{subscriberId, callback})
	}
	l.mu.Unlock()

	if !exists && l.binder != nil {
		l.binder.Bind(kind)
	}
}

func (l *Listeners) Unsubscribe(kind event.Kind, subscriberId string) {
	l.bindMu.Lock()
	defer l.bindMu.Unlock()

	l.mu.Lock()
	bucket, ok := l.buckets[kind]
	if !ok {
		l.mu.Unlock()
		return
	}

	remaining := make([]subscriber, 0, len(bucket))
	for _, s := range bucket {
		if s.id != subscriberId {
			remaining = append(remaining, s)
		}
	}

	emptied := len(remaining) == 0
	if emptied {
		delete(l.buckets, kind)
	} else {
		l.buckets[kind] = remaining
	}
	l.mu.Unlock()

	if emptied && l.binder != nil {
		l.binder.Unbind(kind)
	}
}

// Dispatch calls every subscriber of ev's kind in registration order. It
// iterates over a snapshot, so callbacks may subscribe or unsubscribe. A
// panicking callback is logged and does not stop the others.
func (l *Listeners) Dispatch(ev event.Event) {
	kind := ev.Kind()

	l.mu.Lock()
	snapshot := append([]subscriber(nil), l.buckets[kind]...)
	l.mu.Unlock()

	for _, s := range snapshot {
		l.invoke(kind, s, ev)
	}
}

func (l *Listeners) invoke(kind event.Kind, s subscriber, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event listener panicked",
				zap.String("event", kind.String()),
				zap.String("subscriberId", s.id),
				zap.Error(fmt.Errorf("%v", r)))
		}
	}()

	s.callback(ev)
}

// Events returns the kinds with at least one subscriber, sorted.
func (l *Listeners) Events() []event.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()

	kinds := make([]event.Kind, 0, len(l.buckets))
	for kind := range l.buckets {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	return kinds
}

func (l *Listeners) Subscribers(kind event.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets[kind])
}

// Rewire attaches binder and binds every kind that currently has subscribers.
// A nil binder detaches the transport.
func (l *Listeners) Rewire(binder Binder) {
	l.bindMu.Lock()
	defer l.bindMu.Unlock()

	l.binder = binder
	if binder == nil {
		return
	}

	for _, kind := range l.Events() {
		binder.Bind(kind)
	}
}
