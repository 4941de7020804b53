// Package event provides typed, synchronous event fan-out with explicit
// subscription handles, plus a latest-value publisher.
package event

import (
	"sync"
)

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// Event fans a value out to every registered listener on the firing
// goroutine. The zero value is ready to use.
type Event[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listenerEntry[T]
}

// Listen registers fn and returns the handle that removes it.
func (e *Event[T]) Listen(fn func(T)) *Listener {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listenerEntry[T]{id: id, fn: fn})
	e.mu.Unlock()
	return &Listener{close: func() { e.remove(id) }}
}

func (e *Event[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Fire calls every listener registered at the time of the call, in
// registration order. Listeners may close themselves or others while firing.
func (e *Event[T]) Fire(v T) {
	e.mu.Lock()
	snapshot := append([]listenerEntry[T](nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range snapshot {
		if e.active(l.id) {
			l.fn(v)
		}
	}
}

func (e *Event[T]) active(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.listeners {
		if l.id == id {
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Listener is the handle returned by Listen.
type Listener struct {
	once  sync.Once
	close func()
}

// Close unregisters the listener. Safe to call more than once and on nil.
func (l *Listener) Close() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if l.close != nil {
			l.close()
		}
	})
}
