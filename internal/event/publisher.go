package event

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPublisherClosed is returned when subscribing to a closed publisher.
var ErrPublisherClosed = errors.New("event: publisher closed")

// Publisher delivers a stream of values to subscribers. A new subscriber is
// handed the current value through OnSubscribe before Subscribe returns, so
// it never has to wait for the next Publish to learn the state.
type Publisher[T any] struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[uint64]*Subscription[T]
	order       []uint64
	closed      bool
	published   uint64

	// OnSubscribe, when set, produces the value handed to new subscribers.
	OnSubscribe func() (T, bool)
}

// NewPublisher returns an open publisher.
func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{subscribers: make(map[uint64]*Subscription[T])}
}

// Subscribe registers fn. The current value, if any, is delivered
// synchronously before Subscribe returns.
func (p *Publisher[T]) Subscribe(fn func(T)) (*Subscription[T], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPublisherClosed
	}
	p.nextID++
	sub := &Subscription[T]{id: p.nextID, pub: p, fn: fn}
	p.subscribers[sub.id] = sub
	p.order = append(p.order, sub.id)
	initial := p.OnSubscribe
	p.mu.Unlock()

	if initial != nil {
		if v, ok := initial(); ok {
			sub.deliver(v)
		}
	}
	return sub, nil
}

// Publish hands v to every current subscriber on the calling goroutine.
func (p *Publisher[T]) Publish(v T) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return
	}
	subs := make([]*Subscription[T], 0, len(p.order))
	for _, id := range p.order {
		subs = append(subs, p.subscribers[id])
	}
	p.mu.RUnlock()

	atomic.AddUint64(&p.published, 1)
	for _, s := range subs {
		s.deliver(v)
	}
}

// Published returns how many values have been published.
func (p *Publisher[T]) Published() uint64 { return atomic.LoadUint64(&p.published) }

// Subscribers returns the number of live subscriptions.
func (p *Publisher[T]) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}

// Close drops every subscriber. Further Publish calls are ignored.
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, s := range p.subscribers {
		s.closed.Store(true)
	}
	p.subscribers = nil
	p.order = nil
}

func (p *Publisher[T]) unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	delete(p.subscribers, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription[T any] struct {
	id     uint64
	pub    *Publisher[T]
	fn     func(T)
	closed atomic.Bool
	once   sync.Once
}

func (s *Subscription[T]) deliver(v T) {
	if s.closed.Load() {
		return
	}
	s.fn(v)
}

// Close stops delivery to this subscription.
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.closed.Store(true)
		s.pub.unsubscribe(s.id)
	})
}
