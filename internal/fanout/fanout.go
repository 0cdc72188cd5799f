// Package fanout implements an in-memory publish/subscribe channel that
// delivers every published message to every current subscriber.
//
// Each subscriber owns a bounded backlog. A publisher never waits for a
// subscriber: when a subscriber's backlog is full it is evicted and observes
// ErrLagged on its next receive.
package fanout

import (
	"errors"
	"sync"
)

// DefaultCapacity is the per-subscriber backlog used when none is given.
const DefaultCapacity = 100

var (
	// ErrClosed is returned once the channel has been closed and the
	// subscriber has drained everything queued before the close.
	ErrClosed = errors.New("fanout: channel closed")

	// ErrLagged is returned to a subscriber that fell more than the backlog
	// capacity behind the publisher and was evicted.
	ErrLagged = errors.New("fanout: subscriber lagged")
)

// Channel is safe for concurrent use by any number of publishers and
// subscribers.
type Channel struct {
	capacity int

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New returns an open channel. A capacity below 1 means DefaultCapacity.
func New(capacity int) *Channel {
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	return &Channel{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Capacity returns the backlog size of each subscription.
func (c *Channel) Capacity() int {
	return c.capacity
}

// Subscribe registers a new subscriber that receives every message published
// from now on. Subscribing to a closed channel returns a subscription that
// reports ErrClosed immediately.
func (c *Channel) Subscribe() *Subscription {
	s := &Subscription{
		parent: c,
		queue:  make(chan []byte, c.capacity),
		lagged: make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(s.queue)
		return s
	}

	c.subs[s] = struct{}{}
	return s
}

// Publish enqueues msg for every subscriber and returns how many accepted
// it. Subscribers whose backlog is full are evicted. The message slice is
// shared between subscribers and must not be modified afterwards.
//
// Messages from one publisher reach every subscriber in publish order.
func (c *Channel) Publish(msg []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}

	var delivered int
	for s := range c.subs {
		select {
		case s.queue <- msg:
			delivered++
		default:
			c.evict(s)
		}
	}

	return delivered, nil
}

// Len returns the number of live subscribers.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.subs)
}

// Close stops the channel. Subscribers still receive what was already queued
// and then ErrClosed. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for s := range c.subs {
		delete(c.subs, s)
		close(s.queue)
	}
}

// evict must be called with c.mu held. lagged is closed before queue so a
// receiver that sees the closed queue also sees the lag.
func (c *Channel) evict(s *Subscription) {
	delete(c.subs, s)
	close(s.lagged)
	close(s.queue)
}

// Subscription is a single subscriber's cursor into a Channel. Recv must
// not be called concurrently from several goroutines.
type Subscription struct {
	parent *Channel
	queue  chan []byte
	lagged chan struct{}
}

// Recv blocks until the next message is available. It returns ErrLagged as
// soon as the subscription has been evicted, even if older messages are
// still queued, and ErrClosed after the channel is closed and drained.
func (s *Subscription) Recv() ([]byte, error) {
	select {
	case <-s.lagged:
		return nil, ErrLagged
	default:
	}

	msg, ok := <-s.queue
	if !ok {
		select {
		case <-s.lagged:
			return nil, ErrLagged
		default:
			return nil, ErrClosed
		}
	}

	return msg, nil
}

// Lagged is closed when the subscription is evicted for falling behind.
func (s *Subscription) Lagged() <-chan struct{} {
	return s.lagged
}

// Close unsubscribes. Recv drains what is already queued and then returns
// ErrClosed. It is safe to call Close more than once and after the channel
// itself is closed.
func (s *Subscription) Close() {
	c := s.parent

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[s]; !ok {
		return
	}

	delete(c.subs, s)
	close(s.queue)
}
