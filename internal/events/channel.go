// Package events delivers transcript events and task failures from an
// instance's worker to at most one subscriber.
//
// A [Channel] holds a single subscriber slot. Attaching replaces the current
// subscriber, which silently stops receiving events. The channel also counts
// attaches: Detach decrements the count and only clears the slot once it
// reaches zero. Events published while the slot is empty are dropped.
package events

import (
	"sync"

	"github.com/MrWong99/voxscribe/pkg/types"
)

// Subscriber receives events. Methods are called from worker goroutines and
// must not block.
type Subscriber interface {
	Transcript(instanceID int64, ev types.TranscriptEvent)
	Failure(f types.Failure)
}

// Observer is told whether each published message reached a subscriber.
type Observer func(kind string, delivered bool)

// Option configures a [Channel].
type Option func(*Channel)

// WithObserver installs an [Observer].
func WithObserver(o Observer) Option {
	return func(c *Channel) { c.observer = o }
}

// Channel is a guarded single-slot broadcaster. All methods are safe for
// concurrent use.
type Channel struct {
	instanceID int64
	observer   Observer

	mu        sync.Mutex
	sub       Subscriber
	listeners int
	closed    bool
}

// New returns an empty Channel for the instance with the given id.
func New(instanceID int64, opts ...Option) *Channel {
	c := &Channel{instanceID: instanceID}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Attach makes s the subscriber, replacing any previous one. It returns
// false if the channel is closed.
func (c *Channel) Attach(s Subscriber) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sub = s
	c.listeners++
	return true
}

// Detach decrements the listener count and clears the subscriber when the
// count reaches zero.
func (c *Channel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners > 0 {
		c.listeners--
	}
	if c.listeners == 0 {
		c.sub = nil
	}
}

// Release detaches s only if it is still the current subscriber. It is used
// when a subscriber goes away and must not clear a replacement.
func (c *Channel) Release(s Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != s {
		return
	}
	c.sub = nil
	c.listeners = 0
}

// Listeners returns the current listener count.
func (c *Channel) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners
}

// Subscribed reports whether a subscriber is attached.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub != nil
}

// Publish delivers ev to the current subscriber, if any, and reports whether
// it was delivered.
func (c *Channel) Publish(ev types.TranscriptEvent) bool {
	sub := c.current()
	if sub != nil {
		sub.Transcript(c.instanceID, ev)
	}
	c.observe("transcript", sub != nil)
	return sub != nil
}

// Fail delivers f to the current subscriber, if any.
func (c *Channel) Fail(f types.Failure) bool {
	sub := c.current()
	if sub != nil {
		sub.Failure(f)
	}
	c.observe("failure", sub != nil)
	return sub != nil
}

// Close clears the subscriber and makes later Attach calls fail. Publishing
// to a closed channel drops the event.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.sub = nil
	c.listeners = 0
}

func (c *Channel) current() Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *Channel) observe(kind string, delivered bool) {
	if c.observer != nil {
		c.observer(kind, delivered)
	}
}
