// (c) Siemens AG 2023
//
// SPDX-License-Identifier: MIT

// Package broadcast implements bounded, multi-subscriber event queues:
// every event source owns one Topic and publishes into it; any number of
// consumers may Subscribe, each getting its own capacity-1024 delivery
// queue. A slow subscriber never blocks the publisher or other
// subscribers: once its queue is full, the oldest buffered event is
// discarded to make room, so a lagged receiver recovers by dropping
// records and re-syncing on the next state snapshot. Loss is made
// observable to the subscriber via a monotonically increasing sequence
// number stamped on every envelope, so a gap in the sequence tells the
// consumer it lagged.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/channels"
)

const defaultCapacity = 1024

// Envelope wraps a published value with the sequence number it was
// assigned at publish time.
type Envelope[T any] struct {
	Seq   uint64
	Value T
}

// Topic fans a stream of T out to any number of independent subscribers.
type Topic[T any] struct {
	mu    sync.Mutex
	subs  map[*Subscription[T]]struct{}
	seq   atomic.Uint64
	capn  int
	closed bool
}

// NewTopic returns a ready-to-use topic with the default queue capacity.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: map[*Subscription[T]]struct{}{}, capn: defaultCapacity}
}

// Subscription is one consumer's view of a Topic: a bounded, self-lagging
// queue of envelopes, backed by an eapache/channels ring buffer so that
// overflow silently discards the oldest entry instead of blocking the
// publisher.
type Subscription[T any] struct {
	topic     *Topic[T]
	ring      *channels.RingChannel
	closeOnce sync.Once
}

// closeRing closes the ring buffer exactly once, whichever of Topic.Close or
// Subscription.Close gets there first; closing a RingChannel twice panics.
func (s *Subscription[T]) closeRing() {
	s.closeOnce.Do(s.ring.Close)
}

// Subscribe registers a new subscription on t. Callers must call Close
// when done to stop receiving events and release the queue.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		topic: t,
		ring:  channels.NewRingChannel(channels.BufferCap(t.capn)),
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Publish delivers value to every current subscriber, stamping it with the
// next sequence number. Publish never blocks: subscriptions that are full
// drop their oldest queued envelope to make room (RingChannel semantics).
func (t *Topic[T]) Publish(value T) {
	env := Envelope[T]{Seq: t.seq.Add(1), Value: value}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for sub := range t.subs {
		sub.ring.In() <- env
	}
}

// SubscriberCount returns the number of currently registered subscriptions.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close shuts the topic down: every subscription's channel is closed so
// that their receive loops see the channel drain and exit. This is the
// topic-initiated half of shutdown; an event source terminating because
// its own downstream broadcast has no subscribers is the other half.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for sub := range t.subs {
		sub.closeRing()
	}
}

// Close unregisters this subscription from its topic and releases its
// queue. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.topic.mu.Lock()
	delete(s.topic.subs, s)
	s.topic.mu.Unlock()
	s.closeRing()
}

// C returns the channel of envelopes for this subscription. It is closed
// once Close has been called (on the subscription itself or implicitly by
// the topic shutting down).
func (s *Subscription[T]) C() <-chan interface{} {
	return s.ring.Out()
}
