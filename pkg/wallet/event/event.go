/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package event provides a small in-process hub for pushing state updates
// to UI subscribers. A new subscriber immediately receives the most recent
// value, so screens render current state without waiting for the next
// change.
package event

import (
	"sync"

	"github.com/hyperledger/aries-framework-go/component/log"
)

var logger = log.New("wallet/event")

const subscriberBuffer = 16

// Hub fans values out to subscribers. Publishing never blocks: a
// subscriber that stops draining its channel misses updates rather than
// stalling the publisher.
type Hub[T any] struct {
	mu          sync.Mutex
	subscribers map[chan T]struct{}
	latest      T
	hasLatest   bool
	closed      bool
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subscribers: make(map[chan T]struct{})}
}

// Publish stores the value as the latest and delivers it to every
// subscriber that has room in its buffer.
func (h *Hub[T]) Publish(value T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.latest = value
	h.hasLatest = true

	for ch := range h.subscribers {
		select {
		case ch <- value:
		default:
			logger.Debugf("dropping update for slow subscriber")
		}
	}
}

// Subscribe registers a new subscriber. If a value was ever published the
// channel starts with the latest one. Cancel the subscription with the
// returned function; the channel is closed on cancel.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, subscriberBuffer)

	if h.closed {
		close(ch)

		return ch, func() {}
	}

	if h.hasLatest {
		ch <- h.latest
	}

	h.subscribers[ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

// Latest returns the most recently published value, if any.
func (h *Hub[T]) Latest() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.latest, h.hasLatest
}

// Close closes every subscriber channel. Further publishes are dropped.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for ch := range h.subscribers {
		close(ch)
	}

	h.subscribers = nil
}
