// SPDX-License-Identifier: Apache-2.0

// Package broadcast fans live run events out to dashboard subscribers.
package broadcast

import (
	"sync"

	"github.com/adiadia/browsertest-runner/internal/metrics"
)

const DefaultBuffer = 64

// Message is one live event. TestID is used for filtering only.
type Message struct {
	Event  string `json:"event"`
	TestID string `json:"-"`
	Data   any    `json:"data"`
}

// Subscription receives messages on C until it is closed.
type Subscription struct {
	C <-chan Message

	ch     chan Message
	testID string
	hub    *Hub
	once   sync.Once
}

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is a one-to-many broadcaster. Publish never blocks: a subscriber whose
// buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for testID, or for every test when testID
// is empty.
func (h *Hub) Subscribe(testID string) *Subscription {
	ch := make(chan Message, h.buffer)
	sub := &Subscription{
		C:      ch,
		ch:     ch,
		testID: testID,
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Publish delivers msg to matching subscribers and returns how many got it.
func (h *Hub) Publish(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs {
		if sub.testID != "" && sub.testID != msg.TestID {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
			metrics.IncBroadcastDropped()
		}
	}
	return delivered
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}
