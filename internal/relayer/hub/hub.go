// Package hub is an in-process publish/subscribe fan-out for relayer events.
//
// Publishing never blocks: each subscriber has a bounded buffer, and a
// subscriber that falls behind loses events and is told so on its next
// receive. WebSocket connections are the only subscribers, and a client that
// cannot keep up must resynchronise over HTTP anyway.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSlowConsumer is returned by Recv after events were dropped because the
// subscriber's buffer was full.
var ErrSlowConsumer = errors.New("hub: events dropped, resync required")

const subscriberBuffer = 256

// Event is a broadcast message.
type Event struct {
	Type    string
	Payload any
}

// Hub fans events out to subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Subscription is one subscriber's bounded event stream.
type Subscription struct {
	hub    *Hub
	ch     chan Event
	lagged atomic.Bool
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber. Callers must Unsubscribe when done.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{hub: h, ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers the event to every subscriber that has room, dropping it
// for any that do not.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged.Store(true)
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Recv waits for the next event. It returns ErrSlowConsumer once per lag
// episode, after which the subscriber keeps receiving from where the buffer
// resumes.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	if s.lagged.Swap(false) {
		return Event{}, ErrSlowConsumer
	}
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Unsubscribe removes the subscription from the hub.
func (s *Subscription) Unsubscribe() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
}
