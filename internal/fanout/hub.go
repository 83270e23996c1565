// Package fanout broadcasts slot state changes to everyone watching a topic.
package fanout

import (
	"sync"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
	"github.com/robertarktes/court-slot-reservations/internal/observability"
)

// Publisher accepts events for a topic. Publishing is best-effort and must
// never block the caller.
type Publisher interface {
	Publish(topic string, ev domain.Event)
}

// Hub delivers events to in-process subscribers. Each subscriber gets a
// buffered channel; when it is full the event is dropped for that subscriber
// only, and the client is expected to re-fetch availability.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	logger observability.Logger
}

type Subscription struct {
	topic string
	ch    chan domain.Event
	hub   *Hub
	once  sync.Once
}

func NewHub(buffer int, logger observability.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers interest in topic. The returned channel is closed when
// the subscription or the hub is closed.
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan domain.Event, h.buffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	observability.FanoutSubscribers.Inc()
	return sub
}

func (h *Hub) Publish(topic string, ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			observability.FanoutDropped.Inc()
			h.logger.WithFields(map[string]interface{}{
				"topic": topic,
				"event": string(ev.EventType()),
			}).Warn("subscriber buffer full, event dropped")
		}
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.subs {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
			observability.FanoutSubscribers.Dec()
		}
		delete(h.subs, topic)
	}
}

func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[s.topic]
	if !ok {
		return
	}
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.subs, s.topic)
	}
	observability.FanoutSubscribers.Dec()
	s.once.Do(func() { close(s.ch) })
}

// Tee publishes every event to each of the publishers in order.
type Tee []Publisher

func (t Tee) Publish(topic string, ev domain.Event) {
	for _, p := range t {
		p.Publish(topic, ev)
	}
}
