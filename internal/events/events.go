// Package events delivers state-change events to subscribers.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// Publisher is fire-and-forget from the caller's point of view: a returned error
// is logged, never rolled back into trip state.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev models.Event) error
}

// Stamp fills the envelope fields a publisher relies on.
func Stamp(ev models.Event) models.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic string, ev models.Event) error {
	ev = Stamp(ev)
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hub is an in-process topic broker backing the websocket streams.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan models.Event
	nextID int
	// Dropped counts events a slow subscriber could not take.
	dropped func(topic string)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan models.Event)}
}

// OnDrop registers a callback for events dropped on a full subscriber buffer.
func (h *Hub) OnDrop(fn func(topic string)) { h.dropped = fn }

// Subscribe returns a buffered stream for topic and a function that ends it.
func (h *Hub) Subscribe(topic string, buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan models.Event, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[int]chan models.Event)
	}
	h.subs[topic][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[topic], id)
			if len(h.subs[topic]) == 0 {
				delete(h.subs, topic)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(_ context.Context, topic string, ev models.Event) error {
	ev = Stamp(ev)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[topic] {
		select {
		case ch <- ev:
		default:
			if h.dropped != nil {
				h.dropped(topic)
			}
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
