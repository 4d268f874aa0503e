package core

import (
	"sync"

	"github.com/akshad-exe/AirSense/internal/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 64

// Broadcaster fans events out to live subscribers.
type Broadcaster interface {
	Broadcast(event Event)
}

// Subscription is one subscriber's handle on the hub. Events arrive on
// Events() in publication order; the channel is closed when the subscription
// ends, either by Unsubscribe or because the subscriber fell behind.
type Subscription struct {
	id uint64
	ch chan Event
}

func (s *Subscription) ID() uint64 { return s.id }

func (s *Subscription) Events() <-chan Event { return s.ch }

// --- Broadcast Hub ---

type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	bufferSize int
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

func NewHub(bufferSize int, logger *logrus.Logger, m *metrics.Metrics) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
		logger:     logger,
		metrics:    m,
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed hub returns
// an already closed subscription.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{id: h.nextID, ch: make(chan Event, h.bufferSize)}
	if h.closed {
		close(sub.ch)
		return sub
	}

	h.subs[sub.id] = sub
	h.metrics.SetSubscribers(len(h.subs))
	h.logger.WithFields(logrus.Fields{
		"subscriber_id": sub.id,
		"subscribers":   len(h.subs),
	}).Debug("Subscriber connected")
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.remove(sub.id) {
		h.metrics.SetSubscribers(len(h.subs))
		h.logger.WithField("subscriber_id", sub.id).Debug("Subscriber disconnected")
	}
}

// Broadcast delivers event to every subscriber without blocking. A subscriber
// whose queue is full is dropped. The lock is held for the whole fan-out so
// concurrent broadcasts reach each subscriber in one order.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for id, sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			h.remove(id)
			dropped++
			h.logger.WithField("subscriber_id", id).Warn("Dropping slow subscriber")
		}
	}
	h.metrics.ObserveBroadcast(string(event.Type), len(h.subs), dropped)
}

// ConnectedCount returns the number of open subscriptions.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later broadcasts are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id := range h.subs {
		h.remove(id)
	}
	h.closed = true
	h.metrics.SetSubscribers(0)
}

// remove must be called with h.mu held.
func (h *Hub) remove(id uint64) bool {
	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	close(sub.ch)
	return true
}
