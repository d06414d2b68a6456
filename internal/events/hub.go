package events

import (
	"sync"
	"time"

	"github.com/jddunn/safeos/pkg/logging"
)

// Hub maintains the set of subscribers and routes events to them by stream.
type Hub struct {
	subscribers map[*Subscriber]bool
	broadcast   chan Event
	register    chan *Subscriber
	unregister  chan *Subscriber
	stop        chan struct{}
	logger      logging.Logger
	mutex       sync.RWMutex
}

// Subscriber is one consumer's view of the hub, scoped to a single stream.
// Events arrive on C; a subscriber that cannot keep up loses events, not its
// subscription.
type Subscriber struct {
	hub      *Hub
	streamID string
	ch       chan Event
	once     sync.Once
}

// NewHub creates an event hub. Call Run in a goroutine to start routing.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
		broadcast:   make(chan Event, 256),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		stop:        make(chan struct{}),
		logger:      logger,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mutex.Lock()
			h.subscribers[sub] = true
			count := len(h.subscribers)
			h.mutex.Unlock()
			h.logger.WithFields(logging.Fields{
				"stream_id":        sub.streamID,
				"subscriber_count": count,
			}).Debug("Event subscriber attached")

		case sub := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.subscribers[sub]; ok {
				delete(h.subscribers, sub)
				close(sub.ch)
			}
			h.mutex.Unlock()

		case event := <-h.broadcast:
			h.deliver(event)

		case <-h.stop:
			h.mutex.Lock()
			for sub := range h.subscribers {
				delete(h.subscribers, sub)
				close(sub.ch)
			}
			h.mutex.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and closes every subscriber channel.
func (h *Hub) Stop() {
	close(h.stop)
}

func (h *Hub) deliver(event Event) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for sub := range h.subscribers {
		if event.StreamID != "" && sub.streamID != event.StreamID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.logger.WithFields(logging.Fields{
				"stream_id":  sub.streamID,
				"event_type": event.Type,
			}).Warn("Subscriber channel full, dropping event")
		}
	}
}

// Publish queues an event for delivery. Implements Sink; never blocks.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.WithFields(logging.Fields{
			"event_type": event.Type,
		}).Warn("Broadcast channel full, dropping event")
	}
}

// Subscribe attaches a consumer for one stream's events. Returns nil when
// the hub has stopped.
func (h *Hub) Subscribe(streamID string) *Subscriber {
	sub := &Subscriber{
		hub:      h,
		streamID: streamID,
		ch:       make(chan Event, 64),
	}
	select {
	case h.register <- sub:
		return sub
	case <-h.stop:
		return nil
	}
}

// C returns the subscriber's event channel. It is closed on Close or when
// the hub stops.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.stop:
		}
	})
}

// Stats reports subscriber counts per stream.
func (h *Hub) Stats() map[string]int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	stats := make(map[string]int)
	for sub := range h.subscribers {
		stats[sub.streamID]++
	}
	return stats
}
