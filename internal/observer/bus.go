// Package observer fans AutoLoader notifications out to subscribers such as
// websocket clients. Delivery never blocks the publisher: a subscriber whose
// buffer is full misses the message.
package observer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic names a notification stream.
type Topic string

const (
	StatusChanged          Topic = "status-changed"
	ValueChanged           Topic = "value-changed"
	IonReappeared          Topic = "ion-reappeared"
	InterlockStatusChanged Topic = "interlock-status-changed"
)

// AllTopics lists every topic in a stable order.
var AllTopics = []Topic{StatusChanged, ValueChanged, IonReappeared, InterlockStatusChanged}

// Message is one notification.
type Message struct {
	Topic   Topic     `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

type subscriber struct {
	topics map[Topic]struct{}
	ch     chan Message
}

// Bus is a topic-based publish/subscribe hub.
type Bus struct {
	log *zap.Logger

	mu     sync.RWMutex
	subs   map[uuid.UUID]*subscriber
	closed bool
}

// NewBus creates a bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{log: logger.Named("observer"), subs: make(map[uuid.UUID]*subscriber)}
}

// Subscribe returns a channel receiving messages on topics (all topics when
// none are given). The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (uuid.UUID, <-chan Message) {
	if len(topics) == 0 {
		topics = AllTopics
	}
	s := &subscriber{topics: make(map[Topic]struct{}, len(topics)), ch: make(chan Message, buffer)}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	id := uuid.New()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return id, s.ch
	}
	b.subs[id] = s
	return id, s.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Publish delivers payload to every subscriber of topic.
func (b *Bus) Publish(topic Topic, payload any) {
	msg := Message{Topic: topic, Time: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, s := range b.subs {
		if _, ok := s.topics[topic]; !ok {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			b.log.Debug("subscriber too slow, message dropped",
				zap.String("subscriber", id.String()), zap.String("topic", string(topic)))
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later subscriptions get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	b.closed = true
}
