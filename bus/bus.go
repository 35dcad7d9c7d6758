// Package bus defines the message bus the driver publishes on, and Local, an in-process
// implementation with latched topics and subscription notifications.
package bus

import (
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/multisense/ros"
)

// Bus is what the driver needs from a message bus.
type Bus interface {
	Publish(topic string, msg ros.Message)
	SubscriberCount(topic string) int
}

// Notifier is implemented by buses that can report subscription changes as they happen.
type Notifier interface {
	// Watch calls fn with the topic and its new subscriber count on every subscribe and
	// unsubscribe. The returned function stops the notifications.
	Watch(fn func(topic string, count int)) (cancel func())
}

// Latcher is implemented by buses that can keep the last message of a topic for late
// subscribers.
type Latcher interface {
	Latch(topic string, msg ros.Message)
}

// Handler receives messages of one topic.
type Handler func(topic string, msg ros.Message)

// ErrSubscriberNotFound is returned when unsubscribing an unknown id.
var ErrSubscriberNotFound = errors.New("subscriber id not found")

type subscriber struct {
	topic   string
	handler Handler
}

// Local delivers messages synchronously on the publishing goroutine. Handlers must not block.
type Local struct {
	mu          sync.RWMutex
	subscribers map[string]subscriber
	counts      map[string]int
	latched     map[string]ros.Message
	watchers    map[int]func(string, int)
	nextWatcher int
}

// NewLocal returns an empty bus.
func NewLocal() *Local {
	return &Local{
		subscribers: map[string]subscriber{},
		counts:      map[string]int{},
		latched:     map[string]ros.Message{},
		watchers:    map[int]func(string, int){},
	}
}

// Subscribe registers h for topic and returns the subscription id. The last latched message of
// the topic, if any, is delivered before Subscribe returns.
func (b *Local) Subscribe(topic string, h Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subscribers[id] = subscriber{topic, h}
	b.counts[topic]++
	count := b.counts[topic]
	latched, hasLatched := b.latched[topic]
	watchers := lo.Values(b.watchers)
	b.mu.Unlock()

	if hasLatched {
		h(topic, latched)
	}
	for _, fn := range watchers {
		fn(topic, count)
	}
	return id
}

// Unsubscribe removes a subscription.
func (b *Local) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if !ok {
		b.mu.Unlock()
		return errors.Wrap(ErrSubscriberNotFound, id)
	}
	delete(b.subscribers, id)
	b.counts[sub.topic]--
	count := b.counts[sub.topic]
	if count == 0 {
		delete(b.counts, sub.topic)
	}
	watchers := lo.Values(b.watchers)
	b.mu.Unlock()

	for _, fn := range watchers {
		fn(sub.topic, count)
	}
	return nil
}

// Publish implements Bus.
func (b *Local) Publish(topic string, msg ros.Message) {
	b.mu.RLock()
	var handlers []Handler
	for _, sub := range b.subscribers {
		if sub.topic == topic {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(topic, msg)
	}
}

// Latch publishes msg and keeps it for subscribers that arrive later.
func (b *Local) Latch(topic string, msg ros.Message) {
	b.mu.Lock()
	b.latched[topic] = msg
	b.mu.Unlock()
	b.Publish(topic, msg)
}

// SubscriberCount implements Bus.
func (b *Local) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counts[topic]
}

// Topics returns the topics with at least one subscriber, sorted.
func (b *Local) Topics() []string {
	b.mu.RLock()
	topics := lo.Keys(b.counts)
	b.mu.RUnlock()
	slices.Sort(topics)
	return topics
}

// Watch implements Notifier.
func (b *Local) Watch(fn func(topic string, count int)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextWatcher
	b.nextWatcher++
	b.watchers[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}
}
