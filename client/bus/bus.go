// Package bus is an in-process topic dispatch registry.
//
// Handlers for a topic run synchronously, in registration order, on the
// goroutine that publishes. Publish iterates over a snapshot of the handler
// list taken when it starts, so handlers may subscribe or unsubscribe
// (themselves or others) without skipping or repeating anyone in that publish.
// A panicking handler is not recovered: the panic reaches the publisher.
package bus

import (
	"fmt"
	"sync"

	"github.com/adwski/webrtc-dice/backend/model"
)

// Handler receives the published payload together with its sender.
// Locally published messages have an empty sender.
type Handler func(env model.Envelope)

// Subscription identifies a single registration.
type Subscription struct {
	topic model.Topic
	id    uint64
}

func (s Subscription) Topic() model.Topic {
	return s.topic
}

type entry struct {
	id uint64
	h  Handler
}

type Bus struct {
	mx     *sync.RWMutex
	nextID uint64
	// slices are never mutated in place, Unsubscribe/Subscribe replace them
	subs map[model.Topic][]entry
}

func New() *Bus {
	return &Bus{
		mx:   &sync.RWMutex{},
		subs: make(map[model.Topic][]entry),
	}
}

// Subscribe appends h to the topic's handler list. Registering the same
// handler twice makes it run twice.
func (b *Bus) Subscribe(topic model.Topic, h Handler) Subscription {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.nextID++
	cur := b.subs[topic]
	next := make([]entry, len(cur), len(cur)+1)
	copy(next, cur)
	b.subs[topic] = append(next, entry{id: b.nextID, h: h})
	return Subscription{topic: topic, id: b.nextID}
}

// Unsubscribe removes one registration. Removing an unknown or already removed
// subscription is a no-op. A topic left without handlers is dropped.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mx.Lock()
	defer b.mx.Unlock()

	cur, ok := b.subs[s.topic]
	if !ok {
		return
	}
	next := make([]entry, 0, len(cur))
	for _, e := range cur {
		if e.id != s.id {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(b.subs, s.topic)
		return
	}
	b.subs[s.topic] = next
}

// Publish delivers a locally originated message. A nil data is replaced by the
// topic's empty payload. Data bound to another topic is a programming error and panics.
func (b *Bus) Publish(topic model.Topic, data model.Message) {
	if data != nil && data.Topic() != topic {
		panic(fmt.Sprintf("bus: %s payload published on topic %s", data.Topic(), topic))
	}
	b.dispatch(topic, model.Envelope{Data: data})
}

// Dispatch delivers an envelope received from a peer, keeping its sender.
func (b *Bus) Dispatch(env model.Envelope) {
	b.dispatch(env.Topic(), env)
}

func (b *Bus) dispatch(topic model.Topic, env model.Envelope) {
	b.mx.RLock()
	snapshot := b.subs[topic]
	b.mx.RUnlock()

	if len(snapshot) == 0 {
		return
	}
	if env.Data == nil {
		env.Data = model.Empty(topic)
	}
	for _, e := range snapshot {
		e.h(env)
	}
}

// Subscribers reports how many handlers are registered for the topic.
func (b *Bus) Subscribers(topic model.Topic) int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return len(b.subs[topic])
}

// Topics reports how many topics have at least one handler.
func (b *Bus) Topics() int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return len(b.subs)
}
