// Package events carries lab events from the core to whoever is listening.
package events

import (
	"encoding/json"
	"sync"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
)

const defaultBuffer = 64

// Message is one published event with its payload already encoded.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func NewMessage(topic string, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: topic, Payload: data}, nil
}

var _ core.Publisher = (*Broker)(nil)

// Broker fans events out to in-process subscribers. Slow subscribers lose
// messages instead of blocking publishers.
type Broker struct {
	mu      sync.Mutex
	subs    map[chan Message]struct{}
	dropped uint64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Message]struct{})}
}

// Subscribe registers a subscriber. The returned func unsubscribes and closes the channel.
func (b *Broker) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) Publish(topic string, payload interface{}) {
	msg, err := NewMessage(topic, payload)
	if err != nil {
		return
	}

	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped++
		}
	}
	b.mu.Unlock()
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (b *Broker) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Multi publishes to every publisher in order.
type Multi []core.Publisher

func (m Multi) Publish(topic string, payload interface{}) {
	for _, p := range m {
		if p != nil {
			p.Publish(topic, payload)
		}
	}
}

// Discard drops everything.
var Discard core.Publisher = core.PublisherFunc(func(string, interface{}) {})
