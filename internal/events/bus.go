package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Publisher is the publishing half of EventBus.
type Publisher interface {
	Publish(topic string, event Event)
}

// TopicOf derives the topic from an event type ("queue.retry" -> "queue").
func TopicOf(e Event) string {
	typ := e.EventType()
	if i := strings.IndexByte(typ, '.'); i > 0 {
		return typ[:i]
	}
	return typ
}

// Emit publishes e on the topic derived from its type.
func Emit(p Publisher, e Event) {
	if p == nil {
		return
	}
	p.Publish(TopicOf(e), e)
}

// DefaultBuffer is the subscriber channel size used when none is given.
const DefaultBuffer = 256

// allTopics keys subscribers that receive every topic.
const allTopics = ""

// EventBus fans events out to buffered subscriber channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the drop is
// counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> channels; allTopics for SubscribeAll
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events published on topic.
// bufSize <= 0 uses DefaultBuffer.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(allTopics, bufSize)
}

func (b *EventBus) subscribe(key string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[key] = append(b.subs[key], ch)
	return ch
}

// Publish delivers event to the subscribers of topic and to every
// SubscribeAll channel. After Close it is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.deliver(b.subs[topic], event)
	if topic != allTopics {
		b.deliver(b.subs[allTopics], event)
	}
}

func (b *EventBus) deliver(chans []chan Event, event Event) {
	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
}
