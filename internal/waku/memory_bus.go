package waku

import (
	"slices"
	"sync"
	"time"
)

const defaultRetainPerTopic = 10000

// TopicMessage is one opaque payload published on a conversation topic.
type TopicMessage struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// MemoryBus is the in-process transport used by the mock backend. Nodes
// sharing a bus see each other's messages; every topic keeps a bounded log
// so FetchSince behaves like a store query.
type MemoryBus struct {
	mu      sync.Mutex
	logs    map[string][]TopicMessage
	subs    map[string]map[uint64]func(TopicMessage)
	nextSub uint64
	retain  int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		logs:   make(map[string][]TopicMessage),
		subs:   make(map[string]map[uint64]func(TopicMessage)),
		retain: defaultRetainPerTopic,
	}
}

func (b *MemoryBus) publish(msg TopicMessage) {
	msg.Payload = append([]byte(nil), msg.Payload...)

	b.mu.Lock()
	log := append(b.logs[msg.Topic], msg)
	if len(log) > b.retain {
		log = append([]TopicMessage(nil), log[len(log)-b.retain:]...)
	}
	b.logs[msg.Topic] = log
	handlers := make([]func(TopicMessage), 0, len(b.subs[msg.Topic]))
	for _, h := range b.subs[msg.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		go h(msg)
	}
}

// fetchSince returns messages on topic with Timestamp >= since, oldest first.
func (b *MemoryBus) fetchSince(topic string, since time.Time, limit int) []TopicMessage {
	b.mu.Lock()
	out := make([]TopicMessage, 0)
	for _, msg := range b.logs[topic] {
		if msg.Timestamp.Before(since) {
			continue
		}
		out = append(out, msg)
	}
	b.mu.Unlock()

	slices.SortStableFunc(out, func(a, c TopicMessage) int {
		return a.Timestamp.Compare(c.Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (b *MemoryBus) subscribe(topic string, handler func(TopicMessage)) func() {
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]func(TopicMessage))
	}
	b.subs[topic][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}
