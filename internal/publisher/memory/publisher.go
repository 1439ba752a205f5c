// Package memory records published events in process.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message captures one publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher stores published payloads for inspection. Setting Err makes
// every Publish fail.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	Err      error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	msg := Message{
		ID:      fmt.Sprintf("memory-%d", len(p.messages)+1),
		Topic:   topic,
		Payload: payload,
	}
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns the recorded publishes, optionally filtered by topic.
func (p *Publisher) Messages(topic ...string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(topic) == 0 {
		return append([]Message(nil), p.messages...)
	}
	var out []Message
	for _, m := range p.messages {
		for _, want := range topic {
			if m.Topic == want {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
