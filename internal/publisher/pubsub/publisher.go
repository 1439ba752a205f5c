// Package pubsub publishes pipeline events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// Config names the project and the default topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Publisher sends JSON payloads to Pub/Sub topics.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// Dial connects to Pub/Sub and checks the default topic exists.
func Dial(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Publisher, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" || strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("pubsub project_id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := &Publisher{
		client:       client,
		defaultTopic: cfg.Topic,
		topics:       make(map[string]*pubsub.Topic),
	}
	ok, err := p.topic(cfg.Topic).Exists(ctx)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("check topic %s: %w", cfg.Topic, err)
	}
	if !ok {
		_ = p.Close()
		return nil, fmt.Errorf("pubsub topic %s does not exist in project %s", cfg.Topic, cfg.ProjectID)
	}
	return p, nil
}

// Publish marshals payload to JSON and waits for the server to accept it. An
// empty topic selects the default topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	result := p.topic(topic).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes pending publishes and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
