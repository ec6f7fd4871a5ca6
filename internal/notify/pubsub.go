package notify

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
)

// PubSub publishes completion events to a Google Cloud Pub/Sub topic. It
// authenticates with Application Default Credentials.
type PubSub struct {
	client    *pubsub.Client
	topicName string
}

// NewPubSub creates a Pub/Sub-backed publisher.
func NewPubSub(ctx context.Context, cfg Config) (*PubSub, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub notifier requires project_id and topic")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSub{
		client:    client,
		topicName: fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.Topic),
	}, nil
}

// Publish sends the event as JSON and waits for server acknowledgement.
func (p *PubSub) Publish(ctx context.Context, ev Event) error {
	data, err := encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	publisher := p.client.Publisher(p.topicName)
	result := publisher.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (p *PubSub) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
