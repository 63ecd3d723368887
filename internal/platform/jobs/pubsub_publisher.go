package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	domain "github.com/hanko-field/markdown-authz/internal/domain"
	"github.com/hanko-field/markdown-authz/internal/services"
)

// PubSubOverridePublisher publishes markdown override audit events to a Pub/Sub topic.
type PubSubOverridePublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OverrideEventPublisher = (*PubSubOverridePublisher)(nil)

// NewPubSubOverridePublisher constructs a Pub/Sub backed audit publisher.
func NewPubSubOverridePublisher(topic *pubsub.Topic) (*PubSubOverridePublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub override publisher: topic is required")
	}
	return &PubSubOverridePublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOverrideEvent sends event as JSON with routing attributes and waits for the server ack.
func (p *PubSubOverridePublisher) PublishOverrideEvent(ctx context.Context, event domain.OverrideEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub override publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal override event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "action", event.Action)
	setAttr(attrs, "sessionId", event.SessionID)
	setAttr(attrs, "approverId", event.ApproverID)
	if event.ActorTier.Valid() {
		attrs["actorTier"] = event.ActorTier.String()
	}
	if storeID := event.Metadata["storeId"]; storeID != "" {
		setAttr(attrs, "storeId", storeID)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish override event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
