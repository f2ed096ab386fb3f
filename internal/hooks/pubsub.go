package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes every hook envelope to a Pub/Sub topic for durable,
// cross-service consumption. Message attributes mirror the envelope so
// consumers can filter server-side.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubSink connects to the topic, creating it if absent.
func NewPubSubSink(projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created Pub/Sub topic", "topic_id", topicID)
	}
	topic.EnableMessageOrdering = true

	return &PubSubSink{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[HookPubSub] ", log.LstdFlags),
	}, nil
}

func (ps *PubSubSink) Emit(event Event, data map[string]interface{}) {
	envelope := NewEnvelope(event, data)
	payload, err := json.Marshal(envelope)
	if err != nil {
		ps.logger.Printf("failed to marshal hook envelope: %v", err)
		return
	}

	// Order by proposal so settlements for one deal arrive in sequence.
	orderingKey := ""
	if pid, ok := data["proposal_id"].(string); ok {
		orderingKey = pid
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event":    string(event),
			"event_id": envelope.ID,
			"time":     envelope.Timestamp.Format(time.RFC3339Nano),
		},
		OrderingKey: orderingKey,
	}

	result := ps.topic.Publish(context.Background(), msg)

	// Check the result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			ps.logger.Printf("pubsub publish failed for %s: %v", envelope.ID, err)
		}
	}()
}

func (ps *PubSubSink) Shutdown() {
	ps.topic.Stop()
	if err := ps.client.Close(); err != nil {
		ps.logger.Printf("pubsub client close error: %v", err)
	}
}
