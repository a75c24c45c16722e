package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/handover-engine/internal/model"
)

const (
	// StreamName is the name of the handover stream.
	StreamName = "HANDOVER"

	// SubjectPrefix is the prefix for all handover subjects.
	SubjectPrefix = "handover"
)

// StreamManager publishes conversation events, messages and client alerts to
// JetStream and reads them back.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the handover stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    20 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		Description: "Handover conversation events, messages and client alerts",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// MessageSubject returns the subject for a message.
func MessageSubject(clientID, conversationID string, typ model.MessageType) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, clientID, conversationID, typ)
}

// EventSubject returns the subject for an event.
func EventSubject(clientID, conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, clientID, conversationID, eventType)
}

// AlertSubject returns the subject for a client alert.
func AlertSubject(clientID string, alertType model.AlertType) string {
	return fmt.Sprintf("%s.%s.alert.%s", SubjectPrefix, clientID, alertType)
}

// ConversationFilter returns the filter subject for everything in a conversation.
func ConversationFilter(clientID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, clientID, conversationID)
}

func (m *StreamManager) publish(ctx context.Context, subject string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}
	ack, err := m.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return ack.Sequence, nil
}

// PublishMessage publishes a message to JetStream.
func (m *StreamManager) PublishMessage(ctx context.Context, msg *model.Message) (uint64, error) {
	return m.publish(ctx, MessageSubject(msg.ClientID, msg.ConversationID, msg.Type), msg)
}

// PublishEvent publishes an event to JetStream.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	return m.publish(ctx, EventSubject(event.ClientID, event.ConversationID, event.Type), event)
}

// PublishAlert publishes a client alert to JetStream.
func (m *StreamManager) PublishAlert(ctx context.Context, alert *model.ClientAlert) (uint64, error) {
	return m.publish(ctx, AlertSubject(alert.ClientID, alert.Type), alert)
}

// GetEvents retrieves the events of a conversation starting after a sequence.
func (m *StreamManager) GetEvents(ctx context.Context, clientID, conversationID string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, bool, error) {
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: fmt.Sprintf("%s.%s.%s.event.>", SubjectPrefix, clientID, conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		_ = js.DeleteConsumer(context.Background(), StreamName, consumer.CachedInfo().Name)
	}()

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	var (
		events       []model.ConversationEvent
		lastSequence uint64
	)
	for msg := range batch.Messages() {
		var ev model.ConversationEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			lastSequence = meta.Sequence.Stream
		}
		events = append(events, ev)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return events, lastSequence, len(events) == limit, nil
}
