// Package eventbus binds the merge lifecycle channel and the chat relay
// stream to NATS JetStream. Merge events are published under
// merge.events.<mergeID>, so all events of one merge share an ordering key
// while different merges proceed independently. Delivery is at-least-once;
// the coordinator's handlers tolerate redelivery.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/parleylabs/parley/internal/merge"
	"go.uber.org/zap"
)

const (
	mergeStreamName    = "MERGE_EVENTS"
	mergeSubjectPrefix = "merge.events."
	mergeConsumerName  = "merge-coordinator"

	chatStreamName    = "CHAT_MESSAGES"
	chatSubjectPrefix = "chat.messages."
)

var errMissingLogger = errors.New("logger is required")

// EventHandler processes one delivered merge lifecycle event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event merge.Event) error
}

// Bus owns the NATS connection and the JetStream streams.
type Bus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// Connect dials NATS and ensures both streams exist.
func Connect(ctx context.Context, url, clientName string, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		return nil, errMissingLogger
	}

	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect %s: %w", url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("eventbus: jetstream context: %w", err)
	}

	streams := []jetstream.StreamConfig{
		{
			Name:      mergeStreamName,
			Subjects:  []string{mergeSubjectPrefix + ">"},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
		},
		{
			Name:      chatStreamName,
			Subjects:  []string{chatSubjectPrefix + ">"},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("eventbus: ensure stream %s: %w", cfg.Name, err)
		}
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return &Bus{conn: conn, js: js, logger: logger}, nil
}

// Close drains the underlying connection.
func (b *Bus) Close() {
	b.conn.Close()
}

// MergePublisher returns a publisher for merge lifecycle events.
func (b *Bus) MergePublisher() *MergePublisher {
	return &MergePublisher{js: b.js, logger: b.logger}
}

// MergePublisher puts lifecycle events on the merge stream keyed by merge id.
type MergePublisher struct {
	js     jetstream.JetStream
	logger *zap.Logger
}

// Publish implements merge.EventPublisher.
func (p *MergePublisher) Publish(ctx context.Context, event merge.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s event for %s: %w", event.Type, event.MergeID, err)
	}

	subject := mergeSubjectPrefix + event.MergeID
	ack, err := p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("eventbus: publish %s event for %s: %w", event.Type, event.MergeID, err)
	}

	p.logger.Info("merge event published",
		zap.String("event_type", string(event.Type)),
		zap.String("merge_id", event.MergeID),
		zap.Uint64("sequence", ack.Sequence))
	return nil
}

// PublishChat republishes a chat message under its room's subject.
func (b *Bus) PublishChat(ctx context.Context, roomID string, payload []byte) error {
	if _, err := b.js.Publish(ctx, chatSubjectPrefix+roomID, payload); err != nil {
		return fmt.Errorf("eventbus: publish chat message for room %s: %w", roomID, err)
	}
	return nil
}

// StartMergeConsumer binds a durable consumer over the merge stream and
// dispatches each event to the handler. Every message is acked exactly once
// whether or not the handler succeeded: a failed step publishes its own
// FAILED event instead of being re-attempted in place.
func (b *Bus) StartMergeConsumer(ctx context.Context, handler EventHandler) (func(), error) {
	stream, err := b.js.Stream(ctx, mergeStreamName)
	if err != nil {
		return nil, fmt.Errorf("eventbus: stream %s: %w", mergeStreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       mergeConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: mergeSubjectPrefix + ">",
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: ensure consumer %s: %w", mergeConsumerName, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		var event merge.Event
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			b.logger.Error("undecodable merge event",
				zap.String("subject", msg.Subject()),
				zap.Error(err))
			if err := msg.Ack(); err != nil {
				b.logger.Warn("ack failed", zap.Error(err))
			}
			return
		}

		if err := handler.HandleEvent(context.Background(), event); err != nil {
			b.logger.Error("merge event handler failed",
				zap.String("event_type", string(event.Type)),
				zap.String("merge_id", event.MergeID),
				zap.Error(err))
		}
		if err := msg.Ack(); err != nil {
			b.logger.Warn("ack failed",
				zap.String("merge_id", event.MergeID),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: consume: %w", err)
	}

	b.logger.Info("merge consumer started", zap.String("consumer", mergeConsumerName))
	return consumeCtx.Stop, nil
}
