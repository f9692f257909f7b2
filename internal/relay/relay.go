// Package relay is the change-capture bridge between the message store and
// the bus: newly written messages are republished under their room's subject
// and then marked relayed with a conditional update. Fan-out to connected
// clients happens downstream of the bus, not here.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/parleylabs/parley/internal/messages"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

var (
	errMissingStore     = errors.New("message store is required")
	errMissingPublisher = errors.New("chat publisher is required")
)

// ChatPublisher republishes a chat message payload keyed by room.
type ChatPublisher interface {
	PublishChat(ctx context.Context, roomID string, payload []byte) error
}

// MessageSource is the slice of the message store the relay needs.
type MessageSource interface {
	Watch(ctx context.Context) (*mongo.ChangeStream, error)
	MarkRelayed(ctx context.Context, messageID string) (bool, error)
}

// Config wires the relay dependencies.
type Config struct {
	Source    MessageSource
	Publisher ChatPublisher
	Logger    *zap.Logger
}

// Relay tails the message collection's change stream.
type Relay struct {
	source    MessageSource
	publisher ChatPublisher
	logger    *zap.Logger
}

// New validates the configuration and constructs a Relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Source == nil {
		return nil, errMissingStore
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{source: cfg.Source, publisher: cfg.Publisher, logger: logger}, nil
}

type relayedMessage struct {
	ID     string    `json:"id"`
	RoomID string    `json:"room_id"`
	Sender string    `json:"sender"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

// Run consumes the change stream until the context is cancelled. Individual
// publish failures are logged and skipped; the stream itself erroring ends
// the run.
func (r *Relay) Run(ctx context.Context) error {
	stream, err := r.source.Watch(ctx)
	if err != nil {
		return err
	}
	defer stream.Close(context.Background())

	r.logger.Info("message relay started")

	for stream.Next(ctx) {
		var change struct {
			FullDocument messages.Message `bson:"fullDocument"`
		}
		if err := stream.Decode(&change); err != nil {
			r.logger.Error("undecodable change event", zap.Error(err))
			continue
		}
		r.handle(ctx, change.FullDocument)
	}

	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Relay) handle(ctx context.Context, message messages.Message) {
	if message.RelayStatus != messages.RelayStatusPending {
		return
	}

	payload, err := json.Marshal(relayedMessage{
		ID:     message.ID,
		RoomID: message.RoomID,
		Sender: message.Sender,
		Body:   message.Body,
		SentAt: message.SentAt,
	})
	if err != nil {
		r.logger.Error("message relay encode failed",
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := r.publisher.PublishChat(ctx, message.RoomID, payload); err != nil {
		r.logger.Error("message relay publish failed",
			zap.String("message_id", message.ID),
			zap.String("room_id", message.RoomID),
			zap.Error(err))
		return
	}

	marked, err := r.source.MarkRelayed(ctx, message.ID)
	if err != nil {
		r.logger.Error("message relay mark failed",
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}
	if !marked {
		// Another relay instance won the conditional update.
		r.logger.Debug("message already relayed", zap.String("message_id", message.ID))
	}
}
