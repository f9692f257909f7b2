package messages

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const collectionName = "chat_messages"

var errMissingDatabase = errors.New("mongo database handle is required")

// Store provides the message-store contract over a Mongo collection: room
// scoped queries plus the conditional room reassignment the merge saga relies
// on for idempotence.
type Store struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewStore binds the store to the chat message collection.
func NewStore(database *mongo.Database, logger *zap.Logger) (*Store, error) {
	if database == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		collection: database.Collection(collectionName),
		logger:     logger,
	}, nil
}

// EnsureIndexes creates the room and relay-status indexes the query paths use.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "sent_at", Value: 1}}},
		{Keys: bson.D{{Key: "relay_status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("messages: ensure indexes: %w", err)
	}
	return nil
}

// Insert persists a newly sent message with relay status PENDING.
func (s *Store) Insert(ctx context.Context, message Message) error {
	message.RelayStatus = RelayStatusPending
	if _, err := s.collection.InsertOne(ctx, message); err != nil {
		return fmt.Errorf("messages: insert %s: %w", message.ID, err)
	}
	return nil
}

// ListByRoom returns all messages currently owned by the room, ordered by
// send time.
func (s *Store) ListByRoom(ctx context.Context, roomID string) ([]Message, error) {
	cursor, err := s.collection.Find(ctx,
		bson.M{"room_id": roomID},
		options.Find().SetSort(bson.D{{Key: "sent_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("messages: list room %s: %w", roomID, err)
	}
	defer cursor.Close(ctx)

	var result []Message
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("messages: decode room %s: %w", roomID, err)
	}
	return result, nil
}

// CountByRoom returns the number of messages currently owned by the room.
func (s *Store) CountByRoom(ctx context.Context, roomID string) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"room_id": roomID})
	if err != nil {
		return 0, fmt.Errorf("messages: count room %s: %w", roomID, err)
	}
	return count, nil
}

// ReassignRoom moves a message between rooms only if it is still owned by the
// expected room. Returns false without error when the condition did not
// match, which makes redelivered migrations a harmless no-op.
func (s *Store) ReassignRoom(ctx context.Context, messageID, fromRoomID, toRoomID string) (bool, error) {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": messageID, "room_id": fromRoomID},
		bson.M{"$set": bson.M{"room_id": toRoomID}})
	if err != nil {
		return false, fmt.Errorf("messages: reassign %s: %w", messageID, err)
	}
	return result.ModifiedCount > 0, nil
}

// MarkRelayed flips a message's relay status PENDING -> RELAYED. The
// conditional filter keeps a racing relay from double-marking.
func (s *Store) MarkRelayed(ctx context.Context, messageID string) (bool, error) {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": messageID, "relay_status": RelayStatusPending},
		bson.M{"$set": bson.M{"relay_status": RelayStatusRelayed}})
	if err != nil {
		return false, fmt.Errorf("messages: mark relayed %s: %w", messageID, err)
	}
	return result.ModifiedCount > 0, nil
}

// Watch opens a change stream over message inserts for the relay.
func (s *Store) Watch(ctx context.Context) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": "insert"}}},
	}
	stream, err := s.collection.Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("messages: watch: %w", err)
	}
	return stream, nil
}
