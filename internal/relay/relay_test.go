package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/parleylabs/parley/internal/messages"
	"go.mongodb.org/mongo-driver/mongo"
)

type fakeSource struct {
	relayed   []string
	markErr   error
	markMatch bool
}

func (s *fakeSource) Watch(context.Context) (*mongo.ChangeStream, error) {
	return nil, errors.New("not used in this test")
}

func (s *fakeSource) MarkRelayed(_ context.Context, messageID string) (bool, error) {
	if s.markErr != nil {
		return false, s.markErr
	}
	s.relayed = append(s.relayed, messageID)
	return s.markMatch, nil
}

type recordingChatPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingChatPublisher) PublishChat(_ context.Context, roomID string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, roomID)
	p.payloads = append(p.payloads, payload)
	return nil
}

func newTestRelay(t *testing.T, source *fakeSource, publisher *recordingChatPublisher) *Relay {
	t.Helper()
	messageRelay, err := New(Config{Source: source, Publisher: publisher})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	return messageRelay
}

func TestHandlePublishesPendingMessageAndMarksIt(t *testing.T) {
	source := &fakeSource{markMatch: true}
	publisher := &recordingChatPublisher{}
	messageRelay := newTestRelay(t, source, publisher)

	messageRelay.handle(context.Background(), messages.Message{
		ID:          "m1",
		RoomID:      "room-1",
		Sender:      "user-1",
		Body:        "hello",
		RelayStatus: messages.RelayStatusPending,
		SentAt:      time.Unix(1750000000, 0).UTC(),
	})

	if len(publisher.subjects) != 1 || publisher.subjects[0] != "room-1" {
		t.Fatalf("expected one publish keyed by room, got %v", publisher.subjects)
	}
	var payload struct {
		ID     string `json:"id"`
		RoomID string `json:"room_id"`
		Body   string `json:"body"`
	}
	if err := json.Unmarshal(publisher.payloads[0], &payload); err != nil {
		t.Fatalf("failed to decode relayed payload: %v", err)
	}
	if payload.ID != "m1" || payload.RoomID != "room-1" || payload.Body != "hello" {
		t.Fatalf("unexpected relayed payload: %+v", payload)
	}
	if len(source.relayed) != 1 || source.relayed[0] != "m1" {
		t.Fatalf("expected m1 marked relayed, got %v", source.relayed)
	}
}

func TestHandleSkipsAlreadyRelayedMessages(t *testing.T) {
	source := &fakeSource{markMatch: true}
	publisher := &recordingChatPublisher{}
	messageRelay := newTestRelay(t, source, publisher)

	messageRelay.handle(context.Background(), messages.Message{
		ID:          "m1",
		RoomID:      "room-1",
		RelayStatus: messages.RelayStatusRelayed,
	})

	if len(publisher.subjects) != 0 {
		t.Fatalf("expected no publish for relayed message, got %v", publisher.subjects)
	}
	if len(source.relayed) != 0 {
		t.Fatalf("expected no mark for relayed message, got %v", source.relayed)
	}
}

func TestHandleDoesNotMarkWhenPublishFails(t *testing.T) {
	source := &fakeSource{markMatch: true}
	publisher := &recordingChatPublisher{err: errors.New("bus down")}
	messageRelay := newTestRelay(t, source, publisher)

	messageRelay.handle(context.Background(), messages.Message{
		ID:          "m1",
		RoomID:      "room-1",
		RelayStatus: messages.RelayStatusPending,
	})

	if len(source.relayed) != 0 {
		t.Fatalf("expected no mark when publish failed, got %v", source.relayed)
	}
}
