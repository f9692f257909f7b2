package merge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/messages"
	"github.com/parleylabs/parley/internal/rooms"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "merge.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&rooms.Room{},
		&rooms.Membership{},
		&Run{},
		&ledger.MessageEntry{},
		&ledger.MembershipEntry{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type sequentialIDProvider struct {
	counter int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.counter++
	return fmt.Sprintf("merge-%d", p.counter), nil
}

// recordingPublisher captures every published event so tests can replay them
// through the coordinator the way the bus would.
type recordingPublisher struct {
	events    []Event
	failTypes map[EventType]error
}

func (p *recordingPublisher) Publish(_ context.Context, event Event) error {
	if err, forced := p.failTypes[event.Type]; forced {
		return err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) eventTypes() []EventType {
	types := make([]EventType, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.Type)
	}
	return types
}

// fakeMessageStore is an in-memory stand-in for the document store with the
// same conditional-update semantics.
type fakeMessageStore struct {
	byID        map[string]*messages.Message
	countErr    error
	reassignErr error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{byID: make(map[string]*messages.Message)}
}

func (s *fakeMessageStore) add(id, roomID, sender, body string, sentAt time.Time) {
	s.byID[id] = &messages.Message{
		ID:          id,
		RoomID:      roomID,
		Sender:      sender,
		Body:        body,
		RelayStatus: messages.RelayStatusPending,
		SentAt:      sentAt,
	}
}

func (s *fakeMessageStore) ListByRoom(_ context.Context, roomID string) ([]messages.Message, error) {
	var result []messages.Message
	for _, message := range s.byID {
		if message.RoomID == roomID {
			result = append(result, *message)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SentAt.Before(result[j].SentAt) })
	return result, nil
}

func (s *fakeMessageStore) CountByRoom(_ context.Context, roomID string) (int64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	var count int64
	for _, message := range s.byID {
		if message.RoomID == roomID {
			count++
		}
	}
	return count, nil
}

func (s *fakeMessageStore) ReassignRoom(_ context.Context, messageID, fromRoomID, toRoomID string) (bool, error) {
	if s.reassignErr != nil {
		return false, s.reassignErr
	}
	message, exists := s.byID[messageID]
	if !exists || message.RoomID != fromRoomID {
		return false, nil
	}
	message.RoomID = toRoomID
	return true, nil
}

func (s *fakeMessageStore) roomOf(t *testing.T, messageID string) string {
	t.Helper()
	message, exists := s.byID[messageID]
	if !exists {
		t.Fatalf("message %s missing from store", messageID)
	}
	return message.RoomID
}

func newTestService(t *testing.T, db *gorm.DB, store *fakeMessageStore, publisher *recordingPublisher) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Messages:   store,
		Publisher:  publisher,
		Clock:      func() time.Time { return time.Unix(1750000000, 0).UTC() },
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		t.Fatalf("failed to construct merge service: %v", err)
	}
	return service
}

// drainEvents feeds every recorded event back into the coordinator in
// publication order, including events published while draining, until the
// saga goes quiet. Handler errors are expected for failing steps; the FAILED
// event they publish keeps the cascade going.
func drainEvents(service *Service, publisher *recordingPublisher) {
	for processed := 0; processed < len(publisher.events); processed++ {
		event := publisher.events[processed]
		_ = service.HandleEvent(context.Background(), event)
	}
}

func seedRoom(t *testing.T, db *gorm.DB, roomID, ownerID string, status rooms.RoomStatus) {
	t.Helper()
	room := rooms.Room{RoomID: roomID, Name: "room " + roomID, OwnerID: ownerID, Status: status}
	if err := db.Create(&room).Error; err != nil {
		t.Fatalf("failed to seed room %s: %v", roomID, err)
	}
}

func seedMembership(t *testing.T, db *gorm.DB, roomID, userID string, role rooms.Role) {
	t.Helper()
	membership := rooms.Membership{
		RoomID:   roomID,
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Unix(1749990000, 0).UTC(),
	}
	if err := db.Create(&membership).Error; err != nil {
		t.Fatalf("failed to seed membership %s/%s: %v", roomID, userID, err)
	}
}

func loadRun(t *testing.T, db *gorm.DB, mergeID string) Run {
	t.Helper()
	var run Run
	if err := db.Where("merge_id = ?", mergeID).Take(&run).Error; err != nil {
		t.Fatalf("failed to load run %s: %v", mergeID, err)
	}
	return run
}

func loadRoomStatus(t *testing.T, db *gorm.DB, roomID string) rooms.RoomStatus {
	t.Helper()
	var room rooms.Room
	if err := db.Where("room_id = ?", roomID).Take(&room).Error; err != nil {
		t.Fatalf("failed to load room %s: %v", roomID, err)
	}
	return room.Status
}

func loadMembership(t *testing.T, db *gorm.DB, roomID, userID string) (rooms.Membership, bool) {
	t.Helper()
	var membership rooms.Membership
	err := db.Where("room_id = ? AND user_id = ?", roomID, userID).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rooms.Membership{}, false
	}
	if err != nil {
		t.Fatalf("failed to load membership %s/%s: %v", roomID, userID, err)
	}
	return membership, true
}

func countMemberships(t *testing.T, db *gorm.DB, roomID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&rooms.Membership{}).Where("room_id = ?", roomID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count memberships for %s: %v", roomID, err)
	}
	return count
}
