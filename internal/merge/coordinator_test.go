package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/rooms"
)

func TestMergeCompletesAndConsolidatesBothStores(t *testing.T) {
	db := openTestDatabase(t)
	store := newFakeMessageStore()
	publisher := &recordingPublisher{}
	service := newTestService(t, db, store, publisher)

	seedRoom(t, db, "room-target", "owner-t", rooms.RoomStatusActive)
	seedRoom(t, db, "room-s1", "owner-1", rooms.RoomStatusActive)
	seedRoom(t, db, "room-s2", "owner-2", rooms.RoomStatusActive)
	seedMembership(t, db, "room-target", "owner-t", rooms.RoleOwner)
	seedMembership(t, db, "room-s1", "user-a", rooms.RoleMember)
	seedMembership(t, db, "room-s2", "user-b", rooms.RoleAdmin)

	store.add("m1", "room-s1", "user-a", "first", time.Unix(1749000001, 0).UTC())
	store.add("m2", "room-s1", "user-a", "second", time.Unix(1749000002, 0).UTC())
	store.add("m3", "room-s2", "user-b", "third", time.Unix(1749000003, 0).UTC())

	run, err := service.InitiateMerge(context.Background(), Request{
		TargetRoomID:  "room-target",
		SourceRoomIDs: []string{"room-s1", "room-s2"},
		InitiatedBy:   "admin-1",
	})
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}
	drainEvents(service, publisher)

	stored := loadRun(t, db, run.MergeID)
	if stored.Status != RunStatusCompleted {
		t.Fatalf("expected run status COMPLETED, got %s", stored.Status)
	}
	if stored.CurrentStep != StepCompleted {
		t.Fatalf("expected step COMPLETED, got %s", stored.CurrentStep)
	}

	for _, messageID := range []string{"m1", "m2", "m3"} {
		if room := store.roomOf(t, messageID); room != "room-target" {
			t.Fatalf("expected %s in target room, got %s", messageID, room)
		}
	}

	for _, sourceRoomID := range []string{"room-s1", "room-s2"} {
		if count := countMemberships(t, db, sourceRoomID); count != 0 {
			t.Fatalf("expected no memberships left in %s, got %d", sourceRoomID, count)
		}
		if status := loadRoomStatus(t, db, sourceRoomID); status != rooms.RoomStatusArchived {
			t.Fatalf("expected %s archived, got %s", sourceRoomID, status)
		}
	}
	for _, userID := range []string{"owner-t", "user-a", "user-b"} {
		if _, exists := loadMembership(t, db, "room-target", userID); !exists {
			t.Fatalf("expected %s to be a member of the target", userID)
		}
	}

	expected := []EventType{
		EventMergeInitiated,
		EventRoomsLocked,
		EventMessagesMigrated,
		EventUsersMigrated,
		EventMergeCompleted,
	}
	actual := publisher.eventTypes()
	if len(actual) != len(expected) {
		t.Fatalf("expected event sequence %v, got %v", expected, actual)
	}
	for i := range expected {
		if actual[i] != expected[i] {
			t.Fatalf("expected event sequence %v, got %v", expected, actual)
		}
	}

	completed := publisher.events[len(publisher.events)-1]
	if completed.MigratedMessages != 3 {
		t.Fatalf("expected 3 migrated messages, got %d", completed.MigratedMessages)
	}
	if completed.MigratedMembers != 2 {
		t.Fatalf("expected 2 migrated members, got %d", completed.MigratedMembers)
	}

	if err := service.Validate(context.Background(), run.MergeID); err != nil {
		t.Fatalf("expected validation to pass after completion: %v", err)
	}
}

func TestMergeFailureDuringValidationRollsEverythingBack(t *testing.T) {
	db := openTestDatabase(t)
	store := newFakeMessageStore()
	publisher := &recordingPublisher{}
	service := newTestService(t, db, store, publisher)

	seedRoom(t, db, "room-target", "owner-t", rooms.RoomStatusActive)
	seedRoom(t, db, "room-s1", "owner-1", rooms.RoomStatusActive)
	seedMembership(t, db, "room-target", "owner-t", rooms.RoleOwner)
	seedMembership(t, db, "room-s1", "user-a", rooms.RoleMember)
	store.add("m1", "room-s1", "user-a", "hello", time.Unix(1749000001, 0).UTC())

	// Breaking the count query makes the post-migration checks blow up inside
	// the users step, after messages already moved.
	store.countErr = errors.New("document store unavailable")

	run, err := service.InitiateMerge(context.Background(), Request{
		TargetRoomID:  "room-target",
		SourceRoomIDs: []string{"room-s1"},
		InitiatedBy:   "admin-1",
	})
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}
	drainEvents(service, publisher)

	stored := loadRun(t, db, run.MergeID)
	if stored.Status != RunStatusFailed {
		t.Fatalf("expected run status FAILED, got %s", stored.Status)
	}
	if stored.FailedStep != string(StepUsersMigrated) {
		t.Fatalf("expected failed step USERS_MIGRATED, got %s", stored.FailedStep)
	}
	if stored.FailureReason == "" {
		t.Fatalf("expected failure reason to be recorded")
	}

	if room := store.roomOf(t, "m1"); room != "room-s1" {
		t.Fatalf("expected m1 restored to source room, got %s", room)
	}
	if membership, exists := loadMembership(t, db, "room-s1", "user-a"); !exists || membership.Role != rooms.RoleMember {
		t.Fatalf("expected user-a restored to source room as MEMBER, got %+v exists=%v", membership, exists)
	}
	if _, exists := loadMembership(t, db, "room-target", "user-a"); exists {
		t.Fatalf("expected user-a removed from target after rollback")
	}

	for _, roomID := range []string{"room-target", "room-s1"} {
		if status := loadRoomStatus(t, db, roomID); status != rooms.RoomStatusActive {
			t.Fatalf("expected %s unlocked after compensation, got %s", roomID, status)
		}
	}

	var entries []ledger.MessageEntry
	if err := db.Where("merge_id = ?", run.MergeID).Find(&entries).Error; err != nil {
		t.Fatalf("failed to load message ledger: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != ledger.StatusRolledBack {
		t.Fatalf("expected single rolled-back ledger entry, got %+v", entries)
	}
}

func TestRedeliveredStepEventIsSkipped(t *testing.T) {
	db := openTestDatabase(t)
	store := newFakeMessageStore()
	publisher := &recordingPublisher{}
	service := newTestService(t, db, store, publisher)

	seedRoom(t, db, "room-target", "owner-t", rooms.RoomStatusActive)
	seedRoom(t, db, "room-s1", "owner-1", rooms.RoomStatusActive)
	seedMembership(t, db, "room-s1", "user-a", rooms.RoleMember)
	store.add("m1", "room-s1", "user-a", "hello", time.Unix(1749000001, 0).UTC())

	run, err := service.InitiateMerge(context.Background(), Request{
		TargetRoomID:  "room-target",
		SourceRoomIDs: []string{"room-s1"},
		InitiatedBy:   "admin-1",
	})
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}
	drainEvents(service, publisher)

	published := len(publisher.events)

	// Redeliver every forward event once more, as an at-least-once bus would.
	for _, event := range publisher.events[:published] {
		if err := service.HandleEvent(context.Background(), event); err != nil {
			t.Fatalf("redelivery should be a no-op, got %v", err)
		}
	}

	if len(publisher.events) != published {
		t.Fatalf("expected no new events on redelivery, got %d extra", len(publisher.events)-published)
	}

	stored := loadRun(t, db, run.MergeID)
	if stored.Status != RunStatusCompleted {
		t.Fatalf("expected run to stay COMPLETED, got %s", stored.Status)
	}
	if room := store.roomOf(t, "m1"); room != "room-target" {
		t.Fatalf("expected m1 to stay in target, got %s", room)
	}

	var entryCount int64
	if err := db.Model(&ledger.MessageEntry{}).Where("merge_id = ?", run.MergeID).Count(&entryCount).Error; err != nil {
		t.Fatalf("failed to count ledger entries: %v", err)
	}
	if entryCount != 1 {
		t.Fatalf("expected exactly one ledger entry for m1, got %d", entryCount)
	}
}

func TestInitiateMergeRejectsMalformedRequests(t *testing.T) {
	db := openTestDatabase(t)
	store := newFakeMessageStore()
	publisher := &recordingPublisher{}
	service := newTestService(t, db, store, publisher)

	testCases := []struct {
		name    string
		request Request
		wantErr error
	}{
		{
			name:    "blank target",
			request: Request{TargetRoomID: "  ", SourceRoomIDs: []string{"room-s1"}, InitiatedBy: "admin-1"},
			wantErr: ErrBlankIdentifier,
		},
		{
			name:    "blank initiator",
			request: Request{TargetRoomID: "room-target", SourceRoomIDs: []string{"room-s1"}},
			wantErr: ErrBlankIdentifier,
		},
		{
			name:    "no sources",
			request: Request{TargetRoomID: "room-target", InitiatedBy: "admin-1"},
			wantErr: ErrNoSourceRooms,
		},
		{
			name:    "duplicate source",
			request: Request{TargetRoomID: "room-target", SourceRoomIDs: []string{"room-s1", "room-s1"}, InitiatedBy: "admin-1"},
			wantErr: ErrDuplicateSourceRoom,
		},
		{
			name:    "target listed as source",
			request: Request{TargetRoomID: "room-target", SourceRoomIDs: []string{"room-target"}, InitiatedBy: "admin-1"},
			wantErr: ErrTargetIsSource,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.InitiateMerge(context.Background(), testCase.request)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}

	if len(publisher.events) != 0 {
		t.Fatalf("expected no events for rejected requests, got %d", len(publisher.events))
	}
	var runCount int64
	if err := db.Model(&Run{}).Count(&runCount).Error; err != nil {
		t.Fatalf("failed to count runs: %v", err)
	}
	if runCount != 0 {
		t.Fatalf("expected no runs persisted for rejected requests, got %d", runCount)
	}
}

func TestInitiatePublishFailureStampsRunFailed(t *testing.T) {
	db := openTestDatabase(t)
	store := newFakeMessageStore()
	publisher := &recordingPublisher{
		failTypes: map[EventType]error{EventMergeInitiated: errors.New("bus down")},
	}
	service := newTestService(t, db, store, publisher)

	_, err := service.InitiateMerge(context.Background(), Request{
		TargetRoomID:  "room-target",
		SourceRoomIDs: []string{"room-s1"},
		InitiatedBy:   "admin-1",
	})
	if err == nil {
		t.Fatalf("expected initiate to fail when the channel is down")
	}

	var runs []Run
	if err := db.Find(&runs).Error; err != nil {
		t.Fatalf("failed to load runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected exactly one run, got %d", len(runs))
	}
	if runs[0].Status != RunStatusFailed {
		t.Fatalf("expected run stamped FAILED, got %s", runs[0].Status)
	}
	if runs[0].FailedStep != string(StepInitiated) {
		t.Fatalf("expected failed step INITIATED, got %s", runs[0].FailedStep)
	}
}

func TestFailureEventForCompletedMergeIsIgnored(t *testing.T) {
	db := openTestDatabase(t)
	store := newFakeMessageStore()
	publisher := &recordingPublisher{}
	service := newTestService(t, db, store, publisher)

	seedRoom(t, db, "room-target", "owner-t", rooms.RoomStatusActive)
	seedRoom(t, db, "room-s1", "owner-1", rooms.RoomStatusActive)
	seedMembership(t, db, "room-s1", "user-a", rooms.RoleMember)
	store.add("m1", "room-s1", "user-a", "hello", time.Unix(1749000001, 0).UTC())

	run, err := service.InitiateMerge(context.Background(), Request{
		TargetRoomID:  "room-target",
		SourceRoomIDs: []string{"room-s1"},
		InitiatedBy:   "admin-1",
	})
	if err != nil {
		t.Fatalf("unexpected initiate error: %v", err)
	}
	drainEvents(service, publisher)

	late := Event{
		Type:          EventMergeFailed,
		MergeID:       run.MergeID,
		TargetRoomID:  "room-target",
		SourceRoomIDs: []string{"room-s1"},
		FailedStep:    string(StepUsersMigrated),
		FailureReason: "stale failure",
	}
	if err := service.HandleEvent(context.Background(), late); err != nil {
		t.Fatalf("unexpected error handling stale failure: %v", err)
	}

	stored := loadRun(t, db, run.MergeID)
	if stored.Status != RunStatusCompleted {
		t.Fatalf("expected completed run untouched by stale failure, got %s", stored.Status)
	}
	if room := store.roomOf(t, "m1"); room != "room-target" {
		t.Fatalf("expected m1 untouched by stale failure, got %s", room)
	}
}

func TestCompensationPlanSelectsSuffixForFailedStep(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, newFakeMessageStore(), &recordingPublisher{})

	testCases := []struct {
		step Step
		want []string
	}{
		{StepCompleted, []string{"rollback_memberships", "rollback_messages", "unlock_rooms"}},
		{StepUsersMigrated, []string{"rollback_memberships", "rollback_messages", "unlock_rooms"}},
		{StepMessagesMigrated, []string{"rollback_messages", "unlock_rooms"}},
		{StepRoomsLocked, []string{"unlock_rooms"}},
		{StepInitiated, []string{"unlock_rooms"}},
		{Step("GARBAGE"), nil},
	}

	for _, testCase := range testCases {
		plan := service.compensationPlan(testCase.step)
		if len(plan) != len(testCase.want) {
			t.Fatalf("step %s: expected %v, got %d actions", testCase.step, testCase.want, len(plan))
		}
		for i, action := range plan {
			if action.name != testCase.want[i] {
				t.Fatalf("step %s: expected action %s at %d, got %s", testCase.step, testCase.want[i], i, action.name)
			}
		}
	}
}
