package merge

import "context"

// EventType tags a merge lifecycle event on the bus.
type EventType string

const (
	EventMergeInitiated   EventType = "MERGE_INITIATED"
	EventRoomsLocked      EventType = "ROOMS_LOCKED"
	EventMessagesMigrated EventType = "MESSAGES_MIGRATED"
	EventUsersMigrated    EventType = "USERS_MIGRATED"
	EventMergeCompleted   EventType = "MERGE_COMPLETED"
	EventMergeFailed      EventType = "MERGE_FAILED"
)

// Event is the payload carried between coordinator invocations. All events of
// one merge id are published under the same ordering key; delivery is
// at-least-once, so every handler tolerates redelivery.
type Event struct {
	Type          EventType `json:"event_type"`
	MergeID       string    `json:"merge_id"`
	TargetRoomID  string    `json:"target_room_id"`
	SourceRoomIDs []string  `json:"source_room_ids"`

	InitiatedBy      string `json:"initiated_by,omitempty"`
	MigratedMessages int    `json:"migrated_messages,omitempty"`
	MigratedMembers  int    `json:"migrated_members,omitempty"`
	FailedStep       string `json:"failed_step,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
}

// EventPublisher puts a lifecycle event on the channel, keyed by merge id.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
