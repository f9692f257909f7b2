// Package ledger holds the append-only migration log rows written ahead of
// every merge mutation. Each row is both the idempotence guard for replayed
// migrations and the snapshot that compensation restores from.
package ledger

import "time"

// MigrationStatus tracks whether a ledger row still describes an applied
// migration or one that compensation has undone.
type MigrationStatus string

const (
	// StatusMigrated marks an entry whose forward migration was recorded.
	StatusMigrated MigrationStatus = "MIGRATED"
	// StatusRolledBack is the terminal state after compensation; entries are
	// never rewritten once they reach it.
	StatusRolledBack MigrationStatus = "ROLLED_BACK"
)

// MessageEntry snapshots one message's pre-migration location for one merge.
// The composite uniqueness constraint makes replayed migrations collide
// instead of double-recording.
type MessageEntry struct {
	ID           uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	MergeID      string          `gorm:"column:merge_id;size:190;not null;uniqueIndex:uniq_message_migration,priority:1"`
	MessageID    string          `gorm:"column:message_id;size:190;not null;uniqueIndex:uniq_message_migration,priority:2"`
	SourceRoomID string          `gorm:"column:source_room_id;size:190;not null;uniqueIndex:uniq_message_migration,priority:3"`
	TargetRoomID string          `gorm:"column:target_room_id;size:190;not null;uniqueIndex:uniq_message_migration,priority:4"`
	Status       MigrationStatus `gorm:"column:status;size:32;not null"`
	WasInTarget  bool            `gorm:"column:was_in_target;not null"`
	PrevRoomID   string          `gorm:"column:prev_room_id;size:190;not null"`
	MigratedAt   time.Time       `gorm:"column:migrated_at;not null"`
	RolledBackAt *time.Time      `gorm:"column:rolled_back_at"`
}

// TableName provides the explicit table binding for GORM.
func (MessageEntry) TableName() string {
	return "message_migration_log"
}

// MarkRolledBack moves the entry into its terminal state.
func (e *MessageEntry) MarkRolledBack(at time.Time) {
	e.Status = StatusRolledBack
	e.RolledBackAt = &at
}

// IsRolledBack reports whether compensation already handled this entry.
func (e *MessageEntry) IsRolledBack() bool {
	return e.Status == StatusRolledBack
}

// MembershipEntry snapshots one user's membership state in both rooms before
// a merge touched them. Prior roles are nil when the user was not a member of
// the respective room.
type MembershipEntry struct {
	ID                uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	MergeID           string          `gorm:"column:merge_id;size:190;not null;uniqueIndex:uniq_membership_migration,priority:1"`
	UserID            string          `gorm:"column:user_id;size:190;not null;uniqueIndex:uniq_membership_migration,priority:2"`
	SourceRoomID      string          `gorm:"column:source_room_id;size:190;not null;uniqueIndex:uniq_membership_migration,priority:3"`
	TargetRoomID      string          `gorm:"column:target_room_id;size:190;not null;uniqueIndex:uniq_membership_migration,priority:4"`
	Status            MigrationStatus `gorm:"column:status;size:32;not null"`
	WasMemberOfSource bool            `gorm:"column:was_member_of_source;not null"`
	WasMemberOfTarget bool            `gorm:"column:was_member_of_target;not null"`
	PrevRoleInSource  *string         `gorm:"column:prev_role_in_source;size:32"`
	PrevRoleInTarget  *string         `gorm:"column:prev_role_in_target;size:32"`
	MigratedAt        time.Time       `gorm:"column:migrated_at;not null"`
	RolledBackAt      *time.Time      `gorm:"column:rolled_back_at"`
}

// TableName provides the explicit table binding for GORM.
func (MembershipEntry) TableName() string {
	return "membership_migration_log"
}

// MarkRolledBack moves the entry into its terminal state.
func (e *MembershipEntry) MarkRolledBack(at time.Time) {
	e.Status = StatusRolledBack
	e.RolledBackAt = &at
}

// IsRolledBack reports whether compensation already handled this entry.
func (e *MembershipEntry) IsRolledBack() bool {
	return e.Status == StatusRolledBack
}
