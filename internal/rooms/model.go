package rooms

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RoomStatus enumerates the lifecycle states of a chat room.
type RoomStatus string

const (
	// RoomStatusActive marks a room that accepts messages and members.
	RoomStatusActive RoomStatus = "ACTIVE"
	// RoomStatusMerging marks a room locked by an in-flight merge.
	RoomStatusMerging RoomStatus = "MERGING"
	// RoomStatusArchived marks a source room whose merge completed.
	RoomStatusArchived RoomStatus = "ARCHIVED"
)

// Role enumerates membership roles in descending precedence.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Precedence orders roles for comparison; higher wins.
func (r Role) Precedence() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// ErrUnknownRole indicates a role string outside the known set.
var ErrUnknownRole = errors.New("rooms: unknown role")

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleOwner, RoleAdmin, RoleMember:
		return role, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("rooms: invalid room id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("rooms: invalid user id")
)

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Room models the relational source of truth for room metadata.
type Room struct {
	RoomID    string     `gorm:"column:room_id;primaryKey;size:190;not null"`
	Name      string     `gorm:"column:name;size:320;not null"`
	OwnerID   string     `gorm:"column:owner_id;size:190;not null"`
	Status    RoomStatus `gorm:"column:status;size:32;not null"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "rooms"
}

// Membership models a user's presence in a room, unique per (room, user).
type Membership struct {
	RoomID   string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role     Role      `gorm:"column:role;size:32;not null"`
	JoinedAt time.Time `gorm:"column:joined_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "room_memberships"
}
