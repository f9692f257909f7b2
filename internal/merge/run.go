package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Step enumerates the saga's forward states. A run's step only advances while
// the run is IN_PROGRESS.
type Step string

const (
	StepInitiated        Step = "INITIATED"
	StepRoomsLocked      Step = "ROOMS_LOCKED"
	StepMessagesMigrated Step = "MESSAGES_MIGRATED"
	StepUsersMigrated    Step = "USERS_MIGRATED"
	StepCompleted        Step = "COMPLETED"
)

func stepOrdinal(step Step) int {
	switch step {
	case StepInitiated:
		return 0
	case StepRoomsLocked:
		return 1
	case StepMessagesMigrated:
		return 2
	case StepUsersMigrated:
		return 3
	case StepCompleted:
		return 4
	default:
		return -1
	}
}

// RunStatus is the overall outcome of a merge run.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "IN_PROGRESS"
	RunStatusCompleted  RunStatus = "COMPLETED"
	RunStatusFailed     RunStatus = "FAILED"
)

// Run is the persisted merge record. It is created by the initiator, mutated
// only by the coordinator, and retained for audit after it reaches a terminal
// status.
type Run struct {
	MergeID         string    `gorm:"column:merge_id;primaryKey;size:190;not null"`
	TargetRoomID    string    `gorm:"column:target_room_id;size:190;not null"`
	SourceRoomsJSON string    `gorm:"column:source_rooms_json;type:text;not null"`
	CurrentStep     Step      `gorm:"column:current_step;size:32;not null"`
	Status          RunStatus `gorm:"column:status;size:32;not null"`
	FailedStep      string    `gorm:"column:failed_step;size:32"`
	FailureReason   string    `gorm:"column:failure_reason;type:text"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Run) TableName() string {
	return "merge_runs"
}

// SourceRoomIDs decodes the stored source room list.
func (r Run) SourceRoomIDs() ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(r.SourceRoomsJSON), &ids); err != nil {
		return nil, fmt.Errorf("merge: decode source rooms for %s: %w", r.MergeID, err)
	}
	return ids, nil
}

func encodeSourceRooms(ids []string) (string, error) {
	raw, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("merge: encode source rooms: %w", err)
	}
	return string(raw), nil
}

var (
	// ErrRunNotFound indicates no merge run exists for the requested id.
	ErrRunNotFound = errors.New("merge: run not found")
	// ErrBlankIdentifier indicates a blank target, source, or initiator id.
	ErrBlankIdentifier = errors.New("merge: blank identifier")
	// ErrNoSourceRooms indicates an empty source room list.
	ErrNoSourceRooms = errors.New("merge: no source rooms")
	// ErrDuplicateSourceRoom indicates the same source room listed twice.
	ErrDuplicateSourceRoom = errors.New("merge: duplicate source room")
	// ErrTargetIsSource indicates the target room also appears as a source.
	ErrTargetIsSource = errors.New("merge: target room listed as source")
)

// Request describes an inbound merge request before a run exists.
type Request struct {
	TargetRoomID  string
	SourceRoomIDs []string
	InitiatedBy   string
}

// Normalize trims every identifier in place and returns the result.
func (req Request) Normalize() Request {
	normalized := Request{
		TargetRoomID: strings.TrimSpace(req.TargetRoomID),
		InitiatedBy:  strings.TrimSpace(req.InitiatedBy),
	}
	for _, id := range req.SourceRoomIDs {
		normalized.SourceRoomIDs = append(normalized.SourceRoomIDs, strings.TrimSpace(id))
	}
	return normalized
}

// Validate rejects malformed merge requests before any run is created:
// blank identifiers, an empty or duplicate-carrying source list, or a target
// that appears among the sources.
func (req Request) Validate() error {
	if req.TargetRoomID == "" {
		return fmt.Errorf("%w: target room id", ErrBlankIdentifier)
	}
	if req.InitiatedBy == "" {
		return fmt.Errorf("%w: initiator id", ErrBlankIdentifier)
	}
	if len(req.SourceRoomIDs) == 0 {
		return ErrNoSourceRooms
	}
	seen := make(map[string]struct{}, len(req.SourceRoomIDs))
	for _, id := range req.SourceRoomIDs {
		if id == "" {
			return fmt.Errorf("%w: source room id", ErrBlankIdentifier)
		}
		if id == req.TargetRoomID {
			return fmt.Errorf("%w: %s", ErrTargetIsSource, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateSourceRoom, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
