package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/parleylabs/parley/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrValidationFailed is the root of every hard post-migration check failure.
var ErrValidationFailed = errors.New("merge: validation failed")

// validator runs the post-migration consistency checks before a merge is
// declared successful. Hard checks return an error and fail the run; soft
// checks only log.
type validator struct {
	store  MessageStore
	logger *zap.Logger
}

func (v *validator) validate(ctx context.Context, tx *gorm.DB, mergeID, targetRoomID string, sourceRoomIDs []string) error {
	roomsByID, err := v.loadRooms(tx, targetRoomID, sourceRoomIDs)
	if err != nil {
		return err
	}

	for _, sourceRoomID := range sourceRoomIDs {
		remaining, err := v.store.CountByRoom(ctx, sourceRoomID)
		if err != nil {
			return newServiceError(opValidateMerge, "message_count_failed", err)
		}
		if remaining > 0 {
			return fmt.Errorf("%w: source room %s still owns %d messages", ErrValidationFailed, sourceRoomID, remaining)
		}

		var members int64
		if err := tx.Model(&rooms.Membership{}).
			Where("room_id = ?", sourceRoomID).
			Count(&members).Error; err != nil {
			return newServiceError(opValidateMerge, "membership_count_failed", err)
		}
		if members > 0 {
			return fmt.Errorf("%w: source room %s still has %d members", ErrValidationFailed, sourceRoomID, members)
		}
	}

	// Soft check: every participating room should still be locked. A mismatch
	// is suspicious but does not fail the run.
	for roomID, room := range roomsByID {
		if room.Status != rooms.RoomStatusMerging {
			v.logger.Warn("room not in MERGING state at validation time",
				zap.String("merge_id", mergeID),
				zap.String("room_id", roomID),
				zap.String("status", string(room.Status)))
		}
	}

	// Soft check: an entirely empty target after migration usually means the
	// merge moved nothing.
	targetMessages, err := v.store.CountByRoom(ctx, targetRoomID)
	if err != nil {
		return newServiceError(opValidateMerge, "message_count_failed", err)
	}
	var targetMembers int64
	if err := tx.Model(&rooms.Membership{}).
		Where("room_id = ?", targetRoomID).
		Count(&targetMembers).Error; err != nil {
		return newServiceError(opValidateMerge, "membership_count_failed", err)
	}
	if targetMessages == 0 && targetMembers == 0 {
		v.logger.Warn("target room has no messages and no members after migration",
			zap.String("merge_id", mergeID),
			zap.String("target_room_id", targetRoomID))
	}

	v.logger.Info("merge validation passed",
		zap.String("merge_id", mergeID),
		zap.Int64("target_messages", targetMessages),
		zap.Int64("target_members", targetMembers))
	return nil
}

func (v *validator) loadRooms(tx *gorm.DB, targetRoomID string, sourceRoomIDs []string) (map[string]rooms.Room, error) {
	result := make(map[string]rooms.Room, len(sourceRoomIDs)+1)

	var target rooms.Room
	err := tx.Where("room_id = ?", targetRoomID).Take(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: target room %s does not exist", ErrValidationFailed, targetRoomID)
	}
	if err != nil {
		return nil, newServiceError(opValidateMerge, "room_query_failed", err)
	}
	result[targetRoomID] = target

	for _, sourceRoomID := range sourceRoomIDs {
		var source rooms.Room
		err := tx.Where("room_id = ?", sourceRoomID).Take(&source).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: source room %s does not exist", ErrValidationFailed, sourceRoomID)
		}
		if err != nil {
			return nil, newServiceError(opValidateMerge, "room_query_failed", err)
		}
		result[sourceRoomID] = source
	}
	return result, nil
}
