package merge

import (
	"context"
	"time"

	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/messages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageStore is the document-store contract the saga needs: room-scoped
// reads and the conditional room reassignment that keeps redelivered
// migrations idempotent.
type MessageStore interface {
	ListByRoom(ctx context.Context, roomID string) ([]messages.Message, error)
	CountByRoom(ctx context.Context, roomID string) (int64, error)
	ReassignRoom(ctx context.Context, messageID, fromRoomID, toRoomID string) (bool, error)
}

// messageMigrator moves messages from the source rooms into the target for
// one merge, writing a ledger entry per message before any mutation.
type messageMigrator struct {
	store  MessageStore
	clock  func() time.Time
	logger *zap.Logger
}

// migrate processes every message currently owned by a source room.
// Individual message failures are logged and skipped; the batch still counts
// as migrated. Returns the number of messages actually moved.
func (m *messageMigrator) migrate(ctx context.Context, tx *gorm.DB, mergeID, targetRoomID string, sourceRoomIDs []string) (int, error) {
	moved := 0
	for _, sourceRoomID := range sourceRoomIDs {
		batch, err := m.store.ListByRoom(ctx, sourceRoomID)
		if err != nil {
			return moved, newServiceError(opMigrateMessages, "list_failed", err)
		}

		for _, message := range batch {
			didMove, err := m.migrateOne(ctx, tx, mergeID, sourceRoomID, targetRoomID, message)
			if err != nil {
				m.logger.Error("message migration item failed",
					zap.String("merge_id", mergeID),
					zap.String("message_id", message.ID),
					zap.String("source_room_id", sourceRoomID),
					zap.Error(err))
				continue
			}
			if didMove {
				moved++
			}
		}
	}

	m.logger.Info("message migration finished",
		zap.String("merge_id", mergeID),
		zap.Int("moved", moved))
	return moved, nil
}

func (m *messageMigrator) migrateOne(ctx context.Context, tx *gorm.DB, mergeID, sourceRoomID, targetRoomID string, message messages.Message) (bool, error) {
	// The listing is a fresh read; a message an earlier partial run already
	// moved no longer appears under the source room, and one whose document
	// somehow reports the target location must not be moved again.
	alreadyInTarget := message.RoomID == targetRoomID

	entry := ledger.MessageEntry{
		MergeID:      mergeID,
		MessageID:    message.ID,
		SourceRoomID: sourceRoomID,
		TargetRoomID: targetRoomID,
		Status:       ledger.StatusMigrated,
		WasInTarget:  alreadyInTarget,
		PrevRoomID:   message.RoomID,
		MigratedAt:   m.clock().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		// Uniqueness collision on replay: the entry from the earlier attempt
		// stands, and the conditional reassignment below already happened or
		// will no-op. Treated as an item error either way.
		return false, err
	}

	if alreadyInTarget {
		return false, nil
	}

	matched, err := m.store.ReassignRoom(ctx, message.ID, sourceRoomID, targetRoomID)
	if err != nil {
		return false, err
	}
	if !matched {
		m.logger.Debug("message reassignment no-op",
			zap.String("merge_id", mergeID),
			zap.String("message_id", message.ID))
	}
	return matched, nil
}

// rollback undoes every MIGRATED ledger entry for the merge. It is idempotent
// under repeated delivery: entries already ROLLED_BACK are skipped, and the
// conditional reassignment tolerates messages that were never moved or were
// already restored. Returns the number of messages moved back.
func (m *messageMigrator) rollback(ctx context.Context, tx *gorm.DB, mergeID string) (int, error) {
	var entries []ledger.MessageEntry
	if err := tx.Where("merge_id = ? AND status = ?", mergeID, ledger.StatusMigrated).
		Find(&entries).Error; err != nil {
		return 0, newServiceError(opRollbackMessages, "ledger_query_failed", err)
	}

	restored := 0
	for i := range entries {
		entry := &entries[i]
		if entry.IsRolledBack() {
			continue
		}

		if !entry.WasInTarget {
			matched, err := m.store.ReassignRoom(ctx, entry.MessageID, entry.TargetRoomID, entry.SourceRoomID)
			if err != nil {
				m.logger.Error("message rollback item failed",
					zap.String("merge_id", mergeID),
					zap.String("message_id", entry.MessageID),
					zap.Error(err))
				continue
			}
			if matched {
				restored++
			}
		}

		// Marked regardless of whether the conditional update matched so that
		// a second rollback pass finds nothing left to do.
		entry.MarkRolledBack(m.clock().UTC())
		if err := tx.Save(entry).Error; err != nil {
			m.logger.Error("message rollback mark failed",
				zap.String("merge_id", mergeID),
				zap.String("message_id", entry.MessageID),
				zap.Error(err))
		}
	}

	m.logger.Info("message rollback finished",
		zap.String("merge_id", mergeID),
		zap.Int("restored", restored))
	return restored, nil
}
