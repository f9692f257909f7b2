package merge

import (
	"context"
	"time"

	"github.com/parleylabs/parley/internal/ledger"
	"github.com/parleylabs/parley/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// membershipMigrator moves room members into the target for one merge,
// reconciling users who already belong to the target and snapshotting both
// prior roles into the ledger before mutating anything.
type membershipMigrator struct {
	clock  func() time.Time
	logger *zap.Logger
}

// migrate processes every membership of every source room, then deletes all
// source memberships unconditionally since the rooms are being merged away.
// Returns the number of users newly added to the target.
func (m *membershipMigrator) migrate(ctx context.Context, tx *gorm.DB, mergeID, targetRoomID string, sourceRoomIDs []string) (int, error) {
	var sourceMembers []rooms.Membership
	if err := tx.Where("room_id IN ?", sourceRoomIDs).Find(&sourceMembers).Error; err != nil {
		return 0, newServiceError(opMigrateMembers, "source_query_failed", err)
	}

	var targetMembers []rooms.Membership
	if err := tx.Where("room_id = ?", targetRoomID).Find(&targetMembers).Error; err != nil {
		return 0, newServiceError(opMigrateMembers, "target_query_failed", err)
	}
	targetByUser := make(map[string]rooms.Membership, len(targetMembers))
	for _, member := range targetMembers {
		targetByUser[member.UserID] = member
	}

	migrated := 0
	for _, sourceMember := range sourceMembers {
		added, err := m.migrateOne(tx, mergeID, targetRoomID, sourceMember, targetByUser)
		if err != nil {
			m.logger.Error("membership migration item failed",
				zap.String("merge_id", mergeID),
				zap.String("user_id", sourceMember.UserID),
				zap.String("source_room_id", sourceMember.RoomID),
				zap.Error(err))
			continue
		}
		if added {
			migrated++
		}
	}

	// The source rooms are going away; every remaining membership row goes
	// with them, reconciled or not.
	if err := tx.Where("room_id IN ?", sourceRoomIDs).Delete(&rooms.Membership{}).Error; err != nil {
		return migrated, newServiceError(opMigrateMembers, "source_cleanup_failed", err)
	}

	m.logger.Info("membership migration finished",
		zap.String("merge_id", mergeID),
		zap.Int("migrated", migrated),
		zap.Int("source_members", len(sourceMembers)))
	return migrated, nil
}

func (m *membershipMigrator) migrateOne(tx *gorm.DB, mergeID, targetRoomID string, sourceMember rooms.Membership, targetByUser map[string]rooms.Membership) (bool, error) {
	existing, wasMemberOfTarget := targetByUser[sourceMember.UserID]

	var prevRoleInTarget *string
	if wasMemberOfTarget {
		role := string(existing.Role)
		prevRoleInTarget = &role
	}
	prevRoleInSource := string(sourceMember.Role)

	entry := ledger.MembershipEntry{
		MergeID:           mergeID,
		UserID:            sourceMember.UserID,
		SourceRoomID:      sourceMember.RoomID,
		TargetRoomID:      targetRoomID,
		Status:            ledger.StatusMigrated,
		WasMemberOfSource: true,
		WasMemberOfTarget: wasMemberOfTarget,
		PrevRoleInSource:  &prevRoleInSource,
		PrevRoleInTarget:  prevRoleInTarget,
		MigratedAt:        m.clock().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return false, err
	}

	if !wasMemberOfTarget {
		membership := rooms.Membership{
			RoomID:   targetRoomID,
			UserID:   sourceMember.UserID,
			Role:     sourceMember.Role,
			JoinedAt: m.clock().UTC(),
		}
		if err := tx.Create(&membership).Error; err != nil {
			return false, err
		}
		return true, nil
	}

	// Already a member of the target: the incoming source role wins on write.
	// This is last-writer-wins by product decision, not highest-precedence.
	if existing.Role != sourceMember.Role {
		if err := tx.Model(&rooms.Membership{}).
			Where("room_id = ? AND user_id = ?", targetRoomID, sourceMember.UserID).
			Update("role", sourceMember.Role).Error; err != nil {
			return false, err
		}
	}
	return false, nil
}

// rollback restores memberships from the ledger snapshots: users newly added
// to the target are removed, prior target roles are reinstated, and source
// memberships are re-created with their previous role. Idempotent under
// repeated delivery.
func (m *membershipMigrator) rollback(ctx context.Context, tx *gorm.DB, mergeID string) (int, error) {
	var entries []ledger.MembershipEntry
	if err := tx.Where("merge_id = ? AND status = ?", mergeID, ledger.StatusMigrated).
		Find(&entries).Error; err != nil {
		return 0, newServiceError(opRollbackMembers, "ledger_query_failed", err)
	}

	restored := 0
	for i := range entries {
		entry := &entries[i]
		if entry.IsRolledBack() {
			continue
		}

		if err := m.rollbackOne(tx, entry); err != nil {
			m.logger.Error("membership rollback item failed",
				zap.String("merge_id", mergeID),
				zap.String("user_id", entry.UserID),
				zap.Error(err))
			continue
		}

		entry.MarkRolledBack(m.clock().UTC())
		if err := tx.Save(entry).Error; err != nil {
			m.logger.Error("membership rollback mark failed",
				zap.String("merge_id", mergeID),
				zap.String("user_id", entry.UserID),
				zap.Error(err))
			continue
		}
		restored++
	}

	m.logger.Info("membership rollback finished",
		zap.String("merge_id", mergeID),
		zap.Int("restored", restored))
	return restored, nil
}

func (m *membershipMigrator) rollbackOne(tx *gorm.DB, entry *ledger.MembershipEntry) error {
	inTarget, err := m.membershipExists(tx, entry.TargetRoomID, entry.UserID)
	if err != nil {
		return err
	}

	if !entry.WasMemberOfTarget {
		// Forward migration added this user to the target; remove them again
		// if still present.
		if inTarget {
			if err := tx.Where("room_id = ? AND user_id = ?", entry.TargetRoomID, entry.UserID).
				Delete(&rooms.Membership{}).Error; err != nil {
				return err
			}
		}
	} else if entry.PrevRoleInTarget != nil && inTarget {
		if err := tx.Model(&rooms.Membership{}).
			Where("room_id = ? AND user_id = ?", entry.TargetRoomID, entry.UserID).
			Update("role", *entry.PrevRoleInTarget).Error; err != nil {
			return err
		}
	}

	if !entry.WasMemberOfSource {
		return nil
	}

	inSource, err := m.membershipExists(tx, entry.SourceRoomID, entry.UserID)
	if err != nil {
		return err
	}
	if !inSource {
		membership := rooms.Membership{
			RoomID:   entry.SourceRoomID,
			UserID:   entry.UserID,
			Role:     m.parseRoleOrMember(entry.PrevRoleInSource),
			JoinedAt: m.clock().UTC(),
		}
		return tx.Create(&membership).Error
	}
	if entry.PrevRoleInSource != nil {
		return tx.Model(&rooms.Membership{}).
			Where("room_id = ? AND user_id = ?", entry.SourceRoomID, entry.UserID).
			Update("role", *entry.PrevRoleInSource).Error
	}
	return nil
}

func (m *membershipMigrator) membershipExists(tx *gorm.DB, roomID, userID string) (bool, error) {
	var count int64
	err := tx.Model(&rooms.Membership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	return count > 0, err
}

// parseRoleOrMember falls back to MEMBER when the snapshotted role string no
// longer parses; a warning, not a hard failure.
func (m *membershipMigrator) parseRoleOrMember(raw *string) rooms.Role {
	if raw == nil {
		return rooms.RoleMember
	}
	role, err := rooms.ParseRole(*raw)
	if err != nil {
		m.logger.Warn("unparseable prior role, defaulting to MEMBER", zap.String("role", *raw))
		return rooms.RoleMember
	}
	return role
}
