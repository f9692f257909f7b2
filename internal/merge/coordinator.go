// Package merge implements the room-merge saga: a choreographed, multi-step
// distributed transaction that consolidates source chat rooms into a target
// room across a relational store and a document store. Each lifecycle event
// drives exactly one step; compensation restores the pre-merge state from the
// migration ledger when a step fails.
package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleylabs/parley/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase     = errors.New("database handle is required")
	errMissingMessageStore = errors.New("message store is required")
	errMissingPublisher    = errors.New("event publisher is required")
	errMissingIDProvider   = errors.New("id provider is required")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable operation code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "merge.service.new"
	opInitiateMerge    = "merge.initiate"
	opGetRun           = "merge.get_run"
	opHandleEvent      = "merge.handle_event"
	opMigrateMessages  = "merge.migrate_messages"
	opRollbackMessages = "merge.rollback_messages"
	opMigrateMembers   = "merge.migrate_members"
	opRollbackMembers  = "merge.rollback_members"
	opValidateMerge    = "merge.validate"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues merge run identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the saga coordinator dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Messages   MessageStore
	Publisher  EventPublisher
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the merge saga coordinator. It owns the step state machine and
// is the only component that mutates merge runs. Handlers read the run fresh
// per event; nothing is cached across invocations, since events for one merge
// id may be delivered to different worker instances.
type Service struct {
	db         *gorm.DB
	messages   MessageStore
	publisher  EventPublisher
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	messageEngine    *messageMigrator
	membershipEngine *membershipMigrator
	checker          *validator
}

// NewService validates the configuration and constructs the coordinator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Messages == nil {
		return nil, newServiceError(opServiceNew, "missing_message_store", errMissingMessageStore)
	}
	if cfg.Publisher == nil {
		return nil, newServiceError(opServiceNew, "missing_publisher", errMissingPublisher)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:               cfg.Database,
		messages:         cfg.Messages,
		publisher:        cfg.Publisher,
		clock:            clock,
		idProvider:       cfg.IDProvider,
		logger:           logger,
		messageEngine:    &messageMigrator{store: cfg.Messages, clock: clock, logger: logger},
		membershipEngine: &membershipMigrator{clock: clock, logger: logger},
		checker:          &validator{store: cfg.Messages, logger: logger},
	}, nil
}

// InitiateMerge validates the request, persists a new run, and emits the
// MERGE_INITIATED event that starts the saga.
func (s *Service) InitiateMerge(ctx context.Context, req Request) (Run, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return Run{}, newServiceError(opInitiateMerge, "invalid_request", err)
	}

	mergeID, err := s.idProvider.NewID()
	if err != nil {
		return Run{}, newServiceError(opInitiateMerge, "id_generation_failed", err)
	}
	sourcesJSON, err := encodeSourceRooms(req.SourceRoomIDs)
	if err != nil {
		return Run{}, newServiceError(opInitiateMerge, "encode_failed", err)
	}

	run := Run{
		MergeID:         mergeID,
		TargetRoomID:    req.TargetRoomID,
		SourceRoomsJSON: sourcesJSON,
		CurrentStep:     StepInitiated,
		Status:          RunStatusInProgress,
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		s.logError(opInitiateMerge, "run_insert_failed", err, zap.String("merge_id", mergeID))
		return Run{}, newServiceError(opInitiateMerge, "run_insert_failed", err)
	}

	event := Event{
		Type:          EventMergeInitiated,
		MergeID:       mergeID,
		TargetRoomID:  req.TargetRoomID,
		SourceRoomIDs: req.SourceRoomIDs,
		InitiatedBy:   req.InitiatedBy,
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.markRunFailed(ctx, mergeID, StepInitiated, err)
		s.logError(opInitiateMerge, "publish_failed", err, zap.String("merge_id", mergeID))
		return Run{}, newServiceError(opInitiateMerge, "publish_failed", err)
	}

	s.logger.Info("merge initiated",
		zap.String("merge_id", mergeID),
		zap.String("target_room_id", req.TargetRoomID),
		zap.Strings("source_room_ids", req.SourceRoomIDs),
		zap.String("initiated_by", req.InitiatedBy))
	return run, nil
}

// GetRun loads a merge run by identifier.
func (s *Service) GetRun(ctx context.Context, mergeID string) (Run, error) {
	var run Run
	err := s.db.WithContext(ctx).Where("merge_id = ?", mergeID).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, newServiceError(opGetRun, "not_found", ErrRunNotFound)
	}
	if err != nil {
		s.logError(opGetRun, "query_failed", err, zap.String("merge_id", mergeID))
		return Run{}, newServiceError(opGetRun, "query_failed", err)
	}
	return run, nil
}

// Validate re-runs the post-migration consistency checks for a merge on
// demand.
func (s *Service) Validate(ctx context.Context, mergeID string) error {
	run, err := s.GetRun(ctx, mergeID)
	if err != nil {
		return err
	}
	sourceRoomIDs, err := run.SourceRoomIDs()
	if err != nil {
		return newServiceError(opValidateMerge, "decode_failed", err)
	}
	return s.checker.validate(ctx, s.db.WithContext(ctx), mergeID, run.TargetRoomID, sourceRoomIDs)
}

// HandleEvent is the coordinator's single entry point: one invocation per
// delivered lifecycle event, deciding the next step or compensation.
func (s *Service) HandleEvent(ctx context.Context, event Event) error {
	s.logger.Info("merge event received",
		zap.String("event_type", string(event.Type)),
		zap.String("merge_id", event.MergeID))

	switch event.Type {
	case EventMergeInitiated:
		return s.handleLockRooms(ctx, event)
	case EventRoomsLocked:
		return s.handleMessageMigration(ctx, event)
	case EventMessagesMigrated:
		return s.handleMembershipMigration(ctx, event)
	case EventUsersMigrated:
		return s.handleCompletion(ctx, event)
	case EventMergeCompleted:
		// Terminal; nothing left to drive.
		return nil
	case EventMergeFailed:
		return s.handleFailure(ctx, event)
	default:
		s.logger.Warn("unknown merge event type",
			zap.String("event_type", string(event.Type)),
			zap.String("merge_id", event.MergeID))
		return nil
	}
}

// handleLockRooms locks the target and source rooms and advances the run to
// ROOMS_LOCKED.
func (s *Service) handleLockRooms(ctx context.Context, event Event) error {
	var skip bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, done, err := s.runForStep(tx, event.MergeID, StepRoomsLocked)
		if err != nil {
			return err
		}
		if done {
			skip = true
			return nil
		}

		for _, roomID := range append([]string{event.TargetRoomID}, event.SourceRoomIDs...) {
			if err := setRoomStatus(tx, roomID, rooms.RoomStatusMerging); err != nil {
				return err
			}
		}
		return s.advanceRun(tx, run.MergeID, StepRoomsLocked)
	})
	if txErr != nil {
		return s.failStep(ctx, event, StepRoomsLocked, txErr)
	}
	if skip {
		return nil
	}

	next := Event{
		Type:          EventRoomsLocked,
		MergeID:       event.MergeID,
		TargetRoomID:  event.TargetRoomID,
		SourceRoomIDs: event.SourceRoomIDs,
	}
	if err := s.publisher.Publish(ctx, next); err != nil {
		return s.failStep(ctx, event, StepRoomsLocked, err)
	}
	return nil
}

// handleMessageMigration runs the message migration engine and advances the
// run to MESSAGES_MIGRATED. Document-store mutations are not covered by the
// relational transaction; they are individually idempotent instead.
func (s *Service) handleMessageMigration(ctx context.Context, event Event) error {
	var skip bool
	var moved int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, done, err := s.runForStep(tx, event.MergeID, StepMessagesMigrated)
		if err != nil {
			return err
		}
		if done {
			skip = true
			return nil
		}

		moved, err = s.messageEngine.migrate(ctx, tx, event.MergeID, event.TargetRoomID, event.SourceRoomIDs)
		if err != nil {
			return err
		}
		return s.advanceRun(tx, run.MergeID, StepMessagesMigrated)
	})
	if txErr != nil {
		return s.failStep(ctx, event, StepMessagesMigrated, txErr)
	}
	if skip {
		return nil
	}

	next := Event{
		Type:             EventMessagesMigrated,
		MergeID:          event.MergeID,
		TargetRoomID:     event.TargetRoomID,
		SourceRoomIDs:    event.SourceRoomIDs,
		MigratedMessages: moved,
	}
	if err := s.publisher.Publish(ctx, next); err != nil {
		return s.failStep(ctx, event, StepMessagesMigrated, err)
	}
	return nil
}

// handleMembershipMigration runs the membership migration engine, then the
// validation engine, and advances the run to USERS_MIGRATED. A validation
// failure rolls the whole transaction back and fails this step.
func (s *Service) handleMembershipMigration(ctx context.Context, event Event) error {
	var skip bool
	var migrated int
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, done, err := s.runForStep(tx, event.MergeID, StepUsersMigrated)
		if err != nil {
			return err
		}
		if done {
			skip = true
			return nil
		}

		migrated, err = s.membershipEngine.migrate(ctx, tx, event.MergeID, event.TargetRoomID, event.SourceRoomIDs)
		if err != nil {
			return err
		}
		if err := s.checker.validate(ctx, tx, event.MergeID, event.TargetRoomID, event.SourceRoomIDs); err != nil {
			return err
		}
		return s.advanceRun(tx, run.MergeID, StepUsersMigrated)
	})
	if txErr != nil {
		return s.failStep(ctx, event, StepUsersMigrated, txErr)
	}
	if skip {
		return nil
	}

	next := Event{
		Type:             EventUsersMigrated,
		MergeID:          event.MergeID,
		TargetRoomID:     event.TargetRoomID,
		SourceRoomIDs:    event.SourceRoomIDs,
		MigratedMessages: event.MigratedMessages,
		MigratedMembers:  migrated,
	}
	if err := s.publisher.Publish(ctx, next); err != nil {
		return s.failStep(ctx, event, StepUsersMigrated, err)
	}
	return nil
}

// handleCompletion stamps the run COMPLETED and archives the source rooms.
func (s *Service) handleCompletion(ctx context.Context, event Event) error {
	var skip bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, done, err := s.runForStep(tx, event.MergeID, StepCompleted)
		if err != nil {
			return err
		}
		if done {
			skip = true
			return nil
		}

		if err := tx.Model(&Run{}).
			Where("merge_id = ?", event.MergeID).
			Updates(map[string]any{
				"current_step": StepCompleted,
				"status":       RunStatusCompleted,
			}).Error; err != nil {
			return err
		}

		for _, sourceRoomID := range event.SourceRoomIDs {
			if err := setRoomStatus(tx, sourceRoomID, rooms.RoomStatusArchived); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return s.failStep(ctx, event, StepCompleted, txErr)
	}
	if skip {
		return nil
	}

	s.logger.Info("merge completed",
		zap.String("merge_id", event.MergeID),
		zap.Int("migrated_messages", event.MigratedMessages),
		zap.Int("migrated_members", event.MigratedMembers))

	next := Event{
		Type:             EventMergeCompleted,
		MergeID:          event.MergeID,
		TargetRoomID:     event.TargetRoomID,
		SourceRoomIDs:    event.SourceRoomIDs,
		MigratedMessages: event.MigratedMessages,
		MigratedMembers:  event.MigratedMembers,
	}
	if err := s.publisher.Publish(ctx, next); err != nil {
		// The run is already terminal; the completed event is informational.
		s.logError(opHandleEvent, "completed_publish_failed", err, zap.String("merge_id", event.MergeID))
	}
	return nil
}

// handleFailure stamps the run FAILED and executes the cascading
// compensation suffix for the failed step. Compensation errors are logged,
// never re-raised; the run stays FAILED for operator intervention.
func (s *Service) handleFailure(ctx context.Context, event Event) error {
	run, err := s.GetRun(ctx, event.MergeID)
	if err != nil {
		s.logError(opHandleEvent, "failed_run_missing", err, zap.String("merge_id", event.MergeID))
		return nil
	}
	if run.Status == RunStatusCompleted {
		s.logger.Warn("ignoring failure event for completed merge",
			zap.String("merge_id", event.MergeID),
			zap.String("failed_step", event.FailedStep))
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&Run{}).
		Where("merge_id = ?", event.MergeID).
		Updates(map[string]any{
			"status":         RunStatusFailed,
			"failed_step":    event.FailedStep,
			"failure_reason": event.FailureReason,
		}).Error; err != nil {
		s.logError(opHandleEvent, "failed_stamp_failed", err, zap.String("merge_id", event.MergeID))
		return nil
	}

	s.logger.Error("merge failed, compensating",
		zap.String("merge_id", event.MergeID),
		zap.String("failed_step", event.FailedStep),
		zap.String("failure_reason", event.FailureReason))

	s.compensate(ctx, event)
	return nil
}

// compensationAction is one explicit inverse step in the rollback cascade.
type compensationAction struct {
	name  string
	apply func(context.Context, Event) error
}

// compensationPlan returns the suffix of the ordered compensation list
// at-or-after the failed step: rolling back step X implies rolling back every
// step after it, down to unlocking the rooms.
func (s *Service) compensationPlan(failedStep Step) []compensationAction {
	all := []compensationAction{
		{name: "rollback_memberships", apply: s.compensateMemberships},
		{name: "rollback_messages", apply: s.compensateMessages},
		{name: "unlock_rooms", apply: s.compensateUnlockRooms},
	}
	switch failedStep {
	case StepCompleted, StepUsersMigrated:
		return all
	case StepMessagesMigrated:
		return all[1:]
	case StepRoomsLocked, StepInitiated:
		return all[2:]
	default:
		return nil
	}
}

func (s *Service) compensate(ctx context.Context, event Event) {
	plan := s.compensationPlan(Step(event.FailedStep))
	if len(plan) == 0 {
		s.logger.Warn("no compensation plan for failed step",
			zap.String("merge_id", event.MergeID),
			zap.String("failed_step", event.FailedStep))
		return
	}

	for _, action := range plan {
		if err := action.apply(ctx, event); err != nil {
			s.logger.Error("compensation action failed, manual remediation required",
				zap.String("merge_id", event.MergeID),
				zap.String("action", action.name),
				zap.Error(err))
			return
		}
		s.logger.Info("compensation action applied",
			zap.String("merge_id", event.MergeID),
			zap.String("action", action.name))
	}
}

func (s *Service) compensateMemberships(ctx context.Context, event Event) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.membershipEngine.rollback(ctx, tx, event.MergeID)
		return err
	})
}

func (s *Service) compensateMessages(ctx context.Context, event Event) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.messageEngine.rollback(ctx, tx, event.MergeID)
		return err
	})
}

func (s *Service) compensateUnlockRooms(ctx context.Context, event Event) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, roomID := range append([]string{event.TargetRoomID}, event.SourceRoomIDs...) {
			if err := setRoomStatus(tx, roomID, rooms.RoomStatusActive); err != nil {
				return err
			}
		}
		return nil
	})
}

// runForStep loads the run fresh and decides whether this delivery still has
// work to do. Terminal runs and steps the run already reached are duplicates
// of an earlier delivery and are skipped, which keeps the step pointer
// monotonic under at-least-once delivery.
func (s *Service) runForStep(tx *gorm.DB, mergeID string, next Step) (Run, bool, error) {
	var run Run
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("merge_id = ?", mergeID).
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, false, newServiceError(opHandleEvent, "run_not_found", ErrRunNotFound)
	}
	if err != nil {
		return Run{}, false, newServiceError(opHandleEvent, "run_query_failed", err)
	}

	if run.Status != RunStatusInProgress {
		s.logger.Warn("skipping event for terminal run",
			zap.String("merge_id", mergeID),
			zap.String("status", string(run.Status)))
		return run, true, nil
	}
	if stepOrdinal(run.CurrentStep) >= stepOrdinal(next) {
		s.logger.Warn("skipping duplicate step delivery",
			zap.String("merge_id", mergeID),
			zap.String("current_step", string(run.CurrentStep)),
			zap.String("next_step", string(next)))
		return run, true, nil
	}
	return run, false, nil
}

func (s *Service) advanceRun(tx *gorm.DB, mergeID string, step Step) error {
	return tx.Model(&Run{}).
		Where("merge_id = ?", mergeID).
		Update("current_step", step).Error
}

// failStep surfaces a step failure as a FAILED lifecycle event. When the
// channel itself is down the run is stamped directly so status queries still
// reflect the failure.
func (s *Service) failStep(ctx context.Context, event Event, step Step, cause error) error {
	s.logError(opHandleEvent, "step_failed", cause,
		zap.String("merge_id", event.MergeID),
		zap.String("step", string(step)))

	failed := Event{
		Type:          EventMergeFailed,
		MergeID:       event.MergeID,
		TargetRoomID:  event.TargetRoomID,
		SourceRoomIDs: event.SourceRoomIDs,
		FailedStep:    string(step),
		FailureReason: cause.Error(),
	}
	if err := s.publisher.Publish(ctx, failed); err != nil {
		s.logError(opHandleEvent, "failed_publish_failed", err, zap.String("merge_id", event.MergeID))
		s.markRunFailed(ctx, event.MergeID, step, cause)
	}
	return newServiceError(opHandleEvent, "step_failed", cause)
}

func (s *Service) markRunFailed(ctx context.Context, mergeID string, step Step, cause error) {
	if err := s.db.WithContext(ctx).Model(&Run{}).
		Where("merge_id = ? AND status = ?", mergeID, RunStatusInProgress).
		Updates(map[string]any{
			"status":         RunStatusFailed,
			"failed_step":    string(step),
			"failure_reason": cause.Error(),
		}).Error; err != nil {
		s.logError(opHandleEvent, "mark_failed_failed", err, zap.String("merge_id", mergeID))
	}
}

func setRoomStatus(tx *gorm.DB, roomID string, status rooms.RoomStatus) error {
	result := tx.Model(&rooms.Room{}).
		Where("room_id = ?", roomID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", rooms.ErrRoomNotFound, roomID)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("merge service error", attrs...)
}
