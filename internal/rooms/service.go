package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrRoomNotFound indicates that no room exists for the requested identifier.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrRoomNotActive indicates a membership change against a locked or archived room.
	ErrRoomNotActive = errors.New("rooms: room is not active")
	// ErrAlreadyMember indicates a duplicate join attempt.
	ErrAlreadyMember = errors.New("rooms: user is already a member")
	// ErrNotMember indicates a leave attempt by a non-member.
	ErrNotMember = errors.New("rooms: user is not a member")

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
	opServiceNew  = "rooms.service.new"
	opCreateRoom  = "rooms.create_room"
	opGetRoom     = "rooms.get_room"
	opJoinRoom    = "rooms.join_room"
	opLeaveRoom   = "rooms.leave_room"
	opListMembers = "rooms.list_members"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for newly created rooms.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the room service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns plain room and membership management outside of merges.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
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
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateRoom persists a new active room owned by the given user, with the
// owner registered as its first member.
func (s *Service) CreateRoom(ctx context.Context, name string, ownerID UserID) (Room, error) {
	roomID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateRoom, "id_generation_failed", err)
		return Room{}, newServiceError(opCreateRoom, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	room := Room{
		RoomID:  roomID,
		Name:    name,
		OwnerID: ownerID.String(),
		Status:  RoomStatusActive,
	}
	ownerMembership := Membership{
		RoomID:   roomID,
		UserID:   ownerID.String(),
		Role:     RoleOwner,
		JoinedAt: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return newServiceError(opCreateRoom, "room_insert_failed", err)
		}
		if err := tx.Create(&ownerMembership).Error; err != nil {
			return newServiceError(opCreateRoom, "membership_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateRoom, "transaction_failed", txErr, zap.String("room_id", roomID))
		return Room{}, txErr
	}

	s.logger.Info("room created",
		zap.String("room_id", roomID),
		zap.String("owner_id", ownerID.String()))
	return room, nil
}

// GetRoom loads a room by identifier.
func (s *Service) GetRoom(ctx context.Context, roomID RoomID) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID.String()).
		Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, newServiceError(opGetRoom, "not_found", ErrRoomNotFound)
	}
	if err != nil {
		s.logError(opGetRoom, "query_failed", err, zap.String("room_id", roomID.String()))
		return Room{}, newServiceError(opGetRoom, "query_failed", err)
	}
	return room, nil
}

// JoinRoom adds the user to an active room as a plain member.
func (s *Service) JoinRoom(ctx context.Context, roomID RoomID, userID UserID) (Membership, error) {
	membership := Membership{
		RoomID:   roomID.String(),
		UserID:   userID.String(),
		Role:     RoleMember,
		JoinedAt: s.clock().UTC(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room Room
		err := tx.Where("room_id = ?", roomID.String()).Take(&room).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opJoinRoom, "room_not_found", ErrRoomNotFound)
		}
		if err != nil {
			return newServiceError(opJoinRoom, "room_query_failed", err)
		}
		if room.Status != RoomStatusActive {
			return newServiceError(opJoinRoom, "room_not_active", ErrRoomNotActive)
		}

		var count int64
		if err := tx.Model(&Membership{}).
			Where("room_id = ? AND user_id = ?", roomID.String(), userID.String()).
			Count(&count).Error; err != nil {
			return newServiceError(opJoinRoom, "membership_query_failed", err)
		}
		if count > 0 {
			return newServiceError(opJoinRoom, "already_member", ErrAlreadyMember)
		}

		if err := tx.Create(&membership).Error; err != nil {
			return newServiceError(opJoinRoom, "membership_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opJoinRoom, "transaction_failed", txErr,
			zap.String("room_id", roomID.String()),
			zap.String("user_id", userID.String()))
		return Membership{}, txErr
	}

	return membership, nil
}

// LeaveRoom removes the user's membership from a room.
func (s *Service) LeaveRoom(ctx context.Context, roomID RoomID, userID UserID) error {
	result := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID.String(), userID.String()).
		Delete(&Membership{})
	if result.Error != nil {
		s.logError(opLeaveRoom, "delete_failed", result.Error,
			zap.String("room_id", roomID.String()),
			zap.String("user_id", userID.String()))
		return newServiceError(opLeaveRoom, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opLeaveRoom, "not_member", ErrNotMember)
	}
	return nil
}

// ListMembers returns all memberships of a room ordered by join time.
func (s *Service) ListMembers(ctx context.Context, roomID RoomID) ([]Membership, error) {
	var members []Membership
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID.String()).
		Order("joined_at ASC").
		Find(&members).Error; err != nil {
		s.logError(opListMembers, "query_failed", err, zap.String("room_id", roomID.String()))
		return nil, newServiceError(opListMembers, "query_failed", err)
	}
	return members, nil
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
	s.logger.Error("rooms service error", attrs...)
}
