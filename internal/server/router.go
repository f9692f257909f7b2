package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/parleylabs/parley/internal/auth"
	"github.com/parleylabs/parley/internal/merge"
	"github.com/parleylabs/parley/internal/messages"
	"github.com/parleylabs/parley/internal/rooms"
	"go.uber.org/zap"
)

const serviceIDContextKey = "parley_service_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRoomsService  = errors.New("rooms service dependency required")
	errMissingMergeService  = errors.New("merge service dependency required")
	errMissingMessageStore  = errors.New("message store dependency required")
	errMissingIDProvider    = errors.New("id provider dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager grants and validates service tokens.
type TokenManager interface {
	GrantToken(ctx context.Context, apiKey, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// MessageStore is the slice of the document store the API uses directly.
type MessageStore interface {
	Insert(ctx context.Context, message messages.Message) error
	ListByRoom(ctx context.Context, roomID string) ([]messages.Message, error)
}

// IDProvider issues message identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	TokenManager TokenManager
	RoomsService *rooms.Service
	MergeService *merge.Service
	Messages     MessageStore
	IDProvider   IDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.RoomsService == nil {
		return nil, errMissingRoomsService
	}
	if deps.MergeService == nil {
		return nil, errMissingMergeService
	}
	if deps.Messages == nil {
		return nil, errMissingMessageStore
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenManager,
		roomsService: deps.RoomsService,
		mergeService: deps.MergeService,
		messages:     deps.Messages,
		idProvider:   deps.IDProvider,
		clock:        clock,
		logger:       logger,
	}

	router.POST("/auth/token", handler.handleTokenGrant)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/rooms", handler.handleCreateRoom)
	protected.GET("/rooms/:id", handler.handleGetRoom)
	protected.POST("/rooms/:id/join", handler.handleJoinRoom)
	protected.POST("/rooms/:id/leave", handler.handleLeaveRoom)
	protected.GET("/rooms/:id/members", handler.handleListMembers)
	protected.POST("/rooms/:id/messages", handler.handleSendMessage)
	protected.GET("/rooms/:id/messages", handler.handleListMessages)
	protected.POST("/merges", handler.handleInitiateMerge)
	protected.GET("/merges/:id", handler.handleGetMerge)
	protected.POST("/merges/:id/validate", handler.handleValidateMerge)

	return router, nil
}

type httpHandler struct {
	tokens       TokenManager
	roomsService *rooms.Service
	mergeService *merge.Service
	messages     MessageStore
	idProvider   IDProvider
	clock        func() time.Time
	logger       *zap.Logger
}

type tokenRequestPayload struct {
	APIKey  string `json:"api_key"`
	Service string `json:"service"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenGrant(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Service) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.GrantToken(c.Request.Context(), request.APIKey, strings.TrimSpace(request.Service))
	if errors.Is(err, auth.ErrInvalidAPIKey) {
		h.logger.Warn("token grant rejected", zap.String("service", request.Service))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("failed to issue service token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type createRoomPayload struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

type roomResponsePayload struct {
	RoomID    string    `json:"room_id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func roomResponse(room rooms.Room) roomResponsePayload {
	return roomResponsePayload{
		RoomID:    room.RoomID,
		Name:      room.Name,
		OwnerID:   room.OwnerID,
		Status:    string(room.Status),
		CreatedAt: room.CreatedAt,
	}
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request createRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ownerID, err := rooms.NewUserID(request.OwnerID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_owner_id"})
		return
	}

	room, err := h.roomsService.CreateRoom(c.Request.Context(), strings.TrimSpace(request.Name), ownerID)
	if err != nil {
		h.logger.Error("failed to create room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, roomResponse(room))
}

func (h *httpHandler) handleGetRoom(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}

	room, err := h.roomsService.GetRoom(c.Request.Context(), roomID)
	if errors.Is(err, rooms.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, roomResponse(room))
}

type membershipRequestPayload struct {
	UserID string `json:"user_id"`
}

type membershipResponsePayload struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

func membershipResponse(membership rooms.Membership) membershipResponsePayload {
	return membershipResponsePayload{
		RoomID:   membership.RoomID,
		UserID:   membership.UserID,
		Role:     string(membership.Role),
		JoinedAt: membership.JoinedAt,
	}
}

func (h *httpHandler) bindMembershipRequest(c *gin.Context) (rooms.RoomID, rooms.UserID, bool) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return "", "", false
	}
	var request membershipRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", "", false
	}
	userID, err := rooms.NewUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return "", "", false
	}
	return roomID, userID, true
}

func (h *httpHandler) handleJoinRoom(c *gin.Context) {
	roomID, userID, ok := h.bindMembershipRequest(c)
	if !ok {
		return
	}

	membership, err := h.roomsService.JoinRoom(c.Request.Context(), roomID, userID)
	switch {
	case errors.Is(err, rooms.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
	case errors.Is(err, rooms.ErrRoomNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "room_not_active"})
	case errors.Is(err, rooms.ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "already_member"})
	case err != nil:
		h.logger.Error("failed to join room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "join_failed"})
	default:
		c.JSON(http.StatusCreated, membershipResponse(membership))
	}
}

func (h *httpHandler) handleLeaveRoom(c *gin.Context) {
	roomID, userID, ok := h.bindMembershipRequest(c)
	if !ok {
		return
	}

	err := h.roomsService.LeaveRoom(c.Request.Context(), roomID, userID)
	switch {
	case errors.Is(err, rooms.ErrNotMember):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_member"})
	case err != nil:
		h.logger.Error("failed to leave room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leave_failed"})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}

	members, err := h.roomsService.ListMembers(c.Request.Context(), roomID)
	if err != nil {
		h.logger.Error("failed to list members", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	response := make([]membershipResponsePayload, 0, len(members))
	for _, membership := range members {
		response = append(response, membershipResponse(membership))
	}
	c.JSON(http.StatusOK, gin.H{"members": response})
}

type sendMessagePayload struct {
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

type messageResponsePayload struct {
	ID     string    `json:"id"`
	RoomID string    `json:"room_id"`
	Sender string    `json:"sender"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sent_at"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	var request sendMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Sender) == "" ||
		strings.TrimSpace(request.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	room, err := h.roomsService.GetRoom(c.Request.Context(), roomID)
	if errors.Is(err, rooms.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	if room.Status != rooms.RoomStatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "room_not_active"})
		return
	}

	messageID, err := h.idProvider.NewID()
	if err != nil {
		h.logger.Error("failed to generate message id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "send_failed"})
		return
	}
	message := messages.Message{
		ID:     messageID,
		RoomID: roomID.String(),
		Sender: strings.TrimSpace(request.Sender),
		Body:   request.Body,
		SentAt: h.clock().UTC(),
	}
	if err := h.messages.Insert(c.Request.Context(), message); err != nil {
		h.logger.Error("failed to store message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "send_failed"})
		return
	}

	c.JSON(http.StatusCreated, messageResponsePayload{
		ID:     message.ID,
		RoomID: message.RoomID,
		Sender: message.Sender,
		Body:   message.Body,
		SentAt: message.SentAt,
	})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	roomID, err := rooms.NewRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}

	stored, err := h.messages.ListByRoom(c.Request.Context(), roomID.String())
	if err != nil {
		h.logger.Error("failed to list messages", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}

	response := make([]messageResponsePayload, 0, len(stored))
	for _, message := range stored {
		response = append(response, messageResponsePayload{
			ID:     message.ID,
			RoomID: message.RoomID,
			Sender: message.Sender,
			Body:   message.Body,
			SentAt: message.SentAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": response})
}

type initiateMergePayload struct {
	TargetRoomID  string   `json:"target_room_id"`
	SourceRoomIDs []string `json:"source_room_ids"`
}

type mergeResponsePayload struct {
	MergeID       string   `json:"merge_id"`
	TargetRoomID  string   `json:"target_room_id"`
	SourceRoomIDs []string `json:"source_room_ids"`
	CurrentStep   string   `json:"current_step"`
	Status        string   `json:"status"`
	FailedStep    string   `json:"failed_step,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
}

func (h *httpHandler) mergeResponse(run merge.Run) mergeResponsePayload {
	sourceRoomIDs, err := run.SourceRoomIDs()
	if err != nil {
		h.logger.Warn("undecodable source room list", zap.String("merge_id", run.MergeID), zap.Error(err))
	}
	return mergeResponsePayload{
		MergeID:       run.MergeID,
		TargetRoomID:  run.TargetRoomID,
		SourceRoomIDs: sourceRoomIDs,
		CurrentStep:   string(run.CurrentStep),
		Status:        string(run.Status),
		FailedStep:    run.FailedStep,
		FailureReason: run.FailureReason,
	}
}

func (h *httpHandler) handleInitiateMerge(c *gin.Context) {
	var request initiateMergePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	run, err := h.mergeService.InitiateMerge(c.Request.Context(), merge.Request{
		TargetRoomID:  request.TargetRoomID,
		SourceRoomIDs: request.SourceRoomIDs,
		InitiatedBy:   c.GetString(serviceIDContextKey),
	})
	switch {
	case errors.Is(err, merge.ErrBlankIdentifier),
		errors.Is(err, merge.ErrNoSourceRooms),
		errors.Is(err, merge.ErrDuplicateSourceRoom),
		errors.Is(err, merge.ErrTargetIsSource):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.Error("failed to initiate merge", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "initiate_failed"})
	default:
		c.JSON(http.StatusAccepted, h.mergeResponse(run))
	}
}

func (h *httpHandler) handleGetMerge(c *gin.Context) {
	run, err := h.mergeService.GetRun(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if errors.Is(err, merge.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "merge_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load merge run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	}
	c.JSON(http.StatusOK, h.mergeResponse(run))
}

func (h *httpHandler) handleValidateMerge(c *gin.Context) {
	err := h.mergeService.Validate(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	switch {
	case errors.Is(err, merge.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "merge_not_found"})
	case errors.Is(err, merge.ErrValidationFailed):
		c.JSON(http.StatusConflict, gin.H{"valid": false, "error": err.Error()})
	case err != nil:
		h.logger.Error("merge validation errored", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validate_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"valid": true})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(serviceIDContextKey, subject)
	c.Next()
}
