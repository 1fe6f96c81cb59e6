package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/blobs"
	"github.com/MarcoPoloResearchLab/cliproom/internal/realtime"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	fieldTextContent = "text_content"
	fieldImageURL    = "image_url"

	// DefaultMaxBlobBytes bounds a single uploaded object.
	DefaultMaxBlobBytes = 10 << 20
)

var (
	errMissingRoomService = errors.New("room service dependency required")
	errMissingBlobStore   = errors.New("blob store dependency required")
	errMissingRealtime    = errors.New("realtime notifier dependency required")
)

// RoomService is the room lifecycle surface exposed over HTTP.
type RoomService interface {
	CreateRoom(ctx context.Context) (rooms.Room, error)
	ResolveRoom(ctx context.Context, rawCode string) (rooms.Room, error)
	UpdateRoom(ctx context.Context, code rooms.Code, patch rooms.Patch) (rooms.Room, error)
	ExpiredCount(ctx context.Context) (int64, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// BlobStore is the object storage served under /blobs/.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
	Stat(key string) (blobs.Object, error)
}

type Dependencies struct {
	Rooms             RoomService
	Blobs             BlobStore
	Realtime          realtime.Notifier
	MaxBlobBytes      int64
	RateLimit         RateLimitConfig
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRoomService
	}
	if deps.Blobs == nil {
		return nil, errMissingBlobStore
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBlobBytes := deps.MaxBlobBytes
	if maxBlobBytes <= 0 {
		maxBlobBytes = DefaultMaxBlobBytes
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	if limiter := newClientRateLimiter(deps.RateLimit); limiter != nil {
		router.Use(limiter.middleware(logger))
	}

	handler := &httpHandler{
		rooms:        deps.Rooms,
		blobs:        deps.Blobs,
		realtime:     deps.Realtime,
		maxBlobBytes: maxBlobBytes,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	router.POST("/rooms", handler.handleCreateRoom)
	router.GET("/rooms/:code", handler.handleGetRoom)
	router.PATCH("/rooms/:code", handler.handleUpdateRoom)
	router.GET("/rooms/:code/events", handler.handleRoomEvents)
	router.GET("/rooms/:code/ws", handler.handleRoomWebSocket)

	router.PUT("/blobs/:code/:name", handler.handlePutBlob)
	router.GET("/blobs/:code/:name", handler.handleGetBlob)
	router.HEAD("/blobs/:code/:name", handler.handleGetBlob)
	router.DELETE("/blobs/:code/:name", handler.handleDeleteBlob)

	router.GET("/maintenance/expired", handler.handleExpiredCount)
	router.POST("/maintenance/sweep", handler.handleSweep)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	rooms        RoomService
	blobs        BlobStore
	realtime     realtime.Notifier
	maxBlobBytes int64
	heartbeat    time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	room, err := h.rooms.CreateRoom(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *httpHandler) handleGetRoom(c *gin.Context) {
	room, err := h.rooms.ResolveRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *httpHandler) handleUpdateRoom(c *gin.Context) {
	code, err := rooms.NewCode(c.Param("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_code"})
		return
	}

	var request map[string]json.RawMessage
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	patch, errorCode := parsePatch(request)
	if errorCode != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCode})
		return
	}

	room, err := h.rooms.UpdateRoom(c.Request.Context(), code, patch)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// parsePatch maps a JSON object onto a column patch. A key that is absent
// leaves its column alone, JSON null or "" clears it.
func parsePatch(request map[string]json.RawMessage) (rooms.Patch, string) {
	var patch rooms.Patch
	for key, raw := range request {
		update, ok := parseFieldUpdate(raw)
		if !ok {
			return rooms.Patch{}, "invalid_field_value"
		}
		switch key {
		case fieldTextContent:
			patch.TextContent = update
		case fieldImageURL:
			patch.ImageURL = update
		default:
			return rooms.Patch{}, "unknown_field"
		}
	}
	if patch.Empty() {
		return rooms.Patch{}, "empty_patch"
	}
	return patch, ""
}

func parseFieldUpdate(raw json.RawMessage) (*rooms.FieldUpdate, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return &rooms.FieldUpdate{}, true
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}
	if value == "" {
		return &rooms.FieldUpdate{}, true
	}
	return &rooms.FieldUpdate{Value: &value}, true
}

func (h *httpHandler) handleExpiredCount(c *gin.Context) {
	count, err := h.rooms.ExpiredCount(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": count})
}

func (h *httpHandler) handleSweep(c *gin.Context) {
	deleted, err := h.rooms.SweepExpired(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status, errorCode := classifyServiceError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("room request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	body := gin.H{"error": errorCode}
	var serviceErr *rooms.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	c.JSON(status, body)
}

func classifyServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, rooms.ErrInvalidCode):
		return http.StatusBadRequest, "invalid_room_code"
	case errors.Is(err, rooms.ErrRoomNotFound):
		return http.StatusNotFound, "room_not_found"
	case errors.Is(err, rooms.ErrRoomCreation):
		return http.StatusServiceUnavailable, "room_creation_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
