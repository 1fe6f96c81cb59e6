package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	RealtimeEventRoomUpdate = "room-update"
	realtimeEventHeartbeat  = "heartbeat"
	realtimeSourceBackend   = "cliproom-backend"

	defaultHeartbeatInterval = 25 * time.Second
	streamBufferSize         = 16

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// rooms are public by code; the CORS policy is equally open
	CheckOrigin: func(*http.Request) bool { return true },
}

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// subscribeRoom resolves the room and opens a buffered local stream fed by the
// notifier. Slow consumers lose events; clients recover with a point read.
func (h *httpHandler) subscribeRoom(c *gin.Context) (rooms.Code, <-chan rooms.Room, func(), bool) {
	room, err := h.rooms.ResolveRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondServiceError(c, err)
		return "", nil, nil, false
	}
	code := rooms.Code(room.Code)

	updates := make(chan rooms.Room, streamBufferSize)
	subscription, err := h.realtime.Subscribe(c.Request.Context(), code, func(updated rooms.Room) {
		select {
		case updates <- updated:
		default:
			h.logger.Warn("room stream overflow, dropping update", zap.String("room_code", code.String()))
		}
	})
	if err != nil {
		h.logger.Error("room subscription failed", zap.String("room_code", code.String()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscription_failed"})
		return "", nil, nil, false
	}
	return code, updates, subscription.Close, true
}

func (h *httpHandler) handleRoomEvents(c *gin.Context) {
	code, updates, unsubscribe, ok := h.subscribeRoom(c)
	if !ok {
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("room event stream opened", zap.String("room_code", code.String()))
	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case room := <-updates:
			c.SSEvent(RealtimeEventRoomUpdate, room)
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: now.UTC()})
			return true
		}
	})
	h.logger.Debug("room event stream closed", zap.String("room_code", code.String()))
}

func (h *httpHandler) handleRoomWebSocket(c *gin.Context) {
	code, updates, unsubscribe, ok := h.subscribeRoom(c)
	if !ok {
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("room_code", code.String()), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.readWebSocket(conn, cancel)

	h.logger.Debug("room websocket opened", zap.String("room_code", code.String()))
	h.writeWebSocket(ctx, conn, updates)
	h.logger.Debug("room websocket closed", zap.String("room_code", code.String()))
}

// readWebSocket discards client frames and keeps the pong deadline fresh.
// It cancels the stream once the peer goes away.
func (h *httpHandler) readWebSocket(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
	}
}

func (h *httpHandler) writeWebSocket(ctx context.Context, conn *websocket.Conn, updates <-chan rooms.Room) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case room := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(room); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
