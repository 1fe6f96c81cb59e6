package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/realtime"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	notifierBufferSize = 16
	notifierPongWait   = 60 * time.Second
)

// WebSocketNotifier subscribes to room channels over the server's /ws endpoint.
type WebSocketNotifier struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

type WebSocketNotifierConfig struct {
	BaseURL string
	Dialer  *websocket.Dialer
	Logger  *zap.Logger
}

func NewWebSocketNotifier(cfg WebSocketNotifierConfig) (*WebSocketNotifier, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	switch {
	case raw == "":
		return nil, errMissingBaseURL
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return nil, fmt.Errorf("client: unsupported server url %q", raw)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketNotifier{baseURL: raw, dialer: dialer, logger: logger}, nil
}

// Subscribe returns once the server has accepted the handshake.
func (n *WebSocketNotifier) Subscribe(ctx context.Context, code rooms.Code, onUpdate func(rooms.Room)) (realtime.Subscription, error) {
	endpoint := n.baseURL + "/rooms/" + code.String() + "/ws"
	conn, response, err := n.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", rooms.ErrRoomNotFound, code)
		}
		return nil, fmt.Errorf("client: dial room %s: %w", code, err)
	}

	stream := make(chan rooms.Room, notifierBufferSize)
	subscription := realtime.NewStreamSubscription(onUpdate, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})

	go func() {
		defer close(stream)
		_ = conn.SetReadDeadline(time.Now().Add(notifierPongWait))
		conn.SetPingHandler(func(payload string) error {
			_ = conn.SetReadDeadline(time.Now().Add(notifierPongWait))
			return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(time.Second))
		})
		for {
			var room rooms.Room
			if err := conn.ReadJSON(&room); err != nil {
				select {
				case <-subscription.Done():
				default:
					if !errors.Is(err, websocket.ErrCloseSent) {
						n.logger.Warn("room channel closed", zap.String("room_code", code.String()), zap.Error(err))
					}
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(notifierPongWait))
			select {
			case stream <- room:
			case <-subscription.Done():
				return
			}
		}
	}()
	go subscription.Pump(stream)

	return subscription, nil
}
