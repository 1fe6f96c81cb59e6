package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannelPrefix = "cliproom:room:"

var errMissingRedisClient = errors.New("redis client is required")

// InitRedis parses the URL and verifies the server answers a ping.
func InitRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return client, nil
}

type RedisNotifierConfig struct {
	Client        *redis.Client
	ChannelPrefix string
	Logger        *zap.Logger
}

// RedisNotifier fans room rows out through Redis pub/sub so several server
// instances share one notification channel per room.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisNotifier(cfg RedisNotifierConfig) (*RedisNotifier, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: cfg.Client, prefix: prefix, logger: logger}, nil
}

func (n *RedisNotifier) channel(code rooms.Code) string {
	return n.prefix + code.String()
}

// Publish implements rooms.Publisher.
func (n *RedisNotifier) Publish(ctx context.Context, room rooms.Room) error {
	payload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("realtime: encode room %s: %w", room.Code, err)
	}
	if err := n.client.Publish(ctx, n.channel(rooms.Code(room.Code)), payload).Err(); err != nil {
		return fmt.Errorf("realtime: publish room %s: %w", room.Code, err)
	}
	return nil
}

// Subscribe implements Notifier. It returns once Redis has confirmed the subscription.
func (n *RedisNotifier) Subscribe(ctx context.Context, code rooms.Code, onUpdate func(rooms.Room)) (Subscription, error) {
	pubsub := n.client.Subscribe(ctx, n.channel(code))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("realtime: subscribe room %s: %w", code, err)
	}

	stream := make(chan rooms.Room, defaultBufferSize)
	subscription := NewStreamSubscription(onUpdate, func() {
		_ = pubsub.Close()
	})

	go func() {
		defer close(stream)
		for message := range pubsub.Channel() {
			var room rooms.Room
			if err := json.Unmarshal([]byte(message.Payload), &room); err != nil {
				n.logger.Warn("discarding undecodable room event",
					zap.String("channel", message.Channel),
					zap.Error(err))
				continue
			}
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
