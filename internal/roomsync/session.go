package roomsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("room store is required")
	errMissingNotifier = errors.New("notifier is required")
	errMissingBlobs    = errors.New("blob store is required")
)

type SessionConfig struct {
	Code     rooms.Code
	Store    RoomStore
	Notifier Notifier
	Timeout  time.Duration
	Logger   *zap.Logger
}

type listener struct {
	id int64
	fn func(rooms.Room)
}

// Session keeps one client's view of a room in step with the backend: a
// baseline point read, then full-row replacement from the room channel.
type Session struct {
	code     rooms.Code
	store    RoomStore
	notifier Notifier
	timeout  time.Duration
	logger   *zap.Logger

	// delivery is held for the whole of apply so Close can wait out a
	// delivery already past its closed check.
	delivery sync.Mutex

	mu           sync.Mutex
	snapshot     rooms.Room
	listeners    []listener
	nextListener int64
	subscription Subscription
	closed       bool
}

// OpenSession fetches the room and subscribes to its channel.
func OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Notifier == nil {
		return nil, errMissingNotifier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	session := &Session{
		code:     cfg.Code,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		timeout:  timeoutOrDefault(cfg.Timeout),
		logger:   logger.With(zap.String("room_code", cfg.Code.String())),
	}

	baseline, err := session.fetch(ctx)
	if err != nil {
		return nil, err
	}
	session.snapshot = baseline

	subscribeCtx, cancel := context.WithTimeout(ctx, session.timeout)
	defer cancel()
	subscription, err := cfg.Notifier.Subscribe(subscribeCtx, cfg.Code, session.apply)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe to room %s: %w", ErrNetwork, cfg.Code, err)
	}
	session.subscription = subscription
	session.logger.Debug("room session opened")
	return session, nil
}

// Code returns the room code the session is bound to.
func (s *Session) Code() rooms.Code {
	return s.code
}

// Snapshot returns the latest known row.
func (s *Session) Snapshot() rooms.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// OnUpdate registers fn for every applied snapshot and returns its removal func.
func (s *Session) OnUpdate(fn func(rooms.Room)) func() {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for index, registered := range s.listeners {
			if registered.id == id {
				s.listeners = append(s.listeners[:index], s.listeners[index+1:]...)
				return
			}
		}
	}
}

// Refresh re-runs the point read and applies it. It is the recovery path
// when the subscription appears stalled.
func (s *Session) Refresh(ctx context.Context) (rooms.Room, error) {
	if s.isClosed() {
		return rooms.Room{}, ErrSessionClosed
	}
	room, err := s.fetch(ctx)
	if err != nil {
		return rooms.Room{}, err
	}
	s.apply(room)
	return room, nil
}

// Close unsubscribes. No listener is invoked after Close returns. It must not
// be called from a listener.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subscription := s.subscription
	s.mu.Unlock()

	if subscription != nil {
		subscription.Close()
	}
	s.delivery.Lock()
	s.delivery.Unlock() //nolint:staticcheck
	s.logger.Debug("room session closed")
}

// apply replaces the whole snapshot; fields are never merged.
func (s *Session) apply(room rooms.Room) {
	s.delivery.Lock()
	defer s.delivery.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.snapshot = room
	listeners := make([]listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, registered := range listeners {
		registered.fn(room)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) fetch(ctx context.Context) (rooms.Room, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	room, err := s.store.Get(fetchCtx, s.code)
	if err != nil {
		if errors.Is(err, rooms.ErrRoomNotFound) {
			return rooms.Room{}, err
		}
		return rooms.Room{}, fmt.Errorf("%w: fetch room %s: %w", ErrNetwork, s.code, err)
	}
	return room, nil
}
