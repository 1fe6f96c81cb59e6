package rooms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultRetention is how long a room lives after creation.
const DefaultRetention = 24 * time.Hour

// DefaultMaxCreateAttempts bounds code regeneration after collisions.
const DefaultMaxCreateAttempts = 5

// CodeAlphabet excludes the visually confusable 0/O and 1/I.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingStore      = errors.New("room store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errEmptyPatch        = errors.New("patch changes no fields")
	noOpLogger           = zap.NewNop()
)

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
	opServiceNew    = "rooms.service.new"
	opCreateRoom    = "rooms.create_room"
	opResolveRoom   = "rooms.resolve_room"
	opUpdateRoom    = "rooms.update_room"
	opSweepExpired  = "rooms.sweep_expired"
	opExpiredCount  = "rooms.expired_count"
	fieldRoomCode   = "room_code"
	reasonNotFound  = "not_found"
	reasonQueryFail = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Publisher delivers committed room rows to subscribers of the room channel.
type Publisher interface {
	Publish(ctx context.Context, room Room) error
}

// IDProvider issues surrogate row identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// CodeGenerator produces candidate room codes.
type CodeGenerator func() (Code, error)

type ServiceConfig struct {
	Store             Store
	Publisher         Publisher
	Clock             func() time.Time
	IDProvider        IDProvider
	CodeGenerator     CodeGenerator
	Retention         time.Duration
	MaxCreateAttempts int
	Logger            *zap.Logger
}

// Service is the room lifecycle manager.
type Service struct {
	store             Store
	publisher         Publisher
	clock             func() time.Time
	idProvider        IDProvider
	generateCode      CodeGenerator
	retention         time.Duration
	maxCreateAttempts int
	logger            *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	generator := cfg.CodeGenerator
	if generator == nil {
		generator = GenerateCode
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	attempts := cfg.MaxCreateAttempts
	if attempts <= 0 {
		attempts = DefaultMaxCreateAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:             cfg.Store,
		publisher:         cfg.Publisher,
		clock:             clock,
		idProvider:        cfg.IDProvider,
		generateCode:      generator,
		retention:         retention,
		maxCreateAttempts: attempts,
		logger:            logger,
	}, nil
}

// GenerateCode draws CodeLength characters from CodeAlphabet using crypto/rand.
func GenerateCode() (Code, error) {
	buffer := make([]byte, CodeLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("rooms: read random bytes: %w", err)
	}
	for index := range buffer {
		// the alphabet has 32 symbols so the modulo is unbiased
		buffer[index] = CodeAlphabet[int(buffer[index])%len(CodeAlphabet)]
	}
	return Code(buffer), nil
}

// CreateRoom inserts a fresh room, regenerating the code on collisions.
func (s *Service) CreateRoom(ctx context.Context) (Room, error) {
	var lastErr error
	for attempt := 1; attempt <= s.maxCreateAttempts; attempt++ {
		code, err := s.generateCode()
		if err != nil {
			s.logError(opCreateRoom, "code_generation_failed", err)
			return Room{}, newServiceError(opCreateRoom, "code_generation_failed", errors.Join(ErrRoomCreation, err))
		}
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateRoom, "id_generation_failed", err)
			return Room{}, newServiceError(opCreateRoom, "id_generation_failed", errors.Join(ErrRoomCreation, err))
		}

		now := s.clock().UTC()
		room, err := s.store.Insert(ctx, Room{
			ID:          id,
			Code:        code.String(),
			LastUpdated: now,
			CreatedAt:   now,
		})
		if err == nil {
			s.logger.Info("room created", zap.String(fieldRoomCode, room.Code), zap.Int("attempt", attempt))
			return room, nil
		}
		if !errors.Is(err, ErrDuplicateCode) {
			s.logError(opCreateRoom, "insert_failed", err, zap.String(fieldRoomCode, code.String()))
			return Room{}, newServiceError(opCreateRoom, "insert_failed", errors.Join(ErrRoomCreation, err))
		}
		lastErr = err
		s.logger.Warn("room code collision, regenerating",
			zap.String(fieldRoomCode, code.String()),
			zap.Int("attempt", attempt))
	}

	s.logError(opCreateRoom, "retries_exhausted", lastErr, zap.Int("attempts", s.maxCreateAttempts))
	return Room{}, newServiceError(opCreateRoom, "retries_exhausted", errors.Join(ErrRoomCreation, lastErr))
}

// ResolveRoom normalizes user input and looks the room up by exact code.
func (s *Service) ResolveRoom(ctx context.Context, rawCode string) (Room, error) {
	code, err := NewCode(rawCode)
	if err != nil {
		return Room{}, newServiceError(opResolveRoom, "invalid_code", err)
	}
	return s.Get(ctx, code)
}

// Get is the point read of the room store contract.
func (s *Service) Get(ctx context.Context, code Code) (Room, error) {
	room, err := s.store.Get(ctx, code)
	if errors.Is(err, ErrRoomNotFound) {
		return Room{}, newServiceError(opResolveRoom, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opResolveRoom, reasonQueryFail, err, zap.String(fieldRoomCode, code.String()))
		return Room{}, newServiceError(opResolveRoom, reasonQueryFail, err)
	}
	return room, nil
}

// Update commits the patched columns with the server clock, then publishes the
// committed row. The at argument is accepted for contract parity and ignored.
func (s *Service) Update(ctx context.Context, code Code, patch Patch, _ time.Time) error {
	_, err := s.UpdateRoom(ctx, code, patch)
	return err
}

// UpdateRoom commits the patch and returns the row that was published.
func (s *Service) UpdateRoom(ctx context.Context, code Code, patch Patch) (Room, error) {
	if patch.Empty() {
		return Room{}, newServiceError(opUpdateRoom, "empty_patch", errEmptyPatch)
	}
	if err := s.store.Update(ctx, code, patch, s.clock().UTC()); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return Room{}, newServiceError(opUpdateRoom, reasonNotFound, err)
		}
		s.logError(opUpdateRoom, "update_failed", err, zap.String(fieldRoomCode, code.String()))
		return Room{}, newServiceError(opUpdateRoom, "update_failed", err)
	}

	room, err := s.store.Get(ctx, code)
	if err != nil {
		// committed but unreadable; subscribers converge on their next refresh
		s.logError(opUpdateRoom, "reload_failed", err, zap.String(fieldRoomCode, code.String()))
		return Room{}, nil
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, room); err != nil {
			s.logger.Warn("room update publish failed",
				zap.String(fieldRoomCode, code.String()),
				zap.Error(err))
		}
	}
	return room, nil
}

// IsExpired reports whether the room has outlived the retention window.
func (s *Service) IsExpired(room Room, now time.Time) bool {
	return IsExpired(room, now, s.retention)
}

// IsExpired reports whether now is at least retention past the room's creation.
func IsExpired(room Room, now time.Time, retention time.Duration) bool {
	return now.Sub(room.CreatedAt) >= retention
}

// SweepExpired deletes rooms created before now minus the retention window.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	threshold := s.clock().UTC().Add(-s.retention)
	deleted, err := s.store.DeleteCreatedBefore(ctx, threshold)
	if err != nil {
		s.logError(opSweepExpired, "delete_failed", err)
		return 0, newServiceError(opSweepExpired, "delete_failed", err)
	}
	s.logger.Info("expired rooms swept", zap.Int64("deleted", deleted), zap.Time("threshold", threshold))
	return deleted, nil
}

// ExpiredCount reports how many rooms the next sweep would remove.
func (s *Service) ExpiredCount(ctx context.Context) (int64, error) {
	threshold := s.clock().UTC().Add(-s.retention)
	count, err := s.store.CountCreatedBefore(ctx, threshold)
	if err != nil {
		s.logError(opExpiredCount, reasonQueryFail, err)
		return 0, newServiceError(opExpiredCount, reasonQueryFail, err)
	}
	return count, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
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
	s.loggerOrDefault().Error("rooms service error", attrs...)
}
