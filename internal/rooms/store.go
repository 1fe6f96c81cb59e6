package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	queryCode          = "code = ?"
	queryCreatedBefore = "created_at < ?"
)

// Store is the keyed room table used by the lifecycle manager.
type Store interface {
	Insert(ctx context.Context, room Room) (Room, error)
	Get(ctx context.Context, code Code) (Room, error)
	Update(ctx context.Context, code Code, patch Patch, at time.Time) error
	DeleteCreatedBefore(ctx context.Context, threshold time.Time) (int64, error)
	CountCreatedBefore(ctx context.Context, threshold time.Time) (int64, error)
}

// GormStore implements Store on top of a GORM connection.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps the provided database handle.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Insert creates a room row. A taken code yields ErrDuplicateCode.
func (s *GormStore) Insert(ctx context.Context, room Room) (Room, error) {
	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		if isDuplicateKeyError(err) {
			return Room{}, fmt.Errorf("%w: %s", ErrDuplicateCode, room.Code)
		}
		return Room{}, fmt.Errorf("gorm: insert room %s: %w", room.Code, err)
	}
	return room, nil
}

// Get loads a room by exact code.
func (s *GormStore) Get(ctx context.Context, code Code) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where(queryCode, code.String()).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("gorm: get room %s: %w", code, err)
	}
	return room, nil
}

// Update writes only the patched columns plus last_updated.
func (s *GormStore) Update(ctx context.Context, code Code, patch Patch, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&Room{}).
		Where(queryCode, code.String()).
		Updates(patch.columns(at))
	if result.Error != nil {
		return fmt.Errorf("gorm: update room %s: %w", code, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// DeleteCreatedBefore removes every room created strictly before threshold.
func (s *GormStore) DeleteCreatedBefore(ctx context.Context, threshold time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where(queryCreatedBefore, threshold).Delete(&Room{})
	if result.Error != nil {
		return 0, fmt.Errorf("gorm: delete rooms created before %s: %w", threshold.Format(time.RFC3339), result.Error)
	}
	return result.RowsAffected, nil
}

// CountCreatedBefore counts rooms created strictly before threshold.
func (s *GormStore) CountCreatedBefore(ctx context.Context, threshold time.Time) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Room{}).Where(queryCreatedBefore, threshold).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("gorm: count rooms created before %s: %w", threshold.Format(time.RFC3339), err)
	}
	return count, nil
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	// sqlite and postgres report unique violations differently
	return strings.Contains(message, "unique constraint") ||
		strings.Contains(message, "duplicate key") ||
		strings.Contains(message, "sqlstate 23505")
}
