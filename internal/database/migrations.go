package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationUppercaseRoomCodes = "2026-10-01_uppercase_room_codes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationUppercaseRoomCodes, apply: uppercaseRoomCodes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// uppercaseRoomCodes canonicalizes codes written before input normalization.
// Rows whose uppercase form is already taken are left alone, and of several
// rows sharing one uppercase form only the lowest id is converted.
func uppercaseRoomCodes(db *gorm.DB) error {
	return db.Exec(`UPDATE rooms SET code = UPPER(code)
WHERE code <> UPPER(code)
AND UPPER(code) NOT IN (SELECT code FROM (SELECT code FROM rooms) AS existing)
AND id IN (
	SELECT MIN(id) FROM (SELECT id, code FROM rooms) AS candidates
	WHERE code <> UPPER(code)
	GROUP BY UPPER(code)
)`).Error
}
