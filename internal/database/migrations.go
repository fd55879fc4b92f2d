package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillEntryStateTimestamps = "2026-07-02_backfill_entry_state_timestamps"

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
		{name: migrationBackfillEntryStateTimestamps, apply: backfillEntryStateTimestamps},
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

// backfillEntryStateTimestamps repairs state rows written before the
// microsecond mutation stamp existed. A zero stamp keeps a row invisible to
// every cursor, so it is bumped to the owning entry's mutation time.
func backfillEntryStateTimestamps(db *gorm.DB) error {
	return db.Exec(`
UPDATE entry_states
SET updated_at_us = (SELECT e.updated_at_us FROM entries e WHERE e.id = entry_states.entry_id)
WHERE updated_at_us = 0
  AND EXISTS (SELECT 1 FROM entries e WHERE e.id = entry_states.entry_id)`).Error
}
