package database

import (
	"errors"
	"time"

	"github.com/tabulahq/tabula/backend/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPruneOrphanRowFields = "2026-06-09_prune_orphan_row_fields"

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
		{name: migrationPruneOrphanRowFields, apply: pruneOrphanRowFields},
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

// pruneOrphanRowFields removes field values whose owning row is gone. Early
// deletes removed rows without their fields in one non-transactional path;
// the store now deletes both together, this cleans up what that left behind.
func pruneOrphanRowFields(db *gorm.DB) error {
	return db.Where(
		"record_id NOT IN (?)",
		db.Model(&records.Row{}).Select("record_id"),
	).Delete(&records.RowField{}).Error
}
