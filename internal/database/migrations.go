package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropShadowedItems      = "2026-09-02_drop_items_shadowed_by_tombstones"
	migrationStampOutboxBaseVersion = "2026-10-18_stamp_outbox_base_version"
)

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
		{name: migrationDropShadowedItems, apply: dropItemsShadowedByTombstones},
		{name: migrationStampOutboxBaseVersion, apply: stampOutboxBaseVersion},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// dropItemsShadowedByTombstones removes local rows whose metadata already records a deletion.
func dropItemsShadowedByTombstones(db *gorm.DB) error {
	return db.Exec(`DELETE FROM local_items WHERE EXISTS (
		SELECT 1 FROM model_metadata
		WHERE model_metadata.model_name = local_items.model_name
		AND model_metadata.item_id = local_items.item_id
		AND model_metadata.deleted = 1)`).Error
}

// stampOutboxBaseVersion gives updates and deletes queued before base_version
// existed the stored remote version of their item. Records of unknown or
// tombstoned items keep zero.
func stampOutboxBaseVersion(db *gorm.DB) error {
	return db.Exec(`UPDATE mutation_outbox SET base_version = (
		SELECT model_metadata.version FROM model_metadata
		WHERE model_metadata.model_name = mutation_outbox.model_name
		AND model_metadata.item_id = mutation_outbox.item_id)
	WHERE base_version = 0
	AND change_type IN ('UPDATE', 'DELETE')
	AND EXISTS (
		SELECT 1 FROM model_metadata
		WHERE model_metadata.model_name = mutation_outbox.model_name
		AND model_metadata.item_id = mutation_outbox.item_id
		AND model_metadata.deleted = 0)`).Error
}
