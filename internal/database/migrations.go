package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vellumnotes/vellum/internal/entity"
)

const migrationBackfillTagNameKeys = "2026-06-14_backfill_tag_name_keys"

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

var deviceMigrations = []migrationDefinition{
	{name: migrationBackfillTagNameKeys, apply: backfillTagNameKeys},
}

// The ledger schema has needed no repairs yet; the runner still executes so
// the record table exists when the first one lands.
var authorityMigrations []migrationDefinition

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
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

// backfillTagNameKeys derives the normalized uniqueness key for tag rows
// written before the key column existed. The SQL lower() covers ASCII only;
// rows with non-ASCII names are rewritten through the Go normalizer.
func backfillTagNameKeys(db *gorm.DB) error {
	var tags []entity.Tag
	if err := db.Where("name_key = ''").Find(&tags).Error; err != nil {
		return err
	}
	for _, tag := range tags {
		key := entity.TagNameKey(tag.Name)
		if err := db.Model(&entity.Tag{}).
			Where("id = ?", tag.ID).
			Update("name_key", key).Error; err != nil {
			return err
		}
	}
	return nil
}
