package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/backend/internal/clipboard"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillContentHash = "backfill_clipboard_content_hash"
	backfillBatchSize            = 500
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
		{name: migrationBackfillContentHash, apply: backfillContentHash},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillContentHash fills content_hash for rows written before the column existed.
func backfillContentHash(db *gorm.DB) error {
	for {
		var items []clipboard.Item
		err := db.Select("item_id", "content").
			Where("content_hash = '' OR content_hash IS NULL").
			Limit(backfillBatchSize).
			Find(&items).Error
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			err := db.Model(&clipboard.Item{}).
				Where("item_id = ?", item.ItemID).
				UpdateColumn("content_hash", clipboard.HashContent(item.Content)).Error
			if err != nil {
				return err
			}
		}
	}
}
