package db

import (
	"fmt"

	"github.com/zulandar/railbot/internal/config"
	"github.com/zulandar/railbot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model managed by railbot.
func AllModels() []interface{} {
	return []interface{}{
		&models.WorkItem{},
		&models.Session{},
		&models.Conversation{},
		&models.AIModel{},
		&models.Turn{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DropAll drops every railbot table. Used by `rb db reset` on sqlite, where
// there is no server-side database to drop.
func DropAll(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return nil
}

// SeedModels upserts the model catalog from configuration. Models missing
// from the configuration are disabled, not deleted, so sessions pointing at
// them can still be detected as invalid.
func SeedModels(db *gorm.DB, cfg config.ContentConfig) error {
	ids := make([]string, 0, len(cfg.Models))
	for _, mc := range cfg.Models {
		m := models.AIModel{
			ID:              mc.ID,
			Label:           mc.Label,
			Kind:            mc.Kind,
			SupportsContext: mc.ContextSupported(),
			IsDefault:       mc.ID == cfg.DefaultModel,
			Enabled:         true,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"label", "kind", "supports_context", "is_default", "enabled"}),
		}).Create(&m)
		if result.Error != nil {
			return fmt.Errorf("db: seed model %q: %w", mc.ID, result.Error)
		}
		ids = append(ids, mc.ID)
	}

	disable := db.Model(&models.AIModel{})
	if len(ids) > 0 {
		disable = disable.Where("id NOT IN ?", ids)
	} else {
		disable = disable.Where("1 = 1")
	}
	if err := disable.Update("enabled", false).Error; err != nil {
		return fmt.Errorf("db: disable stale models: %w", err)
	}
	return nil
}
