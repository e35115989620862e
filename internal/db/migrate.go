package db

import (
	"fmt"

	"github.com/zulandar/semaphore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Bot{},
		&models.TelegramUpdate{},
		&models.UpdateJob{},
		&models.Session{},
		&models.Turn{},
		&models.RunJob{},
		&models.CliEvent{},
		&models.SessionSummary{},
		&models.ActionToken{},
		&models.DeferredButtonAction{},
		&models.MetricCounter{},
		&models.AuditLog{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// UpsertBot writes or refreshes the Bot row at process start.
func UpsertBot(db *gorm.DB, bot models.Bot) error {
	result := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "bot_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "mode", "owner_user_id", "agent_name", "updated_at",
		}),
	}).Create(&bot)
	if result.Error != nil {
		return fmt.Errorf("db: upsert bot %q: %w", bot.BotID, result.Error)
	}
	return nil
}
