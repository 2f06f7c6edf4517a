package config

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DuvanRCuero/SmartFlow-Ai/models"
)

var DB *gorm.DB

// InitDB opens the database selected by DB_DRIVER and migrates the engine's
// tables. The sqlite driver is pure Go, so dev boxes and tests need no server.
func InitDB(config Config) error {
	var dialector gorm.Dialector
	switch config.DBDriver {
	case "mysql":
		dialector = mysql.Open(config.GetDBConnString())
	case "sqlite", "":
		dialector = sqlite.Open(config.SQLitePath)
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", config.DBDriver)
	}

	var err error
	DB, err = gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return err
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return Migrate(DB)
}

// Migrate creates or updates the engine's tables on db.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.User{},
		&models.Task{},
		&models.PlanStep{},
		&models.ProductivityLog{},
		&models.TelemetryRollup{},
		&models.ActivityLog{},
		&models.Suggestion{},
	)
	if err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}
