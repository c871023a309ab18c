// Package db opens the durable store and keeps its schema current.
package db

import (
	"fmt"

	"github.com/hakancinelii/whatistaspp/internal/config"
	"github.com/hakancinelii/whatistaspp/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a GORM connection using the configured driver.
func Connect(cfg config.DBConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	switch cfg.Driver {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		db, err := gorm.Open(mysql.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
		}
		return db, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Path), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: open %s: %w", cfg.Path, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// AllModels returns every model the schema knows about, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Customer{},
		&models.Message{},
		&models.SentMessage{},
		&models.AutoReply{},
		&models.TransferJob{},
		&models.JobInteraction{},
		&models.DriverFilter{},
		&models.DiscoveredGroup{},
		&models.ScheduledBroadcast{},
	}
}

// Migrate creates or updates all core tables. The users and customers tables
// are shared with the dashboard CRUD layer; migrating them here keeps a fresh
// deployment usable without that layer.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
