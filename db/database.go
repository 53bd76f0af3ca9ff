package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/einoworld/chunk-service/config"
	"github.com/einoworld/chunk-service/models"
)

// Init opens the ledger database and migrates the resource and chunk
// tables.
func Init(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database pool: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := gormDB.AutoMigrate(&models.Resource{}, &models.Chunk{}, &models.Lease{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	return gormDB, nil
}
