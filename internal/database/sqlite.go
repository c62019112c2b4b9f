package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/haulware/docsync/internal/mirror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the local mirror database and performs schema
// migrations. Access is single-writer, so one connection is enough.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&mirror.MirroredDocument{}, &mirror.PendingSyncRecord{}, &mirror.Setting{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("mirror database initialized", zap.String("path", path))
	}

	return db, nil
}
