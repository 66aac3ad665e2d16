package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/inkwell/internal/changelog"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenSQLite establishes a SQLite connection, installs the change log relations and runs
// schema migrations. A migration failure leaves the store unusable and is returned as is.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	// Connection-scoped; the update triggers stay single-shot through their updates guard.
	if err := db.Exec("PRAGMA recursive_triggers = 1").Error; err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := changelog.EnsureSchema(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := RunMigrations(db, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
