package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"branch-ledger/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenLocal opens the branch SQLite store. The file survives unclean
// termination: WAL journal with synchronous=FULL makes every committed
// transaction durable before Commit returns.
func OpenLocal(path string, gormLogger logger.Interface) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	// pragmas go in the DSN so every pooled connection gets them
	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	// one connection serializes writers; SQLite allows a single writer anyway
	sqlDB.SetMaxOpenConns(1)

	log.Info().Str("path", path).Msg("local store opened")
	return db, nil
}

// OpenCloud opens the central Postgres ledger.
func OpenCloud(dsn string, gormLogger logger.Interface) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	log.Info().Msg("cloud ledger connected")
	return db, nil
}

// MigrateLocal creates the branch tables.
func MigrateLocal(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.FinancialEntry{},
		&models.SyncRun{},
	); err != nil {
		return fmt.Errorf("migrate local store: %w", err)
	}
	return nil
}

// MigrateCloud creates the central ledger tables.
func MigrateCloud(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Branch{},
		&models.LedgerRecord{},
	); err != nil {
		return fmt.Errorf("migrate cloud ledger: %w", err)
	}
	return nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
