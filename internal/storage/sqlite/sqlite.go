// Package sqlite implements the storage.Store interface using SQLite via
// GORM. Uses modernc.org/sqlite (pure Go, no CGO) through the
// glebarez/sqlite GORM driver.
//
// Differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - no connection pooling (single file, WAL handles concurrency)
//
// The repository itself is shared with the PostgreSQL backend; GORM's
// SQLite dialect handles the SQL differences transparently.
package sqlite

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/mlinzi/internal/storage"
	pgstore "github.com/jkaninda/mlinzi/internal/storage/postgres"
)

// Open creates a SQLite-backed storage.Store at the configured path.
// Call Migrate before first use.
func Open(cfg storage.SQLiteConfig, retention int, slogger *slog.Logger) (*pgstore.Repo, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), pgstore.GormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY under concurrent CAS writes.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	slogger.Info("sqlite store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journalMode),
	)
	return pgstore.NewRepo(db, retention, storage.DriverSQLite), nil
}
