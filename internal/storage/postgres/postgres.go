// Package postgres implements PostgreSQL-backed storage using GORM over a
// pgx connection. All GORM usage is confined to this package — domain
// types remain ORM-free.
package postgres

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/mlinzi/internal/storage"
)

// Open connects to PostgreSQL through pgx, configures the pool, and wraps
// the connection as a storage.Store. Call Migrate before first use.
func Open(cfg storage.PostgresConfig, retention int, slogger *slog.Logger) (*Repo, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	maxLifetime := time.Duration(cfg.ConnMaxLifetimeS) * time.Second
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	db, err := gorm.Open(gormpg.New(gormpg.Config{Conn: sqlDB}), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	slogger.Info("postgres store opened",
		slog.Int("max_open_conns", maxOpen),
		slog.Int("max_idle_conns", maxIdle),
	)
	return NewRepo(db, retention, storage.DriverPostgres), nil
}

// gormConfig builds the shared GORM configuration. The SQLite backend
// uses it too so both dialects log and translate errors the same way.
func gormConfig(slogger *slog.Logger) *gorm.Config {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	return &gorm.Config{
		Logger:         gormLogger,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}
}

// GormConfig exposes the shared configuration for the SQLite backend.
func GormConfig(slogger *slog.Logger) *gorm.Config { return gormConfig(slogger) }

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}
