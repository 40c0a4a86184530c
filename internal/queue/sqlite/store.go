// Package sqlite implements the embedded durable queue backend: a
// single-process, disk-backed priority queue suitable for deployments
// without external infrastructure. Durability comes from a local SQLite
// store; at-least-once delivery comes from leased claims plus a recovery
// sweep that requeues rows whose lease expired.
package sqlite

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shelfmark/shelfmark/pkg/config"
	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const storeFile = "queue.db"

// Job statuses of the embedded store
const (
	statusPending = "pending"
	statusRunning = "running"
	statusFailed  = "failed"
)

// openStore opens (creating if needed) the SQLite store under dataDir
// and applies schema migrations.
func openStore(cfg config.EmbeddedConfig) (*sqlx.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, apperrors.NewInternalError("failed to create queue data directory").WithCause(err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on",
		filepath.Join(cfg.DataDir, storeFile))
	if cfg.WALMode {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to open queue store").WithCause(err)
	}

	// SQLite serializes writers; a single connection avoids busy errors
	// from concurrent claim transactions inside one process.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.NewInternalError("failed to ping queue store").WithCause(err)
	}

	if err := migrateStore(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func migrateStore(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return apperrors.NewInternalError("failed to load queue migrations").WithCause(err)
	}

	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return apperrors.NewInternalError("failed to prepare migration driver").WithCause(err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return apperrors.NewInternalError("failed to initialize migrations").WithCause(err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return apperrors.NewInternalError("failed to apply queue migrations").WithCause(err)
	}

	return nil
}

// jobRow is the persistent representation of an enqueued job
type jobRow struct {
	ID             string  `db:"id"`
	Queue          string  `db:"queue"`
	Payload        []byte  `db:"payload"`
	Status         string  `db:"status"`
	Priority       int     `db:"priority"`
	RunNumber      int     `db:"run_number"`
	MaxRetries     int     `db:"max_retries"`
	ScheduledFor   int64   `db:"scheduled_for"`
	IdempotencyKey *string `db:"idempotency_key"`
	LeaseToken     *string `db:"lease_token"`
	LeaseExpires   *int64  `db:"lease_expires"`
	LastError      *string `db:"last_error"`
	CreatedAt      int64   `db:"created_at"`
	UpdatedAt      int64   `db:"updated_at"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
