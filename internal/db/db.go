// Package db persists SessionRecord rows behind a jmoiron/sqlx handle.
//
// The gateway only ever reads and writes whole rows (upsert-by-id,
// select-where-state); any storage substrate that can do that would
// work, but the default here is a file-backed SQLite database reached
// through the pure-Go modernc.org/sqlite driver, schema-managed by
// golang-migrate.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	// registers the pure-Go sqlite driver under the "sqlite" name.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DAO is the persistence surface the Session Manager depends on.
type DAO interface {
	SessionDAO

	Close() error
}

type dao struct {
	db *sqlx.DB
}

// New opens (creating if necessary) the database identified by
// databaseURL and runs pending migrations. databaseURL follows the
// same convention as DATABASE_URL: an optional "sqlite://" scheme
// followed by a filesystem path, e.g. "sqlite:///./gateway.db". A bare
// path with no scheme is accepted as-is.
func New(databaseURL string) (DAO, error) {
	dbFile := filePathFromDatabaseURL(databaseURL)

	if err := ensureDirectoryExists(dbFile); err != nil {
		return nil, fmt.Errorf("preparing database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", "file:"+dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc.org/sqlite does not support concurrent writers; a single
	// connection avoids SQLITE_BUSY under the gateway's per-session
	// write pattern.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := migrateUp(sqlDB); err != nil {
		return nil, err
	}

	return &dao{db: sqlx.NewDb(sqlDB, "sqlite")}, nil
}

func migrateUp(sqlDB *sql.DB) error {
	migDriver, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	driver, err := msqlite.WithInstance(sqlDB, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (d *dao) Close() error {
	return d.db.Close()
}

func (d *dao) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// filePathFromDatabaseURL strips a "sqlite://" scheme if present and
// falls back to "./gateway.db" when databaseURL is empty, mirroring
// the default used by the original MCP-Hub config.
func filePathFromDatabaseURL(databaseURL string) string {
	if databaseURL == "" {
		return "./gateway.db"
	}
	path := databaseURL
	for _, scheme := range []string{"sqlite:///", "sqlite://", "sqlite:"} {
		if strings.HasPrefix(path, scheme) {
			path = strings.TrimPrefix(path, scheme)
			break
		}
	}
	return path
}

func ensureDirectoryExists(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
