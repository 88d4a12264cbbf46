// Package database opens the service database and runs migrations.
package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/gujaehyung/s2b-extend/internal/database/migrations"
)

// DB wraps the connection pool with the driver details needed on shutdown.
type DB struct {
	*sql.DB
	Driver   string
	isMemory bool
	logger   *slog.Logger
}

// Open creates a database connection.
// Supports:
//   - ":memory:" for tests and throwaway runs
//   - local files: "file:data/s2b-extend.db" or a plain path (modernc SQLite, WAL)
//   - remote libsql: "libsql://..." or "http(s)://..." URLs
//   - embedded replica: TURSO_URL + TURSO_AUTH_TOKEN keep a local file synced with Turso
func Open(dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tursoURL := os.Getenv("TURSO_URL")
	tursoToken := os.Getenv("TURSO_AUTH_TOKEN")

	d := &DB{logger: logger}

	switch {
	case dsn == ":memory:":
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		d.DB, d.Driver, d.isMemory = db, "sqlite", true

	case tursoURL != "" && tursoToken != "":
		dbPath := localPath(dsn)
		if err := ensureDir(dbPath); err != nil {
			return nil, err
		}
		connector, err := libsql.NewEmbeddedReplicaConnector(dbPath, tursoURL,
			libsql.WithAuthToken(tursoToken),
			libsql.WithReadYourWrites(true),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Turso connector: %w", err)
		}
		d.DB, d.Driver = sql.OpenDB(connector), "libsql"

	case strings.HasPrefix(dsn, "libsql://"), strings.HasPrefix(dsn, "http://"), strings.HasPrefix(dsn, "https://"):
		db, err := sql.Open("libsql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		d.DB, d.Driver = db, "libsql"

	default:
		dbPath := localPath(dsn)
		if err := ensureDir(dbPath); err != nil {
			return nil, err
		}
		connStr := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		db, err := sql.Open("sqlite", connStr)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		d.DB, d.Driver = db, "sqlite"
	}

	if d.Driver == "sqlite" {
		d.SetMaxOpenConns(1) // SQLite is single-writer; also keeps one :memory: database
		d.SetMaxIdleConns(1)
		d.SetConnMaxLifetime(0)
	}

	if err := d.Ping(); err != nil {
		d.DB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database opened", "driver", d.Driver, "in_memory", d.isMemory)
	return d, nil
}

// Migrate runs pending schema migrations and reports the resulting schema version.
func (d *DB) Migrate() error {
	if pending, err := migrations.GetPendingMigrations(d.DB); err == nil && len(pending) > 0 {
		d.logger.Info("applying migrations", "pending", len(pending))
	}

	if err := migrations.Run(d.DB, d.logger); err != nil {
		return err
	}

	version, err := d.SchemaVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	d.logger.Info("database schema ready", "version", version)
	return nil
}

// SchemaVersion returns the timestamp of the newest applied migration.
func (d *DB) SchemaVersion() (string, error) {
	applied, err := migrations.GetAppliedMigrations(d.DB)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", nil
	}
	return applied[len(applied)-1].Timestamp, nil
}

// Close checkpoints the WAL for file databases and closes the pool.
func (d *DB) Close() error {
	if d.Driver == "sqlite" && !d.isMemory {
		if _, err := d.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			d.logger.Warn("failed to checkpoint WAL before close", "error", err)
		}
	}
	return d.DB.Close()
}

func localPath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	return strings.Split(p, "?")[0]
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}
