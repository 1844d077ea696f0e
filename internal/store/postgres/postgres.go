// Package postgres opens a graph store in a PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/roach88/fkg/internal/store/sqlstore"
)

// writerLockKey is the advisory lock key held by every write transaction.
const writerLockKey int64 = 0x666b67 // "fkg"

// Open connects to the database at dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := sqlstore.New(ctx, db, Dialect{})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Dialect is the sqlstore dialect for PostgreSQL. Schema versions live in
// a one-row fkg_schema_version table.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) BinaryCollation() string { return `"C"` }

func (Dialect) SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fkg_schema_version (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)
	`); err != nil {
		return 0, err
	}
	var version int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM fkg_schema_version`).Scan(&version)
	return version, err
}

func (Dialect) SetSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO fkg_schema_version (id, version) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version
	`, version)
	return err
}

// LockWriter takes a transaction-scoped advisory lock so writers in other
// processes sharing the database are serialized too.
func (Dialect) LockWriter(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, writerLockKey)
	return err
}
