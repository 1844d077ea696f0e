// Package sqlstore is the SQL core shared by the sqlite and postgres graph
// store backends. Backends supply a Dialect and an opened *sql.DB.
//
// Queries use $n placeholders. Each placeholder first appears in numeric
// order, which lets sqlite bind them positionally.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial graph schema
const currentSchemaVersion = 1

// Dialect adapts the shared core to one database engine.
type Dialect interface {
	// Name identifies the backend in errors.
	Name() string

	// BinaryCollation names the collation that orders ids by bytes.
	BinaryCollation() string

	// SchemaVersion reads the applied migration version.
	SchemaVersion(ctx context.Context, db *sql.DB) (int, error)

	// SetSchemaVersion records the applied migration version.
	SetSchemaVersion(ctx context.Context, db *sql.DB, version int) error

	// LockWriter runs first in every write transaction. Engines that allow
	// several writers use it to serialize them across processes.
	LockWriter(ctx context.Context, tx *sql.Tx) error
}

// Store implements store.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect

	// mu serializes writers within the process.
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New wraps db and applies schema migrations. New is idempotent.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", dialect.Name(), err)
	}
	return s, nil
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate applies incremental schema migrations based on the recorded version.
func (s *Store) migrate(ctx context.Context) error {
	version, err := s.dialect.SchemaVersion(ctx, s.db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if version < 1 {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version != currentSchemaVersion {
		if err := s.dialect.SetSchemaVersion(ctx, s.db, currentSchemaVersion); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Update runs fn in a transaction while holding the writer lock.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStoreError("begin transaction", err)
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := s.dialect.LockWriter(ctx, sqlTx); err != nil {
		return model.NewStoreError("lock writer", err)
	}

	if err := fn(&tx{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return model.NewStoreError("commit", err)
	}
	return nil
}

// tx implements store.Tx against a queryer.
type tx struct {
	q queryer
}

func (t *tx) GetEntity(ctx context.Context, id string) (model.Entity, error) {
	var e model.Entity
	err := getRecord(ctx, t.q, `SELECT record FROM entities WHERE id = $1`, id, &e)
	return e, err
}

func (t *tx) GetEdge(ctx context.Context, id string) (model.Edge, error) {
	var e model.Edge
	err := getRecord(ctx, t.q, `SELECT record FROM edges WHERE id = $1`, id, &e)
	return e, err
}

func (t *tx) GetSource(ctx context.Context, id string) (model.Source, error) {
	var src model.Source
	err := getRecord(ctx, t.q, `SELECT record FROM sources WHERE id = $1`, id, &src)
	return src, err
}

func getRecord(ctx context.Context, q queryer, query, id string, dst json.Unmarshaler) error {
	var record string
	err := q.QueryRowContext(ctx, query, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return model.NewStoreError("get record", err)
	}
	if err := dst.UnmarshalJSON([]byte(record)); err != nil {
		return model.NewStoreError("decode record "+id, err)
	}
	return nil
}

// UpsertEntity inserts or replaces the entity, keyed by id.
func (t *tx) UpsertEntity(ctx context.Context, e model.Entity) error {
	record, err := e.MarshalJSON()
	if err != nil {
		return model.NewStoreError("upsert entity", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO entities (id, type, authority_id, schema_version, record)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			authority_id = excluded.authority_id,
			schema_version = excluded.schema_version,
			record = excluded.record
	`, e.ID, e.Type, e.AuthorityID, e.SchemaVersion, string(record))
	if err != nil {
		return model.NewStoreError("upsert entity", err)
	}
	return nil
}

// UpsertEdge inserts or replaces the edge, keyed by id.
func (t *tx) UpsertEdge(ctx context.Context, e model.Edge) error {
	record, err := e.MarshalJSON()
	if err != nil {
		return model.NewStoreError("upsert edge", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO edges (id, type, src_id, dst_id, authority_id, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			src_id = excluded.src_id,
			dst_id = excluded.dst_id,
			authority_id = excluded.authority_id,
			record = excluded.record
	`, e.ID, string(e.Type), e.SrcID, e.DstID, e.AuthorityID, string(record))
	if err != nil {
		return model.NewStoreError("upsert edge", err)
	}
	return nil
}

// UpsertSource inserts or replaces the source, keyed by id.
func (t *tx) UpsertSource(ctx context.Context, src model.Source) error {
	record, err := src.MarshalJSON()
	if err != nil {
		return model.NewStoreError("upsert source", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO sources (id, record)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET record = excluded.record
	`, src.ID, string(record))
	if err != nil {
		return model.NewStoreError("upsert source", err)
	}
	return nil
}

func (t *tx) NextChangelogSeq(ctx context.Context) (int64, error) {
	latest, err := latestSeq(ctx, t.q)
	if err != nil {
		return 0, err
	}
	return latest + 1, nil
}

// AppendChangelogEvent stores ev under the next seq.
func (t *tx) AppendChangelogEvent(ctx context.Context, ev model.Event) (int64, error) {
	seq, err := t.NextChangelogSeq(ctx)
	if err != nil {
		return 0, err
	}

	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return 0, model.NewStoreError("append changelog event", err)
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO changelog (seq, event_type, authority_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, seq, string(ev.EventType), ev.AuthorityID, payload, ev.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, model.NewStoreError("append changelog event", err)
	}
	return seq, nil
}

func latestSeq(ctx context.Context, q queryer) (int64, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changelog`).Scan(&seq); err != nil {
		return 0, model.NewStoreError("latest seq", err)
	}
	return seq, nil
}

// The Tx methods on Store auto-commit through Update; reads go straight
// to the database.

func (s *Store) GetEntity(ctx context.Context, id string) (model.Entity, error) {
	return (&tx{q: s.db}).GetEntity(ctx, id)
}

func (s *Store) GetEdge(ctx context.Context, id string) (model.Edge, error) {
	return (&tx{q: s.db}).GetEdge(ctx, id)
}

func (s *Store) GetSource(ctx context.Context, id string) (model.Source, error) {
	return (&tx{q: s.db}).GetSource(ctx, id)
}

func (s *Store) UpsertEntity(ctx context.Context, e model.Entity) error {
	return s.Update(ctx, func(t store.Tx) error { return t.UpsertEntity(ctx, e) })
}

func (s *Store) UpsertEdge(ctx context.Context, e model.Edge) error {
	return s.Update(ctx, func(t store.Tx) error { return t.UpsertEdge(ctx, e) })
}

func (s *Store) UpsertSource(ctx context.Context, src model.Source) error {
	return s.Update(ctx, func(t store.Tx) error { return t.UpsertSource(ctx, src) })
}

func (s *Store) AppendChangelogEvent(ctx context.Context, ev model.Event) (int64, error) {
	var seq int64
	err := s.Update(ctx, func(t store.Tx) error {
		var err error
		seq, err = t.AppendChangelogEvent(ctx, ev)
		return err
	})
	return seq, err
}

func (s *Store) NextChangelogSeq(ctx context.Context) (int64, error) {
	return (&tx{q: s.db}).NextChangelogSeq(ctx)
}

func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	return latestSeq(ctx, s.db)
}
