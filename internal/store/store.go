package store

import (
	"context"
	"errors"

	"github.com/roach88/fkg/internal/model"
)

// ErrNotFound is returned by the Get methods when no record has the id.
var ErrNotFound = errors.New("store: record not found")

// Reader looks up single records by id.
type Reader interface {
	GetEntity(ctx context.Context, id string) (model.Entity, error)
	GetEdge(ctx context.Context, id string) (model.Edge, error)
	GetSource(ctx context.Context, id string) (model.Source, error)
}

// Tx is the write surface available inside Update.
type Tx interface {
	Reader

	// UpsertEntity inserts e or replaces the record with the same id.
	UpsertEntity(ctx context.Context, e model.Entity) error
	UpsertEdge(ctx context.Context, e model.Edge) error
	UpsertSource(ctx context.Context, s model.Source) error

	// AppendChangelogEvent assigns the next seq to ev, stores it and
	// returns the seq. Any seq already set on ev is ignored.
	AppendChangelogEvent(ctx context.Context, ev model.Event) (int64, error)

	// NextChangelogSeq reports the seq the next append will receive.
	NextChangelogSeq(ctx context.Context) (int64, error)
}

// Store is a graph store backend.
//
// The Tx methods called directly on a Store run in their own single-write
// transaction. Update groups several writes into one atomic unit.
type Store interface {
	Tx

	// Update runs fn inside the single-writer critical section. Writes made
	// through the Tx are committed when fn returns nil and discarded
	// otherwise. fn must not retain the Tx.
	Update(ctx context.Context, fn func(Tx) error) error

	// EventsSince returns up to limit events with seq > after, in seq order.
	// A limit of zero or less means no limit.
	EventsSince(ctx context.Context, after int64, limit int) ([]model.Event, error)

	// LatestSeq returns the highest seq appended, or 0 for an empty log.
	LatestSeq(ctx context.Context) (int64, error)

	// Entities lists entities sorted by id. A non-empty authorityID
	// restricts the listing to that authority.
	Entities(ctx context.Context, authorityID string) ([]model.Entity, error)
	Edges(ctx context.Context, authorityID string) ([]model.Edge, error)
	Sources(ctx context.Context) ([]model.Source, error)

	Close() error
}
