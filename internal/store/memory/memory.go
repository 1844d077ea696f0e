// Package memory is an in-process graph store backed by maps.
package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/store"
)

// Store keeps every record in memory. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	entities map[string]model.Entity
	edges    map[string]model.Edge
	sources  map[string]model.Source
	events   []model.Event
	closed   bool
}

var _ store.Store = (*Store)(nil)

var errClosed = errors.New("store is closed")

// New creates an empty store.
func New() *Store {
	return &Store{
		entities: make(map[string]model.Entity),
		edges:    make(map[string]model.Edge),
		sources:  make(map[string]model.Source),
	}
}

// tx stages writes until commit. Reads see staged writes first.
type tx struct {
	base     *Store
	entities map[string]model.Entity
	edges    map[string]model.Edge
	sources  map[string]model.Source
	events   []model.Event
}

// Update runs fn while holding the write lock.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.NewStoreError("update", errClosed)
	}

	t := &tx{
		base:     s,
		entities: make(map[string]model.Entity),
		edges:    make(map[string]model.Edge),
		sources:  make(map[string]model.Source),
	}
	if err := fn(t); err != nil {
		return err
	}

	maps.Copy(s.entities, t.entities)
	maps.Copy(s.edges, t.edges)
	maps.Copy(s.sources, t.sources)
	s.events = append(s.events, t.events...)
	return nil
}

func (t *tx) GetEntity(_ context.Context, id string) (model.Entity, error) {
	if e, ok := t.entities[id]; ok {
		return e, nil
	}
	if e, ok := t.base.entities[id]; ok {
		return e, nil
	}
	return model.Entity{}, store.ErrNotFound
}

func (t *tx) GetEdge(_ context.Context, id string) (model.Edge, error) {
	if e, ok := t.edges[id]; ok {
		return e, nil
	}
	if e, ok := t.base.edges[id]; ok {
		return e, nil
	}
	return model.Edge{}, store.ErrNotFound
}

func (t *tx) GetSource(_ context.Context, id string) (model.Source, error) {
	if s, ok := t.sources[id]; ok {
		return s, nil
	}
	if s, ok := t.base.sources[id]; ok {
		return s, nil
	}
	return model.Source{}, store.ErrNotFound
}

func (t *tx) UpsertEntity(_ context.Context, e model.Entity) error {
	e.Fields = maps.Clone(e.Fields)
	t.entities[e.ID] = e
	return nil
}

func (t *tx) UpsertEdge(_ context.Context, e model.Edge) error {
	e.Properties = maps.Clone(e.Properties)
	t.edges[e.ID] = e
	return nil
}

func (t *tx) UpsertSource(_ context.Context, s model.Source) error {
	s.Extra = maps.Clone(s.Extra)
	t.sources[s.ID] = s
	return nil
}

func (t *tx) NextChangelogSeq(context.Context) (int64, error) {
	return int64(len(t.base.events)+len(t.events)) + 1, nil
}

func (t *tx) AppendChangelogEvent(ctx context.Context, ev model.Event) (int64, error) {
	seq, _ := t.NextChangelogSeq(ctx)
	ev.Seq = seq
	ev.Payload = maps.Clone(ev.Payload)
	t.events = append(t.events, ev)
	return seq, nil
}

// GetEntity implements store.Reader.
func (s *Store) GetEntity(ctx context.Context, id string) (model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&tx{base: s}).GetEntity(ctx, id)
}

// GetEdge implements store.Reader.
func (s *Store) GetEdge(ctx context.Context, id string) (model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&tx{base: s}).GetEdge(ctx, id)
}

// GetSource implements store.Reader.
func (s *Store) GetSource(ctx context.Context, id string) (model.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&tx{base: s}).GetSource(ctx, id)
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

func (s *Store) NextChangelogSeq(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)) + 1, nil
}

// EventsSince implements store.Store. Seq n is stored at index n-1.
func (s *Store) EventsSince(_ context.Context, after int64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := int(max(after, 0))
	if start >= len(s.events) {
		return []model.Event{}, nil
	}
	end := len(s.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return slices.Clone(s.events[start:end]), nil
}

func (s *Store) LatestSeq(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

func (s *Store) Entities(_ context.Context, authorityID string) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Entity, 0, len(s.entities))
	for _, id := range slices.Sorted(maps.Keys(s.entities)) {
		if e := s.entities[id]; authorityID == "" || e.AuthorityID == authorityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Edges(_ context.Context, authorityID string) ([]model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Edge, 0, len(s.edges))
	for _, id := range slices.Sorted(maps.Keys(s.edges)) {
		if e := s.edges[id]; authorityID == "" || e.AuthorityID == authorityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Sources(context.Context) ([]model.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Source, 0, len(s.sources))
	for _, id := range slices.Sorted(maps.Keys(s.sources)) {
		out = append(out, s.sources[id])
	}
	return out, nil
}

// Close marks the store closed. Later writes fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
