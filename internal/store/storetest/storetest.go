// Package storetest is a conformance suite run against every graph store
// backend.
package storetest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/store"
	"github.com/roach88/fkg/internal/testutil"
)

// Factory opens a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores made by open.
func Run(t *testing.T, open Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("UpsertAndGet", func(t *testing.T) { testUpsertAndGet(t, open(t)) })
	t.Run("UpsertReplaces", func(t *testing.T) { testUpsertReplaces(t, open(t)) })
	t.Run("UpdateRollsBack", func(t *testing.T) { testUpdateRollsBack(t, open(t)) })
	t.Run("UpdateSeesOwnWrites", func(t *testing.T) { testUpdateSeesOwnWrites(t, open(t)) })
	t.Run("ChangelogSeq", func(t *testing.T) { testChangelogSeq(t, open(t)) })
	t.Run("EventsSincePaging", func(t *testing.T) { testEventsSincePaging(t, open(t)) })
	t.Run("ListingOrder", func(t *testing.T) { testListingOrder(t, open(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, open(t)) })
}

func event(authorityID string, e model.Entity) model.Event {
	return model.EntityEvent(model.EventCreateEntity, authorityID, e, testutil.Epoch)
}

func testGetMissing(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetEntity(ctx, "marin.ca.us:organization:0000000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetEdge(ctx, "marin.ca.us:edge:0000000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetSource(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testUpsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := testutil.SampleGraph("marin.ca.us")

	require.NoError(t, s.UpsertEntity(ctx, g.Organization))
	require.NoError(t, s.UpsertEntity(ctx, g.Service))
	require.NoError(t, s.UpsertEdge(ctx, g.Edge))
	require.NoError(t, s.UpsertSource(ctx, g.Source))

	org, err := s.GetEntity(ctx, g.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Organization, org)

	edge, err := s.GetEdge(ctx, g.Edge.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Edge, edge)

	src, err := s.GetSource(ctx, g.Source.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Source, src)
}

func testUpsertReplaces(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := testutil.SampleGraph("marin.ca.us")

	require.NoError(t, s.UpsertEntity(ctx, g.Organization))

	changed := g.Organization
	changed.Fields = map[string]any{"jurisdiction": "Marin County", "description": "Updated"}
	require.NoError(t, s.UpsertEntity(ctx, changed))

	got, err := s.GetEntity(ctx, g.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, "Updated", got.Fields["description"])

	all, err := s.Entities(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testUpdateRollsBack(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := testutil.SampleGraph("marin.ca.us")
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.UpsertEntity(ctx, g.Organization))
		_, err := tx.AppendChangelogEvent(ctx, event("marin.ca.us", g.Organization))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetEntity(ctx, g.Organization.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	latest, err := s.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest, "no event survives a rolled back update")
}

func testUpdateSeesOwnWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := testutil.SampleGraph("marin.ca.us")

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.UpsertEntity(ctx, g.Organization); err != nil {
			return err
		}
		got, err := tx.GetEntity(ctx, g.Organization.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, g.Organization.ID, got.ID)

		first, err := tx.AppendChangelogEvent(ctx, event("marin.ca.us", g.Organization))
		if err != nil {
			return err
		}
		next, err := tx.NextChangelogSeq(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, first+1, next)
		return nil
	})
	require.NoError(t, err)
}

func testChangelogSeq(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := testutil.SampleGraph("marin.ca.us")

	next, err := s.NextChangelogSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	ev := event("marin.ca.us", g.Organization)
	ev.Seq = 99
	seq, err := s.AppendChangelogEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "caller-supplied seq is ignored")

	seq, err = s.AppendChangelogEvent(ctx, event("marin.ca.us", g.Service))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	latest, err := s.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	events, err := s.EventsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, model.EventCreateEntity, events[0].EventType)
	assert.Equal(t, "marin.ca.us", events[0].AuthorityID)
	assert.Equal(t, g.Organization.ID, events[0].RecordID())
	assert.True(t, testutil.Epoch.Equal(events[0].CreatedAt))
	assert.Equal(t, g.Service.ID, events[1].RecordID())
}

func testEventsSincePaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := testutil.SampleGraph("marin.ca.us")

	for range 5 {
		_, err := s.AppendChangelogEvent(ctx, event("marin.ca.us", g.Organization))
		require.NoError(t, err)
	}

	page, err := s.EventsSince(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, seqs(page))

	page, err = s.EventsSince(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, seqs(page))

	page, err = s.EventsSince(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testListingOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	marin := testutil.SampleGraph("marin.ca.us")
	sonoma := testutil.SampleGraph("sonoma.ca.us")

	for _, e := range append(sonoma.Entities(), marin.Entities()...) {
		require.NoError(t, s.UpsertEntity(ctx, e))
	}
	for _, e := range append(sonoma.Edges(), marin.Edges()...) {
		require.NoError(t, s.UpsertEdge(ctx, e))
	}
	require.NoError(t, s.UpsertSource(ctx, testutil.Source("src-b", "B")))
	require.NoError(t, s.UpsertSource(ctx, testutil.Source("src-a", "A")))

	all, err := s.Entities(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	ids := make([]string, len(all))
	for i, e := range all {
		ids[i] = e.ID
	}
	assert.True(t, slices.IsSorted(ids), "entities sorted by id: %v", ids)

	mine, err := s.Entities(ctx, "marin.ca.us")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	for _, e := range mine {
		assert.Equal(t, "marin.ca.us", e.AuthorityID)
	}

	edges, err := s.Edges(ctx, "sonoma.ca.us")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, sonoma.Edge.ID, edges[0].ID)

	sources, err := s.Sources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "src-a", sources[0].ID)
}

// testConcurrentAppends checks that N writers appending M events each
// produce exactly the seqs 1..N*M.
func testConcurrentAppends(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := testutil.SampleGraph("marin.ca.us")
	const writers, perWriter = 8, 25

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				if _, err := s.AppendChangelogEvent(ctx, event("marin.ca.us", g.Organization)); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.EventsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func seqs(events []model.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Seq
	}
	return out
}
