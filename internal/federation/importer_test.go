package federation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/schema"
	"github.com/roach88/fkg/internal/snapshot"
	"github.com/roach88/fkg/internal/store"
	"github.com/roach88/fkg/internal/store/memory"
	"github.com/roach88/fkg/internal/testutil"
)

const (
	local  = "marin.ca.us"
	sonoma = "sonoma.ca.us"
)

// encodeGraph packs records into a snapshot file set from authority.
func encodeGraph(t *testing.T, authority string, entities []model.Entity, edges []model.Edge, sources []model.Source) snapshot.FileSet {
	t.Helper()
	return encodeArchive(t, authority, entities, edges, sources).Files
}

func encodeArchive(t *testing.T, authority string, entities []model.Entity, edges []model.Edge, sources []model.Source) *snapshot.Encoded {
	t.Helper()
	enc, err := snapshot.Encode(&snapshot.Snapshot{
		Manifest: model.Manifest{
			AuthorityID:   authority,
			AuthorityName: authority,
			CreatedAt:     testutil.Epoch,
		},
		Entities: entities,
		Edges:    edges,
		Sources:  sources,
	})
	require.NoError(t, err)
	return enc
}

func encodeSample(t *testing.T, authority string) snapshot.FileSet {
	t.Helper()
	g := testutil.SampleGraph(authority)
	return encodeGraph(t, authority, g.Entities(), g.Edges(), g.Sources())
}

// staticFetcher serves whatever file set it currently holds.
type staticFetcher struct {
	files atomic.Pointer[snapshot.FileSet]
	calls atomic.Int32
}

func serve(files snapshot.FileSet) *staticFetcher {
	f := &staticFetcher{}
	f.set(files)
	return f
}

func (f *staticFetcher) set(files snapshot.FileSet) { f.files.Store(&files) }

func (f *staticFetcher) Fetch(context.Context, model.Remote) (snapshot.FileSet, error) {
	f.calls.Add(1)
	return *f.files.Load(), nil
}

func newImporter(t *testing.T, s store.Store, fetcher Fetcher, opts ...Option) *Importer {
	t.Helper()
	v, err := schema.Default()
	require.NoError(t, err)
	clock := testutil.NewDeterministicClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	im, err := New(s, fetcher, snapshot.NewDecoder(v), local, opts...)
	require.NoError(t, err)
	return im
}

func remote(id string) model.Remote {
	return model.Remote{ID: id, Endpoint: "https://" + id + "/fkg"}
}

func allEvents(t *testing.T, s store.Store) []model.Event {
	t.Helper()
	events, err := s.EventsSince(context.Background(), 0, 0)
	require.NoError(t, err)
	return events
}

func TestPullInsertsRecordsAndLogsEvents(t *testing.T) {
	s := memory.New()
	g := testutil.SampleGraph(sonoma)
	im := newImporter(t, s, serve(encodeSample(t, sonoma)))

	report, err := im.Pull(context.Background(), remote(sonoma))
	require.NoError(t, err)

	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, sonoma, report.AuthorityID)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, RecordCounts{Considered: 2, Inserted: 2}, report.Entities)
	assert.Equal(t, RecordCounts{Considered: 1, Inserted: 1}, report.Edges)
	assert.Equal(t, SourceCounts{Considered: 1, Inserted: 1}, report.Sources)
	assert.Equal(t, int64(1), report.FirstSeq)
	assert.Equal(t, int64(3), report.LastSeq)
	assert.Equal(t, int64(3), report.EventsAppended())
	assert.Empty(t, report.Warnings)

	got, err := s.GetEntity(context.Background(), g.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Organization, got)

	events := allEvents(t, s)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventCreateEntity, events[0].EventType)
	assert.Equal(t, g.Organization.ID, events[0].RecordID())
	assert.Equal(t, model.EventCreateEntity, events[1].EventType)
	assert.Equal(t, model.EventCreateEdge, events[2].EventType)
	for _, ev := range events {
		assert.Equal(t, sonoma, ev.AuthorityID, "events are tagged with the remote id")
	}
}

func TestPullIsIdempotent(t *testing.T) {
	s := memory.New()
	im := newImporter(t, s, serve(encodeSample(t, sonoma)))
	ctx := context.Background()

	_, err := im.Pull(ctx, remote(sonoma))
	require.NoError(t, err)
	before := allEvents(t, s)

	report, err := im.Pull(ctx, remote(sonoma))
	require.NoError(t, err)
	assert.Equal(t, RecordCounts{Considered: 2, Unchanged: 2}, report.Entities)
	assert.Equal(t, RecordCounts{Considered: 1, Unchanged: 1}, report.Edges)
	assert.Equal(t, SourceCounts{Considered: 1, Unchanged: 1}, report.Sources)
	assert.Zero(t, report.EventsAppended())
	assert.False(t, report.Changed())
	assert.Equal(t, before, allEvents(t, s))
}

func TestPullSingleFieldChangeLogsOneUpdate(t *testing.T) {
	s := memory.New()
	g := testutil.SampleGraph(sonoma)
	fetcher := serve(encodeSample(t, sonoma))
	im := newImporter(t, s, fetcher)
	ctx := context.Background()

	_, err := im.Pull(ctx, remote(sonoma))
	require.NoError(t, err)

	org := g.Organization
	org.Fields = map[string]any{"jurisdiction": "Marin County", "description": "Food bank and pantry network"}
	fetcher.set(encodeGraph(t, sonoma, []model.Entity{org, g.Service}, g.Edges(), g.Sources()))

	report, err := im.Pull(ctx, remote(sonoma))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Entities.Updated)
	assert.Equal(t, 1, report.Entities.Unchanged)
	assert.Equal(t, report.FirstSeq, report.LastSeq)

	events, err := s.EventsSince(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventUpdateEntity, events[0].EventType)
	assert.Equal(t, org.ID, events[0].RecordID())

	got, err := s.GetEntity(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "Food bank and pantry network", got.Fields["description"])
}

// TestPullAllowTypesScenario pulls a peer county while trusting only its
// organizations: the service and the edge to it are filtered out.
func TestPullAllowTypesScenario(t *testing.T) {
	s := memory.New()
	g := testutil.SampleGraph(sonoma)
	im := newImporter(t, s, serve(encodeSample(t, sonoma)))

	r := remote(sonoma)
	r.Trust.AllowEntityTypes = []string{model.TypeOrganization}
	report, err := im.Pull(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, RecordCounts{Considered: 2, Filtered: 1, Inserted: 1}, report.Entities)
	assert.Equal(t, RecordCounts{Considered: 1, Filtered: 1}, report.Edges)

	ctx := context.Background()
	_, err = s.GetEntity(ctx, g.Organization.ID)
	assert.NoError(t, err)
	_, err = s.GetEntity(ctx, g.Service.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetEdge(ctx, g.Edge.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	events := allEvents(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCreateEntity, events[0].EventType)
	assert.Equal(t, sonoma, events[0].AuthorityID)
}

func TestPullTrustFilterExpression(t *testing.T) {
	s := memory.New()
	im := newImporter(t, s, serve(encodeSample(t, sonoma)))

	r := remote(sonoma)
	r.Trust.Filter = `entity_type != "service"`
	report, err := im.Pull(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Entities.Filtered)
	assert.Equal(t, 1, report.Edges.Filtered)
}

func TestPullInvalidTrustFilterFails(t *testing.T) {
	s := memory.New()
	im := newImporter(t, s, serve(encodeSample(t, sonoma)))

	r := remote(sonoma)
	r.Trust.Filter = `entity.name ==`
	report, err := im.Pull(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, StateFailed, report.State)
	assert.Empty(t, allEvents(t, s))
}

func TestPullRejectsLocalAuthorityRecords(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	mine := testutil.SampleGraph(local)
	require.NoError(t, s.UpsertEntity(ctx, mine.Organization))

	// The peer re-publishes our organization with altered content.
	forged := mine.Organization
	forged.Fields = map[string]any{"jurisdiction": "Marin County", "description": "Overwritten"}
	peer := testutil.SampleGraph(sonoma)
	files := encodeGraph(t, sonoma, []model.Entity{forged, peer.Organization}, nil, nil)

	im := newImporter(t, s, serve(files))
	report, err := im.Pull(ctx, remote(sonoma))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Entities.RejectedLocalAuthority)
	assert.Equal(t, 1, report.Entities.Inserted)
	assert.Contains(t, report.Warnings, "snapshot from sonoma.ca.us carries records of authority marin.ca.us")

	got, err := s.GetEntity(ctx, mine.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, "Regional food bank", got.Fields["description"])

	events := allEvents(t, s)
	require.Len(t, events, 1)
	assert.Equal(t, peer.Organization.ID, events[0].RecordID())
}

// TestPullRejectsForeignAuthorityRecords pulls napa, then has sonoma
// re-publish napa's organization with altered content. Only napa may change
// napa's records.
func TestPullRejectsForeignAuthorityRecords(t *testing.T) {
	const napa = "napa.ca.us"
	s := memory.New()
	ctx := context.Background()

	im := newImporter(t, s, serve(encodeSample(t, napa)))
	_, err := im.Pull(ctx, remote(napa))
	require.NoError(t, err)
	before := allEvents(t, s)

	theirs := testutil.SampleGraph(napa)
	forged := theirs.Organization
	forged.Fields = map[string]any{"jurisdiction": "Marin County", "description": "Overwritten by sonoma"}
	peer := testutil.SampleGraph(sonoma)
	files := encodeGraph(t, sonoma, []model.Entity{forged, peer.Organization}, nil, nil)

	im = newImporter(t, s, serve(files))
	report, err := im.Pull(ctx, remote(sonoma))
	require.NoError(t, err)

	assert.Equal(t, RecordCounts{Considered: 2, Inserted: 1, RejectedForeignAuthority: 1}, report.Entities)
	assert.Contains(t, report.Warnings, "snapshot from sonoma.ca.us carries records of authority napa.ca.us")

	got, err := s.GetEntity(ctx, theirs.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, theirs.Organization, got)

	events := allEvents(t, s)
	require.Len(t, events, len(before)+1)
	added := events[len(before)]
	assert.Equal(t, model.EventCreateEntity, added.EventType)
	assert.Equal(t, peer.Organization.ID, added.RecordID())
	for _, ev := range events {
		if ev.AuthorityID == sonoma {
			assert.NotEqual(t, theirs.Organization.ID, ev.RecordID())
		}
	}
}

func TestPullRejectsSnapshotPublishedByAnotherAuthority(t *testing.T) {
	s := memory.New()
	im := newImporter(t, s, serve(encodeSample(t, "marin-impostor.ca.us")))

	report, err := im.Pull(context.Background(), remote(sonoma))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindSchemaViolation))
	assert.Contains(t, err.Error(), "snapshot is published by marin-impostor.ca.us, not by remote sonoma.ca.us")
	assert.Equal(t, StateFailed, report.State)
	assert.Empty(t, allEvents(t, s))

	entities, err := s.Entities(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestPullKeepsStoredSourceOnConflict(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	mine := testutil.Source("src-1", "County dataset")
	require.NoError(t, s.UpsertSource(ctx, mine))

	replacement := mine
	replacement.Name = "Sonoma replacement"
	replacement.License = "proprietary"
	files := encodeGraph(t, sonoma, nil, nil, []model.Source{replacement})

	m := NewMetrics(prometheus.NewRegistry())
	im := newImporter(t, s, serve(files), WithMetrics(m))
	report, err := im.Pull(ctx, remote(sonoma))
	require.NoError(t, err)

	assert.Equal(t, SourceCounts{Considered: 1, Conflicts: 1}, report.Sources)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Records.WithLabelValues(sonoma, "source", "conflict")))
	assert.Contains(t, report.Warnings, "source src-1 differs from the stored record; the stored source is kept")
	assert.False(t, report.Changed())

	got, err := s.GetSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, mine, got)
	assert.Empty(t, allEvents(t, s))
}

func TestPullWarnsOnDanglingEdge(t *testing.T) {
	s := memory.New()
	g := testutil.SampleGraph(sonoma)
	files := encodeGraph(t, sonoma, []model.Entity{g.Organization}, g.Edges(), nil)

	im := newImporter(t, s, serve(files))
	report, err := im.Pull(context.Background(), remote(sonoma))
	require.NoError(t, err)

	assert.Equal(t, 1, report.Edges.Inserted)
	assert.Contains(t, report.Warnings, "edge "+g.Edge.ID+" references unknown entity "+g.Service.ID)
}

func TestPullWarnsOnUnderivableID(t *testing.T) {
	s := memory.New()
	g := testutil.SampleGraph(sonoma)

	renamed := g.Organization
	renamed.Name = "Sonoma Food Bank"
	files := encodeGraph(t, sonoma, []model.Entity{renamed}, nil, nil)

	im := newImporter(t, s, serve(files))
	report, err := im.Pull(context.Background(), remote(sonoma))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Entities.Inserted, "ids are owned by the remote")
	assert.Contains(t, report.Warnings, "entity "+renamed.ID+" does not match its derived id")
}

func TestPullRequireDerivedIDsRejectsUnderivableID(t *testing.T) {
	s := memory.New()
	g := testutil.SampleGraph(sonoma)

	renamed := g.Organization
	renamed.Name = "Sonoma Food Bank"
	files := encodeGraph(t, sonoma, []model.Entity{renamed, g.Service}, g.Edges(), nil)

	im := newImporter(t, s, serve(files))
	r := remote(sonoma)
	r.Trust.RequireDerivedIDs = true
	report, err := im.Pull(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, RecordCounts{Considered: 2, Inserted: 1, RejectedUnderivedID: 1}, report.Entities)
	assert.Equal(t, RecordCounts{Considered: 1, Inserted: 1}, report.Edges)
	assert.Contains(t, report.Warnings, "entity "+renamed.ID+" does not match its derived id")

	_, err = s.GetEntity(context.Background(), renamed.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.Len(t, allEvents(t, s), 2)
}

func TestPullFetchErrorLeavesStoreUnchanged(t *testing.T) {
	s := memory.New()
	boom := errors.New("connection refused")
	im := newImporter(t, s, FetcherFunc(func(context.Context, model.Remote) (snapshot.FileSet, error) {
		return nil, boom
	}))

	report, err := im.Pull(context.Background(), remote(sonoma))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindFetchError))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, report.State)
	assert.NotEmpty(t, report.Error)
	assert.Empty(t, allEvents(t, s))
}

func TestPullCorruptSnapshotLeavesStoreUnchanged(t *testing.T) {
	s := memory.New()
	files := encodeSample(t, sonoma)
	files[model.FileEntities] = append(files[model.FileEntities], '\n')

	im := newImporter(t, s, serve(files))
	report, err := im.Pull(context.Background(), remote(sonoma))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindChecksumMismatch))
	assert.Equal(t, StateFailed, report.State)
	assert.Empty(t, allEvents(t, s))

	entities, err := s.Entities(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestPullRequiredSignatureFailsClosed(t *testing.T) {
	s := memory.New()
	im := newImporter(t, s, serve(encodeSample(t, sonoma)))

	r := remote(sonoma)
	r.Trust.VerifySignatures = true
	_, err := im.Pull(context.Background(), r)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindSignatureRequiredButUnverifiable))
	assert.Empty(t, allEvents(t, s))
}

// failingStore fails every changelog append made inside Update.
type failingStore struct {
	store.Store
}

type failingTx struct {
	store.Tx
}

func (failingTx) AppendChangelogEvent(context.Context, model.Event) (int64, error) {
	return 0, errors.New("disk full")
}

func (s failingStore) Update(ctx context.Context, fn func(store.Tx) error) error {
	return s.Store.Update(ctx, func(tx store.Tx) error { return fn(failingTx{tx}) })
}

func TestPullStoreErrorRollsBack(t *testing.T) {
	inner := memory.New()
	im := newImporter(t, failingStore{inner}, serve(encodeSample(t, sonoma)))

	report, err := im.Pull(context.Background(), remote(sonoma))
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindStoreError))
	assert.Equal(t, StateFailed, report.State)
	assert.Zero(t, report.Entities.Inserted, "counts of a rolled back merge are not reported")

	entities, err := inner.Entities(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entities, "upserts are rolled back with the failed append")
	assert.Empty(t, allEvents(t, inner))
}

func TestPullCancelledBeforeMerge(t *testing.T) {
	s := memory.New()
	files := encodeSample(t, sonoma)
	ctx, cancel := context.WithCancel(context.Background())

	im := newImporter(t, s, FetcherFunc(func(context.Context, model.Remote) (snapshot.FileSet, error) {
		cancel()
		return files, nil
	}))

	report, err := im.Pull(ctx, remote(sonoma))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, report.State)
	assert.Empty(t, allEvents(t, s))
}

func TestPullRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := memory.New()
	im := newImporter(t, s, serve(encodeSample(t, sonoma)), WithMetrics(m))

	r := remote(sonoma)
	r.Trust.AllowEntityTypes = []string{model.TypeOrganization}
	_, err := im.Pull(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.Pulls.WithLabelValues(sonoma, "done")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Records.WithLabelValues(sonoma, "entity", "inserted")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Records.WithLabelValues(sonoma, "entity", "filtered")))
	assert.Equal(t, 1, promtest.CollectAndCount(m.PullDuration))
}

func TestPullEmitsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	im := newImporter(t, memory.New(), serve(encodeSample(t, sonoma)), WithTracer(tp.Tracer("test")))
	_, err := im.Pull(context.Background(), remote(sonoma))
	require.NoError(t, err)

	var names []string
	for _, span := range rec.Ended() {
		names = append(names, span.Name())
	}
	assert.ElementsMatch(t, []string{
		"federation.Pull",
		"federation.fetching",
		"federation.verifying",
		"federation.filtering",
		"federation.merging",
		"federation.logging",
	}, names)
}

func TestPullSerializesSameRemote(t *testing.T) {
	s := memory.New()
	files := encodeSample(t, sonoma)

	var active, maxActive atomic.Int32
	fetcher := FetcherFunc(func(context.Context, model.Remote) (snapshot.FileSet, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return files, nil
	})
	im := newImporter(t, s, fetcher)

	results := im.PullAll(context.Background(), []model.Remote{remote(sonoma), remote(sonoma), remote(sonoma)}, 3)
	assert.Zero(t, Failed(results))
	assert.Equal(t, int32(1), maxActive.Load(), "pulls of one remote never overlap")
	assert.Len(t, allEvents(t, s), 3, "only the first pull changes anything")
}

func TestPullAllCollectsPerRemoteResults(t *testing.T) {
	s := memory.New()
	good := map[string]snapshot.FileSet{
		sonoma:       encodeSample(t, sonoma),
		"napa.ca.us": encodeSample(t, "napa.ca.us"),
	}
	fetcher := FetcherFunc(func(_ context.Context, r model.Remote) (snapshot.FileSet, error) {
		if files, ok := good[r.ID]; ok {
			return files, nil
		}
		return nil, errors.New("no route to host")
	})
	im := newImporter(t, s, fetcher)

	results := im.PullAll(context.Background(), []model.Remote{
		remote(sonoma), remote("solano.ca.us"), remote("napa.ca.us"),
	}, 2)

	require.Len(t, results, 3)
	assert.Equal(t, 1, Failed(results))
	assert.Equal(t, sonoma, results[0].RemoteID)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "solano.ca.us", results[1].RemoteID)
	assert.True(t, model.IsKind(results[1].Err, model.KindFetchError))
	assert.Equal(t, StateFailed, results[1].Report.State)
	assert.NoError(t, results[2].Err)

	entities, err := s.Entities(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, entities, 4)
}

func TestNewValidatesArguments(t *testing.T) {
	v, err := schema.Default()
	require.NoError(t, err)
	dec := snapshot.NewDecoder(v)

	_, err = New(nil, FileFetcher{}, dec, local)
	assert.Error(t, err)
	_, err = New(memory.New(), FileFetcher{}, dec, "")
	assert.Error(t, err)
}
