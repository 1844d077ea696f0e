package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/publish"
	"github.com/roach88/fkg/internal/schema"
	"github.com/roach88/fkg/internal/snapshot"
	"github.com/roach88/fkg/internal/store"
	"github.com/roach88/fkg/internal/store/memory"
	"github.com/roach88/fkg/internal/testutil"
)

const local = "marin.ca.us"

var identity = Identity{
	InstanceID:    local,
	AuthorityName: "Marin County",
	Jurisdiction:  "Marin County, CA",
	SchemaVersion: model.SchemaVersion,
}

type fixture struct {
	store     store.Store
	validator *schema.Validator
	handler   http.Handler
	logs      *bytes.Buffer
	registry  *prometheus.Registry
}

func newFixture(t *testing.T, s store.Store) *fixture {
	t.Helper()
	v, err := schema.Default()
	require.NoError(t, err)

	f := &fixture{store: s, validator: v, logs: &bytes.Buffer{}, registry: prometheus.NewRegistry()}
	exporter := publish.NewExporter(s,
		publish.Authority{ID: identity.InstanceID, Name: identity.AuthorityName, Jurisdiction: identity.Jurisdiction},
		publish.WithClock(func() time.Time { return testutil.Epoch }),
	)
	srv := New(s, exporter, v, identity,
		WithGatherer(f.registry),
		WithLogger(slog.New(slog.NewJSONHandler(f.logs, nil))),
	)
	f.handler = srv.Handler()
	return f
}

func seeded(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	g := testutil.SampleGraph(local)
	clock := testutil.NewDeterministicClock()

	err := s.Update(ctx, func(tx store.Tx) error {
		for _, e := range g.Entities() {
			if err := tx.UpsertEntity(ctx, e); err != nil {
				return err
			}
			if _, err := tx.AppendChangelogEvent(ctx, model.EntityEvent(model.EventCreateEntity, local, e, clock.Now())); err != nil {
				return err
			}
		}
		if err := tx.UpsertEdge(ctx, g.Edge); err != nil {
			return err
		}
		_, err := tx.AppendChangelogEvent(ctx, model.EdgeEvent(model.EventCreateEdge, local, g.Edge, clock.Now()))
		return err
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestLatestServesDecodableSnapshot(t *testing.T) {
	f := newFixture(t, seeded(t))

	rec := f.get(t, "/pkg/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="marin.ca.us-pkg-latest.zip"`, rec.Header().Get("Content-Disposition"))

	files, err := snapshot.ReadZip(rec.Body.Bytes())
	require.NoError(t, err)
	snap, err := snapshot.NewDecoder(f.validator).Decode(files, snapshot.Policy{})
	require.NoError(t, err)
	assert.Equal(t, local, snap.Manifest.AuthorityID)
	assert.Len(t, snap.Entities, 2)
	assert.Len(t, snap.Edges, 1)
	assert.Len(t, snap.Changelog, 3)
}

func TestLatestIsStable(t *testing.T) {
	f := newFixture(t, seeded(t))

	first := f.get(t, "/pkg/latest").Body.Bytes()
	second := f.get(t, "/pkg/latest").Body.Bytes()
	assert.Equal(t, first, second)
}

func TestManifest(t *testing.T) {
	f := newFixture(t, seeded(t))

	rec := f.get(t, "/pkg/manifest")
	require.Equal(t, http.StatusOK, rec.Code)

	var m model.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, local, m.AuthorityID)
	require.NotNil(t, m.Counts)
	assert.Equal(t, 2, m.Counts.Entities)
	assert.Equal(t, 1, m.Counts.Edges)
}

func TestChangelog(t *testing.T) {
	f := newFixture(t, seeded(t))

	rec := f.get(t, "/changelog?since=1&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 1)
	var ev model.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, int64(2), ev.Seq)

	rec = f.get(t, "/changelog")
	assert.Len(t, strings.Split(strings.TrimSpace(rec.Body.String()), "\n"), 3)

	rec = f.get(t, "/changelog?since=3")
	assert.Empty(t, rec.Body.String())
}

func TestChangelogRejectsBadQuery(t *testing.T) {
	f := newFixture(t, memory.New())

	for _, target := range []string{"/changelog?since=abc", "/changelog?limit=-1"} {
		rec := f.get(t, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestWhoami(t *testing.T) {
	f := newFixture(t, memory.New())

	rec := f.get(t, "/whoami")
	require.Equal(t, http.StatusOK, rec.Code)

	var got Identity
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, local, got.InstanceID)
	assert.Equal(t, "Marin County", got.AuthorityName)
	assert.Contains(t, got.AvailableSchemaVersions, model.SchemaVersion)
	assert.Contains(t, got.AvailableEntityTypes, "organization")
}

func TestProvenance(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.UpsertSource(ctx, testutil.Source("src-1", "County dataset")))
	org := testutil.Entity(local, model.TypeOrganization, "Marin Food Bank", map[string]any{
		"evidence": []any{map[string]any{"source_id": "src-1", "confidence": 0.8}},
	})
	require.NoError(t, s.UpsertEntity(ctx, org))
	f := newFixture(t, s)

	rec := f.get(t, "/provenance/"+org.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"entity_id": "`+org.ID+`",
		"source_count": 1,
		"average_confidence": 0.8,
		"score": {"confidence": 0.8, "source_count": 1, "source_types": ["dataset"], "recency_days": null},
		"sources": [{
			"source_id": "src-1",
			"confidence": 0.8,
			"weight": 0.9,
			"source": {
				"id": "src-1",
				"name": "County dataset",
				"type": "dataset",
				"url": "https://data.example.org/src-1",
				"fetched_at": "2026-01-02T03:04:05Z",
				"license": "CC-BY-4.0"
			}
		}]
	}`, rec.Body.String())

	rec = f.get(t, "/provenance/marin.ca.us:organization:0000000000000000")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSource(t *testing.T) {
	s := memory.New()
	require.NoError(t, s.UpsertSource(context.Background(), testutil.Source("src-1", "County dataset")))
	f := newFixture(t, s)

	rec := f.get(t, "/sources/src-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Source
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, testutil.Source("src-1", "County dataset"), got)

	rec = f.get(t, "/sources/src-404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) LatestSeq(context.Context) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestHealth(t *testing.T) {
	rec := newFixture(t, memory.New()).get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","database":"connected"}`, rec.Body.String())

	rec = newFixture(t, brokenStore{memory.New()}).get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","database":"disconnected"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, memory.New())
	promauto.With(f.registry).NewCounter(prometheus.CounterOpts{Name: "fkg_test_total", Help: "test"}).Inc()

	rec := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fkg_test_total 1")
}

func TestRequestIDAndAccessLog(t *testing.T) {
	f := newFixture(t, memory.New())

	rec := f.get(t, "/healthz")
	generated := rec.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	logs := f.logs.String()
	assert.Contains(t, logs, `"request_id":"`+generated+`"`)
	assert.Contains(t, logs, `"request_id":"req-123"`)
	assert.Contains(t, logs, `"path":"/whoami"`)
	assert.Contains(t, logs, `"status":200`)
}

func TestServesOverHTTP(t *testing.T) {
	ts := httptest.NewServer(newFixture(t, seeded(t)).handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/pkg/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	_, err = snapshot.ReadZip(body)
	assert.NoError(t, err)
}
