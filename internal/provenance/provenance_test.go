package provenance

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/store"
	"github.com/roach88/fkg/internal/store/memory"
	"github.com/roach88/fkg/internal/testutil"
)

const local = "marin.ca.us"

func sourced(confidence float64, typ string) SourcedEvidence {
	ev := SourcedEvidence{Evidence: Evidence{SourceID: "src-" + typ, Confidence: confidence}}
	if typ != "" {
		src := testutil.Source("src-"+typ, typ+" source")
		src.Type = typ
		ev.Source = &src
	}
	return ev
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name       string
		evidence   []SourcedEvidence
		confidence float64
		types      []string
	}{
		{"no evidence", nil, 0, []string{}},
		{"single source", []SourcedEvidence{sourced(0.8, "dataset")}, 0.8, []string{"dataset"}},
		{"same type averages", []SourcedEvidence{sourced(0.8, "dataset"), sourced(0.6, "dataset")}, 0.7, []string{"dataset"}},
		{"two types earn a bonus", []SourcedEvidence{sourced(0.8, "dataset"), sourced(0.6, "url")}, 0.75, []string{"dataset", "url"}},
		{"bonus is capped", []SourcedEvidence{sourced(0.5, "api"), sourced(0.5, "dataset"), sourced(0.5, "url"), sourced(0.5, "file")}, 0.6, []string{"api", "dataset", "file", "url"}},
		{"total is capped", []SourcedEvidence{sourced(1, "api"), sourced(0.9, "manual")}, 1, []string{"api", "manual"}},
		{"unknown source has no type", []SourcedEvidence{sourced(0.9, "")}, 0.9, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(tt.evidence)
			assert.InDelta(t, tt.confidence, got.Confidence, 1e-9)
			assert.Equal(t, len(tt.evidence), got.SourceCount)
			assert.Equal(t, tt.types, got.SourceTypes)
			assert.Nil(t, got.RecencyDays)
		})
	}
}

func TestCalculateRoundsToThreePlaces(t *testing.T) {
	got := Calculate([]SourcedEvidence{sourced(1, "dataset"), sourced(1, "dataset"), sourced(0.9, "dataset")})
	assert.Equal(t, 0.967, got.Confidence)
}

func TestSourceWeight(t *testing.T) {
	assert.Equal(t, 0.9, SourceWeight("api"))
	assert.Equal(t, 0.9, SourceWeight("dataset"))
	assert.Equal(t, 0.7, SourceWeight("url"))
	assert.Equal(t, 0.7, SourceWeight("file"))
	assert.Equal(t, 0.8, SourceWeight("manual"))
	assert.Equal(t, 0.5, SourceWeight("rumor"))
	assert.Equal(t, 0.5, SourceWeight(""))
}

func TestFromEntity(t *testing.T) {
	e := testutil.Entity(local, model.TypeOrganization, "Marin Food Bank", map[string]any{
		"evidence": []any{
			map[string]any{"source_id": "src-1", "confidence": 0.8, "extracted_at": "2025-01-02T03:04:05Z"},
			map[string]any{"source_id": "src-2", "notes": "phone call"},
		},
		"source_ids": []any{"src-1", "src-3"},
	})

	got, err := FromEntity(e)
	require.NoError(t, err)
	assert.Equal(t, []Evidence{
		{SourceID: "src-1", Confidence: 0.8, ExtractedAt: "2025-01-02T03:04:05Z"},
		{SourceID: "src-2", Confidence: DefaultConfidence, Notes: "phone call"},
		{SourceID: "src-3", Confidence: DefaultConfidence},
	}, got)
}

func TestFromEntityDecodedFromJSON(t *testing.T) {
	var e model.Entity
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "marin.ca.us:organization:0123456789abcdef",
		"type": "organization",
		"schema_version": "0.1",
		"authority_id": "marin.ca.us",
		"name": "Marin Food Bank",
		"evidence": [{"source_id": "src-1", "confidence": 0}],
		"source_ids": ["src-2"]
	}`), &e))

	got, err := FromEntity(e)
	require.NoError(t, err)
	assert.Equal(t, []Evidence{
		{SourceID: "src-1", Confidence: 0},
		{SourceID: "src-2", Confidence: DefaultConfidence},
	}, got)
}

func TestFromEntityWithoutEvidence(t *testing.T) {
	got, err := FromEntity(testutil.Organization(local, "Marin Food Bank", "Marin County"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFromEntityRejectsBadEvidence(t *testing.T) {
	tests := map[string]any{
		"no source id":        []any{map[string]any{"confidence": 0.5}},
		"confidence above 1":  []any{map[string]any{"source_id": "src-1", "confidence": 1.5}},
		"negative confidence": []any{map[string]any{"source_id": "src-1", "confidence": -0.1}},
		"not a list":          "src-1",
	}
	for name, evidence := range tests {
		t.Run(name, func(t *testing.T) {
			e := testutil.Entity(local, model.TypeOrganization, "Marin Food Bank", map[string]any{"evidence": evidence})
			_, err := FromEntity(e)
			assert.Error(t, err)
		})
	}
}

func TestForEntity(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	county := testutil.Source("src-1", "County dataset")
	website := testutil.Source("src-2", "Food bank website")
	website.Type = "url"
	require.NoError(t, s.UpsertSource(ctx, county))
	require.NoError(t, s.UpsertSource(ctx, website))

	org := testutil.Entity(local, model.TypeOrganization, "Marin Food Bank", map[string]any{
		"evidence":   []any{map[string]any{"source_id": "src-1", "confidence": 0.8}},
		"source_ids": []any{"src-1", "src-2", "src-gone"},
	})
	require.NoError(t, s.UpsertEntity(ctx, org))

	report, err := ForEntity(ctx, s, org.ID)
	require.NoError(t, err)

	assert.Equal(t, org.ID, report.EntityID)
	assert.Equal(t, 3, report.SourceCount)
	require.NotNil(t, report.AverageConfidence)
	assert.InDelta(t, 2.8/3, *report.AverageConfidence, 1e-9)
	assert.Equal(t, Score{Confidence: 0.983, SourceCount: 3, SourceTypes: []string{"dataset", "url"}}, report.Score)

	require.Len(t, report.Sources, 3)
	assert.Equal(t, &county, report.Sources[0].Source)
	assert.Equal(t, 0.9, report.Sources[0].Weight)
	assert.Equal(t, &website, report.Sources[1].Source)
	assert.Equal(t, 0.7, report.Sources[1].Weight)
	assert.Nil(t, report.Sources[2].Source, "unknown sources are reported without a record")
	assert.Equal(t, 0.5, report.Sources[2].Weight)
}

func TestForEntityWithoutEvidence(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	org := testutil.Organization(local, "Marin Food Bank", "Marin County")
	require.NoError(t, s.UpsertEntity(ctx, org))

	report, err := ForEntity(ctx, s, org.ID)
	require.NoError(t, err)
	assert.Zero(t, report.SourceCount)
	assert.Nil(t, report.AverageConfidence)
	assert.Empty(t, report.Sources)
	assert.Zero(t, report.Score.Confidence)
}

func TestForEntityNotFound(t *testing.T) {
	_, err := ForEntity(context.Background(), memory.New(), "marin.ca.us:organization:0000000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
