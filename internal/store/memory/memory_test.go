package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/store"
	"github.com/roach88/fkg/internal/store/storetest"
	"github.com/roach88/fkg/internal/testutil"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestUpsertCopiesMaps(t *testing.T) {
	ctx := context.Background()
	s := New()
	org := testutil.SampleGraph("marin.ca.us").Organization

	require.NoError(t, s.UpsertEntity(ctx, org))
	org.Fields["description"] = "mutated after write"

	got, err := s.GetEntity(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "Regional food bank", got.Fields["description"])
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())

	err := s.UpsertSource(ctx, testutil.Source("src-1", "x"))
	assert.True(t, model.IsKind(err, model.KindStoreError))
}
