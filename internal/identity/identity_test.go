package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fkg/internal/model"
)

func TestDeriveIDKnownVector(t *testing.T) {
	// sha256("{}") = 44136fa355b3678a...
	id, err := DeriveID("test.local", "organization", []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, "test.local:organization:44136fa355b3678a", id)
}

func TestDeriveIDDeterminism(t *testing.T) {
	content := []byte(`{"name":"marin food bank"}`)

	first := MustDeriveID("marin.ca.us", "organization", content)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, MustDeriveID("marin.ca.us", "organization", content))
	}
}

func TestDeriveIDFormat(t *testing.T) {
	id := MustDeriveID("test.local", "service", []byte(`{"a":1}`))

	parts := strings.Split(id, Delimiter)
	require.Len(t, parts, 3)
	assert.Equal(t, "test.local", parts[0])
	assert.Equal(t, "service", parts[1])
	assert.Len(t, parts[2], HashLength)
	assert.Equal(t, strings.ToLower(parts[2]), parts[2])
}

func TestDeriveIDInvalidInput(t *testing.T) {
	tests := []struct {
		name      string
		authority string
		typeTag   string
		content   []byte
	}{
		{"authority with delimiter", "evil:authority", "organization", []byte("{}")},
		{"type with delimiter", "test.local", "org:x", []byte("{}")},
		{"empty authority", "", "organization", []byte("{}")},
		{"empty type", "test.local", "", []byte("{}")},
		{"empty content", "test.local", "organization", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeriveID(tt.authority, tt.typeTag, tt.content)
			require.Error(t, err)
			assert.True(t, model.IsKind(err, model.KindInvalidIdentityInput), "got %v", err)
		})
	}
}

func TestEntityIDKnownVector(t *testing.T) {
	id, err := EntityID("marin.ca.us", model.TypeOrganization, map[string]any{
		"name":         "Marin Food Bank",
		"jurisdiction": "Marin County",
		"description":  "not part of the identity",
	})
	require.NoError(t, err)
	assert.Equal(t, "marin.ca.us:organization:96f1cf882a77b9e1", id)
}

func TestEntityIDNormalization(t *testing.T) {
	a, err := EntityID("test.local", model.TypeOrganization, map[string]any{
		"name": "Marin Food Bank, Inc.",
	})
	require.NoError(t, err)

	b, err := EntityID("test.local", model.TypeOrganization, map[string]any{
		"name":         "  marin   FOOD bank ",
		"jurisdiction": nil,
		"address":      map[string]any{},
	})
	require.NoError(t, err)

	assert.Equal(t, a, b, "casing, spacing, suffixes and empty fields must not change the id")
}

func TestEntityIDIgnoresNonDefiningFields(t *testing.T) {
	base := map[string]any{"name": "Sonoma Shelter", "description": "Open daily"}
	edited := map[string]any{"name": "Sonoma Shelter", "description": "Open weekdays", "phone": "555"}

	a, err := EntityID("sonoma.ca.us", model.TypeOrganization, base)
	require.NoError(t, err)
	b, err := EntityID("sonoma.ca.us", model.TypeOrganization, edited)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := EntityID("sonoma.ca.us", model.TypeOrganization, map[string]any{"name": "Sonoma Shelter North"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestEntityIDIgnoresHeaderFields(t *testing.T) {
	fields := map[string]any{"name": "Shelter"}
	withHeader := map[string]any{
		"name":           "Shelter",
		"id":             "whatever:organization:0000000000000000",
		"authority_id":   "other.authority",
		"schema_version": "v9",
	}

	a, err := EntityID("test.local", model.TypeOrganization, fields)
	require.NoError(t, err)
	b, err := EntityID("test.local", model.TypeOrganization, withHeader)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEntityIDUnregisteredTypeUsesAllFields(t *testing.T) {
	a, err := EntityID("test.local", "program", map[string]any{"name": "X", "code": "1"})
	require.NoError(t, err)
	b, err := EntityID("test.local", "program", map[string]any{"name": "X", "code": "2"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEntityIDNoDefiningContent(t *testing.T) {
	_, err := EntityID("test.local", model.TypeOrganization, map[string]any{"description": "no name"})
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidIdentityInput))
}

func TestForEntityMatchesEntityID(t *testing.T) {
	e := model.Entity{
		Type:        model.TypeService,
		AuthorityID: "marin.ca.us",
		Name:        "CalFresh Enrollment",
		Fields:      map[string]any{"category": "food"},
	}

	id, err := ForEntity(e)
	require.NoError(t, err)

	want, err := EntityID("marin.ca.us", model.TypeService, map[string]any{
		"name":     "CalFresh Enrollment",
		"category": "food",
	})
	require.NoError(t, err)
	assert.Equal(t, want, id)
}

func TestEdgeIDKnownVector(t *testing.T) {
	id, err := EdgeID("marin.ca.us", model.EdgeOrgOffersService,
		"marin.ca.us:organization:a", "marin.ca.us:service:b", nil)
	require.NoError(t, err)
	assert.Equal(t, "marin.ca.us:edge:15f486b35ba5fa83", id)
}

func TestEdgeIDDistinguishesEndpointsAndProperties(t *testing.T) {
	base := mustEdgeID(t, "org:1", "svc:1", nil)

	assert.Equal(t, base, mustEdgeID(t, "org:1", "svc:1", nil))
	assert.NotEqual(t, base, mustEdgeID(t, "org:1", "svc:2", nil))
	assert.NotEqual(t, base, mustEdgeID(t, "svc:1", "org:1", nil), "direction matters")
	assert.NotEqual(t, base, mustEdgeID(t, "org:1", "svc:1", map[string]any{"since": "2020"}))
}

func mustEdgeID(t *testing.T, src, dst string, props map[string]any) string {
	t.Helper()
	id, err := EdgeID("test.local", model.EdgeOrgOffersService, src, dst, props)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "test.local:edge:"))
	return id
}

func TestContentHash(t *testing.T) {
	a, err := ContentHash(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := ContentHash(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	c, err := ContentHash(map[string]any{"a": "X", "b": 1})
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "content hash is not case-normalized")
}

func TestParse(t *testing.T) {
	p, err := Parse("sonoma.ca.us:organization:0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, Parts{AuthorityID: "sonoma.ca.us", TypeTag: "organization", Hash: "0123456789abcdef"}, p)

	for _, bad := range []string{
		"",
		"sonoma.ca.us:organization",
		"a:b:c:d",
		":organization:0123456789abcdef",
		"sonoma.ca.us:organization:0123",
		"sonoma.ca.us:organization:0123456789ABCDEF",
	} {
		_, err := Parse(bad)
		assert.Error(t, err, "id %q", bad)
		assert.False(t, ValidShape(bad), "id %q", bad)
	}
	assert.True(t, ValidShape("sonoma.ca.us:edge:0123456789abcdef"))
}

func TestRegisterDefiningFields(t *testing.T) {
	RegisterDefiningFields("program", "code")
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, "program")
		registryMu.Unlock()
	})

	assert.Equal(t, []string{"code"}, DefiningFields("program"))

	a, err := EntityID("test.local", "program", map[string]any{"name": "X", "code": "1"})
	require.NoError(t, err)
	b, err := EntityID("test.local", "program", map[string]any{"name": "Y", "code": "1"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
