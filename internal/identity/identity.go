// Package identity derives content-addressed identifiers for entities and edges.
//
// An identifier has the form {authority}:{type}:{hash16} where hash16 is the
// first 16 lowercase hex characters of SHA-256 over the canonical encoding of
// the record's defining content. Edges use the literal type tag "edge".
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/roach88/fkg/internal/canonical"
	"github.com/roach88/fkg/internal/model"
)

const (
	// Delimiter separates the three id segments.
	Delimiter = ":"

	// HashLength is the number of hex characters kept from the digest.
	HashLength = 16

	// EdgeTag is the type segment of every edge id.
	EdgeTag = "edge"
)

// DeriveID computes {authorityID}:{typeTag}:{hash16} over canonicalContent.
// It is pure: identical inputs yield identical output across processes.
func DeriveID(authorityID, typeTag string, canonicalContent []byte) (string, error) {
	if err := checkSegment("authority id", authorityID); err != nil {
		return "", err
	}
	if err := checkSegment("type tag", typeTag); err != nil {
		return "", err
	}
	if len(canonicalContent) == 0 {
		return "", model.NewInvalidIdentityInput("canonical content is empty")
	}

	sum := sha256.Sum256(canonicalContent)
	short := hex.EncodeToString(sum[:])[:HashLength]
	return authorityID + Delimiter + typeTag + Delimiter + short, nil
}

// MustDeriveID is like DeriveID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDeriveID(authorityID, typeTag string, canonicalContent []byte) string {
	id, err := DeriveID(authorityID, typeTag, canonicalContent)
	if err != nil {
		panic(err)
	}
	return id
}

func checkSegment(what, s string) error {
	if s == "" {
		return model.NewInvalidIdentityInput("%s is empty", what)
	}
	if strings.Contains(s, Delimiter) {
		return model.NewInvalidIdentityInput("%s %q contains delimiter %q", what, s, Delimiter)
	}
	return nil
}

// EntityID derives the id of an entity from its defining fields.
// Fields outside DefiningFields(typ) do not influence the id, so descriptive
// edits keep the id stable.
func EntityID(authorityID, typ string, fields map[string]any) (string, error) {
	content, err := EntityContent(typ, fields)
	if err != nil {
		return "", err
	}
	return DeriveID(authorityID, typ, content)
}

// EntityContent returns the canonical bytes an entity id is derived from.
func EntityContent(typ string, fields map[string]any) ([]byte, error) {
	defining := selectDefining(typ, fields)
	normalized := canonical.Normalize(defining)
	if len(normalized) == 0 {
		return nil, model.NewInvalidIdentityInput("entity of type %q has no defining content", typ)
	}
	content, err := canonical.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("EntityContent: failed to marshal: %w", err)
	}
	return content, nil
}

// ForEntity derives the id e should carry.
func ForEntity(e model.Entity) (string, error) {
	return EntityID(e.AuthorityID, e.Type, e.Map())
}

// EdgeID derives the id of an edge. The canonical content is the edge's
// authority, type, endpoints and properties.
func EdgeID(authorityID string, typ model.EdgeType, srcID, dstID string, properties map[string]any) (string, error) {
	payload := map[string]any{
		"authority_id": authorityID,
		"type":         string(typ),
		"src_id":       srcID,
		"dst_id":       dstID,
	}
	if len(properties) > 0 {
		payload["properties"] = properties
	}
	content, err := canonical.Marshal(canonical.Normalize(payload))
	if err != nil {
		return "", fmt.Errorf("EdgeID: failed to marshal: %w", err)
	}
	return DeriveID(authorityID, EdgeTag, content)
}

// ForEdge derives the id e should carry.
func ForEdge(e model.Edge) (string, error) {
	return EdgeID(e.AuthorityID, e.Type, e.SrcID, e.DstID, e.Properties)
}

// ContentHash returns the full SHA-256 hex digest of v's canonical
// encoding. Unlike ids it covers every field and is used for change detection.
func ContentHash(v any) (string, error) {
	content, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("ContentHash: failed to marshal: %w", err)
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), nil
}

// Parts are the segments of a parsed id.
type Parts struct {
	AuthorityID string
	TypeTag     string
	Hash        string
}

// Parse splits id into its segments and checks the hash shape.
func Parse(id string) (Parts, error) {
	segs := strings.Split(id, Delimiter)
	if len(segs) != 3 {
		return Parts{}, fmt.Errorf("id %q: expected 3 segments, got %d", id, len(segs))
	}
	p := Parts{AuthorityID: segs[0], TypeTag: segs[1], Hash: segs[2]}
	if p.AuthorityID == "" || p.TypeTag == "" {
		return Parts{}, fmt.Errorf("id %q: empty segment", id)
	}
	if len(p.Hash) != HashLength || !isLowerHex(p.Hash) {
		return Parts{}, fmt.Errorf("id %q: hash must be %d lowercase hex characters", id, HashLength)
	}
	return p, nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// ValidShape reports whether id has the {authority}:{type}:{hash16} form.
// It does not check that the id matches any content.
func ValidShape(id string) bool {
	_, err := Parse(id)
	return err == nil
}
