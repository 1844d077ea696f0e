package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/fkg/internal/canonical"
)

// SchemaVersion is the record schema version written by this build.
const SchemaVersion = "v0.1"

// Entity types with a registered schema.
const (
	TypeOrganization = "organization"
	TypeService      = "service"
	TypeLocation     = "location"
	TypePerson       = "person"
)

// EntityTypes lists the governed entity type vocabulary.
var EntityTypes = []string{TypeOrganization, TypeService, TypeLocation, TypePerson}

// EdgeType names a directed relationship between two entities.
type EdgeType string

const (
	EdgeOrgOffersService       EdgeType = "ORG_OFFERS_SERVICE"
	EdgeOrgHasLocation         EdgeType = "ORG_HAS_LOCATION"
	EdgeServiceAtLocation      EdgeType = "SERVICE_AT_LOCATION"
	EdgePersonWorksAtOrg       EdgeType = "PERSON_WORKS_AT_ORG"
	EdgePersonManagesService   EdgeType = "PERSON_MANAGES_SERVICE"
	EdgeOrgPartnersWith        EdgeType = "ORG_PARTNERS_WITH"
	EdgeServiceRequiresService EdgeType = "SERVICE_REQUIRES_SERVICE"
	EdgeLocationNearLocation   EdgeType = "LOCATION_NEAR_LOCATION"
)

// EdgeTypes is the fixed edge type vocabulary.
var EdgeTypes = []EdgeType{
	EdgeOrgOffersService,
	EdgeOrgHasLocation,
	EdgeServiceAtLocation,
	EdgePersonWorksAtOrg,
	EdgePersonManagesService,
	EdgeOrgPartnersWith,
	EdgeServiceRequiresService,
	EdgeLocationNearLocation,
}

// Valid reports whether t is in the edge type vocabulary.
func (t EdgeType) Valid() bool {
	return slices.Contains(EdgeTypes, t)
}

// Entity is a graph node. The header fields are common to every type;
// everything else lives in Fields and is governed by the type's schema.
// An Entity encodes to a single flat JSON object.
type Entity struct {
	ID            string
	Type          string
	SchemaVersion string
	AuthorityID   string
	Name          string
	Fields        map[string]any
}

var entityHeader = []string{"id", "type", "schema_version", "authority_id", "name"}

// Map returns the flat record representation of e.
func (e Entity) Map() map[string]any {
	m := make(map[string]any, len(e.Fields)+len(entityHeader))
	maps.Copy(m, e.Fields)
	putString(m, "id", e.ID)
	putString(m, "type", e.Type)
	putString(m, "schema_version", e.SchemaVersion)
	putString(m, "authority_id", e.AuthorityID)
	putString(m, "name", e.Name)
	return m
}

// EntityFromMap splits a flat record into header and type-specific fields.
func EntityFromMap(m map[string]any) (Entity, error) {
	var e Entity
	var err error
	if e.ID, err = takeString(m, "id"); err != nil {
		return Entity{}, err
	}
	if e.Type, err = takeString(m, "type"); err != nil {
		return Entity{}, err
	}
	if e.SchemaVersion, err = takeString(m, "schema_version"); err != nil {
		return Entity{}, err
	}
	if e.AuthorityID, err = takeString(m, "authority_id"); err != nil {
		return Entity{}, err
	}
	if e.Name, err = takeString(m, "name"); err != nil {
		return Entity{}, err
	}
	e.Fields = make(map[string]any, len(m))
	for k, v := range m {
		if !isHeader(k, entityHeader) {
			e.Fields[k] = v
		}
	}
	return e, nil
}

// MarshalJSON encodes e as canonical JSON.
func (e Entity) MarshalJSON() ([]byte, error) {
	return canonical.Marshal(e.Map())
}

// UnmarshalJSON decodes a flat record, keeping numbers exact.
func (e *Entity) UnmarshalJSON(data []byte) error {
	m, err := DecodeObject(data)
	if err != nil {
		return err
	}
	parsed, err := EntityFromMap(m)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Edge is a directed, typed relationship between two entities.
type Edge struct {
	ID            string         `json:"id,omitempty"`
	Type          EdgeType       `json:"type,omitempty"`
	SrcID         string         `json:"src_id,omitempty"`
	DstID         string         `json:"dst_id,omitempty"`
	SchemaVersion string         `json:"schema_version,omitempty"`
	AuthorityID   string         `json:"authority_id,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// Map returns the flat record representation of e.
func (e Edge) Map() map[string]any {
	m := make(map[string]any, 7)
	putString(m, "id", e.ID)
	putString(m, "type", string(e.Type))
	putString(m, "src_id", e.SrcID)
	putString(m, "dst_id", e.DstID)
	putString(m, "schema_version", e.SchemaVersion)
	putString(m, "authority_id", e.AuthorityID)
	if len(e.Properties) > 0 {
		m["properties"] = e.Properties
	}
	return m
}

// MarshalJSON encodes e as canonical JSON.
func (e Edge) MarshalJSON() ([]byte, error) {
	return canonical.Marshal(e.Map())
}

// UnmarshalJSON decodes an edge record, keeping numbers exact.
func (e *Edge) UnmarshalJSON(data []byte) error {
	m, err := DecodeObject(data)
	if err != nil {
		return err
	}
	parsed, err := EdgeFromMap(m)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// EdgeFromMap converts a flat edge record.
func EdgeFromMap(m map[string]any) (Edge, error) {
	var e Edge
	var err error
	var typ string
	if e.ID, err = takeString(m, "id"); err != nil {
		return Edge{}, err
	}
	if typ, err = takeString(m, "type"); err != nil {
		return Edge{}, err
	}
	e.Type = EdgeType(typ)
	if e.SrcID, err = takeString(m, "src_id"); err != nil {
		return Edge{}, err
	}
	if e.DstID, err = takeString(m, "dst_id"); err != nil {
		return Edge{}, err
	}
	if e.SchemaVersion, err = takeString(m, "schema_version"); err != nil {
		return Edge{}, err
	}
	if e.AuthorityID, err = takeString(m, "authority_id"); err != nil {
		return Edge{}, err
	}
	if raw, ok := m["properties"]; ok && raw != nil {
		props, ok := raw.(map[string]any)
		if !ok {
			return Edge{}, fmt.Errorf("properties: expected object, got %T", raw)
		}
		e.Properties = props
	}
	return e, nil
}

// Source is a provenance record. Unknown fields are preserved in Extra.
type Source struct {
	ID        string
	Name      string
	Type      string
	URL       string
	FetchedAt string
	License   string
	Extra     map[string]any
}

var sourceHeader = []string{"id", "name", "type", "url", "fetched_at", "license"}

// Map returns the flat record representation of s.
func (s Source) Map() map[string]any {
	m := make(map[string]any, len(s.Extra)+len(sourceHeader))
	maps.Copy(m, s.Extra)
	putString(m, "id", s.ID)
	putString(m, "name", s.Name)
	putString(m, "type", s.Type)
	putString(m, "url", s.URL)
	putString(m, "fetched_at", s.FetchedAt)
	putString(m, "license", s.License)
	return m
}

// SourceFromMap converts a flat source record.
func SourceFromMap(m map[string]any) (Source, error) {
	var s Source
	var err error
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"id", &s.ID}, {"name", &s.Name}, {"type", &s.Type},
		{"url", &s.URL}, {"fetched_at", &s.FetchedAt}, {"license", &s.License},
	} {
		if *f.dst, err = takeString(m, f.key); err != nil {
			return Source{}, err
		}
	}
	for k, v := range m {
		if isHeader(k, sourceHeader) {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]any)
		}
		s.Extra[k] = v
	}
	return s, nil
}

// MarshalJSON encodes s as canonical JSON.
func (s Source) MarshalJSON() ([]byte, error) {
	return canonical.Marshal(s.Map())
}

// UnmarshalJSON decodes a source record, keeping numbers exact.
func (s *Source) UnmarshalJSON(data []byte) error {
	m, err := DecodeObject(data)
	if err != nil {
		return err
	}
	parsed, err := SourceFromMap(m)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DecodeObject parses a single JSON object. Numbers stay json.Number so
// they re-encode byte for byte, and trailing data is rejected.
func DecodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("expected JSON object, got null")
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return m, nil
}

func putString(m map[string]any, key, val string) {
	if val != "" {
		m[key] = val
	}
}

func takeString(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected string, got %T", key, raw)
	}
	return s, nil
}

func isHeader(key string, header []string) bool {
	return slices.Contains(header, key)
}
