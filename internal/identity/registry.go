package identity

import (
	"slices"
	"sync"

	"github.com/roach88/fkg/internal/model"
)

// excluded never contribute to an entity id.
var excluded = []string{"id", "authority_id", "schema_version", "type"}

var (
	registryMu sync.RWMutex
	registry   = map[string][]string{
		model.TypeOrganization: {"name", "jurisdiction", "address"},
		model.TypeService:      {"name", "category", "organization_id"},
		model.TypeLocation:     {"name", "address", "latitude", "longitude"},
		model.TypePerson:       {"name", "email"},
	}
)

// DefiningFields returns the fields that identify an entity of typ, or nil
// when typ has no registration and every non-header field is defining.
func DefiningFields(typ string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Clone(registry[typ])
}

// RegisterDefiningFields sets the identifying fields for typ.
// Changing the registration of an existing type changes its ids.
func RegisterDefiningFields(typ string, fields ...string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[typ] = slices.Clone(fields)
}

func selectDefining(typ string, fields map[string]any) map[string]any {
	defining := DefiningFields(typ)
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if slices.Contains(excluded, k) {
			continue
		}
		if defining != nil && !slices.Contains(defining, k) {
			continue
		}
		out[k] = v
	}
	return out
}
