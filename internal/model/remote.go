package model

import (
	"slices"
)

// Trust is the per-remote trust policy applied during a pull.
type Trust struct {
	VerifySignatures bool `json:"verify_signatures" yaml:"verify_signatures" mapstructure:"verify_signatures"`

	// AllowEntityTypes restricts imported entity types. Empty allows all.
	AllowEntityTypes []string `json:"allow_entity_types,omitempty" yaml:"allow_entity_types,omitempty" mapstructure:"allow_entity_types"`

	// Filter is an optional CEL expression evaluated against each entity
	// (bound as `entity`) after the type allow-list.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty" mapstructure:"filter"`

	// RequireDerivedIDs rejects entities and edges whose id is not the one
	// derived from their own content. When false such records are merged
	// with a warning.
	RequireDerivedIDs bool `json:"require_derived_ids,omitempty" yaml:"require_derived_ids,omitempty" mapstructure:"require_derived_ids"`
}

// AllowsType reports whether entities of typ pass the allow-list.
func (t Trust) AllowsType(typ string) bool {
	return len(t.AllowEntityTypes) == 0 || slices.Contains(t.AllowEntityTypes, typ)
}

// Remote is a federation peer as configured by the deployment.
type Remote struct {
	ID        string `json:"id" yaml:"id" mapstructure:"id"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty" mapstructure:"public_key"`
	Trust     Trust  `json:"trust" yaml:"trust" mapstructure:"trust"`
}
