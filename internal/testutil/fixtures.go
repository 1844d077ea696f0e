package testutil

import (
	"fmt"

	"github.com/roach88/fkg/internal/identity"
	"github.com/roach88/fkg/internal/model"
)

// Entity builds an entity of typ whose id is derived from its content.
// It panics when the content cannot be identified.
func Entity(authorityID, typ, name string, fields map[string]any) model.Entity {
	e := model.Entity{
		Type:          typ,
		SchemaVersion: model.SchemaVersion,
		AuthorityID:   authorityID,
		Name:          name,
		Fields:        make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	id, err := identity.ForEntity(e)
	if err != nil {
		panic(fmt.Sprintf("testutil.Entity: %v", err))
	}
	e.ID = id
	return e
}

// Organization builds an organization entity.
func Organization(authorityID, name, jurisdiction string) model.Entity {
	return Entity(authorityID, model.TypeOrganization, name, map[string]any{
		"jurisdiction": jurisdiction,
		"description":  "Regional food bank",
	})
}

// Service builds a service entity offered by orgID.
func Service(authorityID, name, category, orgID string) model.Entity {
	return Entity(authorityID, model.TypeService, name, map[string]any{
		"category":        category,
		"organization_id": orgID,
	})
}

// Edge builds an edge whose id is derived from its content.
func Edge(authorityID string, typ model.EdgeType, srcID, dstID string) model.Edge {
	e := model.Edge{
		Type:          typ,
		SrcID:         srcID,
		DstID:         dstID,
		SchemaVersion: model.SchemaVersion,
		AuthorityID:   authorityID,
	}
	id, err := identity.ForEdge(e)
	if err != nil {
		panic(fmt.Sprintf("testutil.Edge: %v", err))
	}
	e.ID = id
	return e
}

// Source builds a provenance record.
func Source(id, name string) model.Source {
	return model.Source{
		ID:        id,
		Name:      name,
		Type:      "dataset",
		URL:       "https://data.example.org/" + id,
		FetchedAt: Epoch.Format("2006-01-02T15:04:05Z"),
		License:   "CC-BY-4.0",
	}
}

// Graph is a small authority dataset: one organization offering one
// service, linked by an ORG_OFFERS_SERVICE edge, plus one source.
type Graph struct {
	Organization model.Entity
	Service      model.Entity
	Edge         model.Edge
	Source       model.Source
}

// SampleGraph builds the standard fixture dataset for authorityID.
func SampleGraph(authorityID string) Graph {
	org := Organization(authorityID, "Marin Food Bank", "Marin County")
	svc := Service(authorityID, "CalFresh Enrollment", "food", org.ID)
	return Graph{
		Organization: org,
		Service:      svc,
		Edge:         Edge(authorityID, model.EdgeOrgOffersService, org.ID, svc.ID),
		Source:       Source("src-1", "County dataset"),
	}
}

// Entities returns the graph's entities in a stable order.
func (g Graph) Entities() []model.Entity {
	return []model.Entity{g.Organization, g.Service}
}

// Edges returns the graph's edges.
func (g Graph) Edges() []model.Edge {
	return []model.Edge{g.Edge}
}

// Sources returns the graph's sources.
func (g Graph) Sources() []model.Source {
	return []model.Source{g.Source}
}
