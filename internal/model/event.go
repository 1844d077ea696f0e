package model

import (
	"time"
)

// EventType identifies the mutation recorded by a changelog event.
type EventType string

const (
	EventCreateEntity EventType = "create_entity"
	EventUpdateEntity EventType = "update_entity"
	EventDeleteEntity EventType = "delete_entity"
	EventCreateEdge   EventType = "create_edge"
	EventUpdateEdge   EventType = "update_edge"
	EventDeleteEdge   EventType = "delete_edge"
)

// EventTypes lists every changelog event type.
var EventTypes = []EventType{
	EventCreateEntity, EventUpdateEntity, EventDeleteEntity,
	EventCreateEdge, EventUpdateEdge, EventDeleteEdge,
}

// Event is one immutable changelog entry. Seq is assigned by the store on
// append and is strictly increasing per store instance.
type Event struct {
	Seq         int64          `json:"seq"`
	EventType   EventType      `json:"event_type"`
	AuthorityID string         `json:"authority_id"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EntityEvent builds an event whose payload references an entity.
func EntityEvent(typ EventType, authorityID string, e Entity, at time.Time) Event {
	return Event{
		EventType:   typ,
		AuthorityID: authorityID,
		Payload:     map[string]any{"entity_id": e.ID, "type": e.Type},
		CreatedAt:   at.UTC(),
	}
}

// EdgeEvent builds an event whose payload references an edge and its endpoints.
func EdgeEvent(typ EventType, authorityID string, e Edge, at time.Time) Event {
	return Event{
		EventType:   typ,
		AuthorityID: authorityID,
		Payload: map[string]any{
			"edge_id": e.ID,
			"type":    string(e.Type),
			"src_id":  e.SrcID,
			"dst_id":  e.DstID,
		},
		CreatedAt: at.UTC(),
	}
}

// RecordID returns the id of the record the event refers to.
func (e Event) RecordID() string {
	for _, key := range []string{"entity_id", "edge_id", "id"} {
		if id, ok := e.Payload[key].(string); ok {
			return id
		}
	}
	return ""
}
