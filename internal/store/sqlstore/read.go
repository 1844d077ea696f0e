package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fkg/internal/canonical"
	"github.com/roach88/fkg/internal/model"
)

// EventsSince returns events with seq > after in seq order.
// A limit of zero or less returns every remaining event.
func (s *Store) EventsSince(ctx context.Context, after int64, limit int) ([]model.Event, error) {
	query := `
		SELECT seq, event_type, authority_id, payload, created_at
		FROM changelog
		WHERE seq > $1
		ORDER BY seq ASC`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStoreError("query changelog", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("iterate changelog", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (model.Event, error) {
	var (
		ev        model.Event
		eventType string
		payload   string
		createdAt string
	)
	if err := rows.Scan(&ev.Seq, &eventType, &ev.AuthorityID, &payload, &createdAt); err != nil {
		return model.Event{}, model.NewStoreError("scan changelog event", err)
	}
	ev.EventType = model.EventType(eventType)

	p, err := unmarshalPayload(payload)
	if err != nil {
		return model.Event{}, model.NewStoreError(fmt.Sprintf("decode payload of seq %d", ev.Seq), err)
	}
	ev.Payload = p

	ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return model.Event{}, model.NewStoreError(fmt.Sprintf("decode created_at of seq %d", ev.Seq), err)
	}
	return ev, nil
}

// Entities lists entities ordered by id bytes, optionally for one authority.
func (s *Store) Entities(ctx context.Context, authorityID string) ([]model.Entity, error) {
	out := []model.Entity{}
	err := s.listRecords(ctx, "entities", authorityID, func(record []byte) error {
		var e model.Entity
		if err := e.UnmarshalJSON(record); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Edges lists edges ordered by id bytes, optionally for one authority.
func (s *Store) Edges(ctx context.Context, authorityID string) ([]model.Edge, error) {
	out := []model.Edge{}
	err := s.listRecords(ctx, "edges", authorityID, func(record []byte) error {
		var e model.Edge
		if err := e.UnmarshalJSON(record); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// Sources lists sources ordered by id bytes.
func (s *Store) Sources(ctx context.Context) ([]model.Source, error) {
	out := []model.Source{}
	err := s.listRecords(ctx, "sources", "", func(record []byte) error {
		var src model.Source
		if err := src.UnmarshalJSON(record); err != nil {
			return err
		}
		out = append(out, src)
		return nil
	})
	return out, err
}

// listRecords streams the record column of table in id order. table is
// always one of the fixed table names above.
func (s *Store) listRecords(ctx context.Context, table, authorityID string, fn func([]byte) error) error {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT record FROM %s", table)
	var args []any
	if authorityID != "" {
		b.WriteString(" WHERE authority_id = $1")
		args = append(args, authorityID)
	}
	fmt.Fprintf(&b, " ORDER BY id COLLATE %s ASC", s.dialect.BinaryCollation())

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return model.NewStoreError("list "+table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return model.NewStoreError("scan "+table, err)
		}
		if err := fn([]byte(record)); err != nil {
			return model.NewStoreError("decode "+table, err)
		}
	}
	if err := rows.Err(); err != nil {
		return model.NewStoreError("iterate "+table, err)
	}
	return nil
}

// marshalPayload converts an event payload to canonical JSON TEXT.
func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses payload TEXT, keeping numbers as json.Number.
func unmarshalPayload(data string) (map[string]any, error) {
	if data == "" {
		return map[string]any{}, nil
	}
	m, err := model.DecodeObject([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return m, nil
}
