// Package ingest authors local records from line-delimited JSON.
//
// Every ingested record belongs to the local authority: authority_id is
// overwritten, schema_version defaults to the current version, and ids are
// derived from content. A supplied id must equal the derived one.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/fkg/internal/identity"
	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/schema"
	"github.com/roach88/fkg/internal/store"
)

// maxLineSize bounds one input record.
const maxLineSize = 16 << 20

// Counts tallies what happened to one kind of record.
type Counts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// Result describes one ingest run. Rejected lines are listed in Errors and
// do not prevent the valid lines from being written.
type Result struct {
	Entities Counts          `json:"entities"`
	Edges    Counts          `json:"edges"`
	Errors   model.ErrorList `json:"-"`
	FirstSeq int64           `json:"first_seq"`
	LastSeq  int64           `json:"last_seq"`
}

// Ingester writes local records into a store.
type Ingester struct {
	store       store.Store
	validator   *schema.Validator
	authorityID string
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an Ingester for authorityID.
func New(s store.Store, v *schema.Validator, authorityID string, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{store: s, validator: v, authorityID: authorityID, logger: logger, now: time.Now}
}

type record struct {
	line   int
	entity *model.Entity
	edge   *model.Edge
}

// JSONL reads one record per line from r. Lines with src_id and dst_id are
// edges; other lines with a type are entities. name labels r in errors.
// All accepted records are written in one transaction.
func (in *Ingester) JSONL(ctx context.Context, name string, r io.Reader) (*Result, error) {
	res := &Result{}
	var records []record

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	num := 0
	for sc.Scan() {
		num++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		rec, err := in.parse(name, num, text)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	if err := in.write(ctx, records, res); err != nil {
		return nil, err
	}
	in.logger.Info("ingest finished",
		"file", name,
		"entities", res.Entities,
		"edges", res.Edges,
		"rejected", len(res.Errors),
	)
	return res, nil
}

func (in *Ingester) parse(name string, num int, text []byte) (record, *model.Error) {
	m, err := model.DecodeObject(text)
	if err != nil {
		return record{}, model.NewMalformedRecordLine(name, num, err)
	}

	locate := func(e *model.Error) *model.Error {
		e.File = name
		e.Line = num
		return e
	}
	violation := func(field, reason string) *model.Error {
		return locate(model.NewSchemaViolation([]model.Violation{{Field: field, Reason: reason}}))
	}

	_, hasSrc := m["src_id"]
	_, hasDst := m["dst_id"]
	switch {
	case hasSrc && hasDst:
		e, err := model.EdgeFromMap(m)
		if err != nil {
			return record{}, violation("", err.Error())
		}
		in.claim(&e.AuthorityID, &e.SchemaVersion)
		id, err := identity.ForEdge(e)
		if err != nil {
			return record{}, violation("id", err.Error())
		}
		if e.ID != "" && e.ID != id {
			return record{}, violation("id", fmt.Sprintf("does not match derived id %s", id))
		}
		e.ID = id
		if res := in.validator.Validate(e.Map(), e.SchemaVersion, schema.KindEdge); !res.Valid() {
			return record{}, locate(res.Err())
		}
		return record{line: num, edge: &e}, nil

	case m["type"] != nil:
		e, err := model.EntityFromMap(m)
		if err != nil {
			return record{}, violation("", err.Error())
		}
		in.claim(&e.AuthorityID, &e.SchemaVersion)
		id, err := identity.ForEntity(e)
		if err != nil {
			return record{}, violation("id", err.Error())
		}
		if e.ID != "" && e.ID != id {
			return record{}, violation("id", fmt.Sprintf("does not match derived id %s", id))
		}
		e.ID = id
		if res := in.validator.Validate(e.Map(), e.SchemaVersion, schema.KindEntity); !res.Valid() {
			return record{}, locate(res.Err())
		}
		return record{line: num, entity: &e}, nil

	default:
		return record{}, violation("type", "record is neither an entity nor an edge")
	}
}

func (in *Ingester) claim(authorityID, schemaVersion *string) {
	*authorityID = in.authorityID
	if *schemaVersion == "" {
		*schemaVersion = model.SchemaVersion
	}
}

func (in *Ingester) write(ctx context.Context, records []record, res *Result) error {
	at := in.now()
	return in.store.Update(ctx, func(tx store.Tx) error {
		res.Entities, res.Edges = Counts{}, Counts{}
		res.FirstSeq, res.LastSeq = 0, 0

		appendEvent := func(ev model.Event) error {
			seq, err := tx.AppendChangelogEvent(ctx, ev)
			if err != nil {
				return err
			}
			if res.FirstSeq == 0 {
				res.FirstSeq = seq
			}
			res.LastSeq = seq
			return nil
		}

		for _, rec := range records {
			switch {
			case rec.entity != nil:
				e := *rec.entity
				existing, err := tx.GetEntity(ctx, e.ID)
				typ, err := classify(existing, e, err, &res.Entities, model.EventCreateEntity, model.EventUpdateEntity)
				if err != nil || typ == "" {
					return err
				}
				if err := tx.UpsertEntity(ctx, e); err != nil {
					return err
				}
				if err := appendEvent(model.EntityEvent(typ, in.authorityID, e, at)); err != nil {
					return err
				}
			case rec.edge != nil:
				e := *rec.edge
				existing, err := tx.GetEdge(ctx, e.ID)
				typ, err := classify(existing, e, err, &res.Edges, model.EventCreateEdge, model.EventUpdateEdge)
				if err != nil || typ == "" {
					return err
				}
				if err := tx.UpsertEdge(ctx, e); err != nil {
					return err
				}
				if err := appendEvent(model.EdgeEvent(typ, in.authorityID, e, at)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// classify counts one record and returns the event type to log, or "" when
// the stored record is identical.
func classify[T any](existing, incoming T, getErr error, c *Counts, create, update model.EventType) (model.EventType, error) {
	if errors.Is(getErr, store.ErrNotFound) {
		c.Inserted++
		return create, nil
	}
	if getErr != nil {
		return "", getErr
	}
	before, err := identity.ContentHash(existing)
	if err != nil {
		return "", err
	}
	after, err := identity.ContentHash(incoming)
	if err != nil {
		return "", err
	}
	if before == after {
		c.Unchanged++
		return "", nil
	}
	c.Updated++
	return update, nil
}
