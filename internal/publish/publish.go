// Package publish builds snapshots of the local authority's records.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/roach88/fkg/internal/blob"
	"github.com/roach88/fkg/internal/changelog"
	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/snapshot"
	"github.com/roach88/fkg/internal/store"
)

// Authority identifies the instance whose records are published.
type Authority struct {
	ID           string
	Name         string
	Jurisdiction string
}

// Exporter turns the local store into a snapshot.
type Exporter struct {
	store            store.Store
	authority        Authority
	includeChangelog bool
	now              func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithoutChangelog omits changelog.jsonl from built snapshots.
func WithoutChangelog() Option {
	return func(e *Exporter) { e.includeChangelog = false }
}

// WithClock sets the source of manifest timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// NewExporter creates an Exporter for authority.
func NewExporter(s store.Store, authority Authority, opts ...Option) *Exporter {
	e := &Exporter{store: s, authority: authority, includeChangelog: true, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Build reads the snapshot contents: entities and edges owned by the local
// authority, every source, and the changelog events the local authority
// wrote, all in store order.
func (e *Exporter) Build(ctx context.Context) (*snapshot.Snapshot, error) {
	entities, err := e.store.Entities(ctx, e.authority.ID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	edges, err := e.store.Edges(ctx, e.authority.ID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	sources, err := e.store.Sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	snap := &snapshot.Snapshot{
		Manifest: model.Manifest{
			Version:       model.FormatVersion,
			AuthorityID:   e.authority.ID,
			AuthorityName: e.authority.Name,
			Jurisdiction:  e.authority.Jurisdiction,
			CreatedAt:     e.now().UTC(),
			SchemaVersion: model.SchemaVersion,
		},
		Entities:     entities,
		Edges:        edges,
		Sources:      sources,
		HasChangelog: e.includeChangelog,
	}

	if e.includeChangelog {
		for ev, err := range changelog.New(e.store).ListSince(ctx, 0) {
			if err != nil {
				return nil, fmt.Errorf("read changelog: %w", err)
			}
			if ev.AuthorityID == e.authority.ID {
				snap.Changelog = append(snap.Changelog, ev)
			}
		}
	}
	return snap, nil
}

// Encode builds and serializes the current snapshot.
func (e *Exporter) Encode(ctx context.Context) (*snapshot.Encoded, error) {
	snap, err := e.Build(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.Encode(snap)
}

// Export writes the current snapshot to w as a zip archive.
func (e *Exporter) Export(ctx context.Context, w io.Writer) (*model.Manifest, error) {
	enc, err := e.Encode(ctx)
	if err != nil {
		return nil, err
	}
	if err := snapshot.WriteZip(w, enc); err != nil {
		return nil, err
	}
	return &enc.Manifest, nil
}

// ExportBytes returns the current snapshot as zip bytes.
func (e *Exporter) ExportBytes(ctx context.Context) ([]byte, *model.Manifest, error) {
	var buf bytes.Buffer
	m, err := e.Export(ctx, &buf)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), m, nil
}

// S3Publisher uploads snapshot archives to S3.
type S3Publisher struct {
	Blob *blob.S3
}

// Publish uploads data to the s3://bucket/key url.
func (p *S3Publisher) Publish(ctx context.Context, url string, data []byte) error {
	loc, err := blob.ParseURL(url)
	if err != nil {
		return err
	}
	return p.Blob.Put(ctx, loc, data, "application/zip")
}
