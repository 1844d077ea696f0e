// Package federation pulls snapshots from remote peers into the local graph
// store.
//
// A pull runs Fetching, Verifying, Filtering, Merging and Logging in order.
// Nothing is written before Merging, and Merging and Logging share one
// store transaction, so a failed pull leaves the store and its changelog
// exactly as they were.
package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/fkg/internal/identity"
	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/snapshot"
	"github.com/roach88/fkg/internal/store"
)

const tracerName = "github.com/roach88/fkg/internal/federation"

// Importer pulls remote snapshots into a store.
//
// Pulls of different remotes may run concurrently. Pulls of the same remote
// are serialized by the Locker. Fetching and decoding happen outside any
// store lock; only Merging and Logging enter the store's writer section.
type Importer struct {
	store      store.Store
	fetcher    Fetcher
	decoder    *snapshot.Decoder
	locker     Locker
	precedence Precedence
	metrics    *Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Importer.
type Option func(*Importer)

// WithLocker sets the per-remote lock. Default: a LocalLocker.
func WithLocker(l Locker) Option {
	return func(im *Importer) { im.locker = l }
}

// WithMetrics records pull metrics.
func WithMetrics(m *Metrics) Option {
	return func(im *Importer) { im.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(im *Importer) { im.tracer = t }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(im *Importer) {
		if l != nil {
			im.logger = l
		}
	}
}

// WithClock sets the source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(im *Importer) { im.now = now }
}

// New creates an Importer writing into s on behalf of localAuthorityID.
func New(s store.Store, fetcher Fetcher, decoder *snapshot.Decoder, localAuthorityID string, opts ...Option) (*Importer, error) {
	if s == nil || fetcher == nil || decoder == nil {
		return nil, errors.New("federation: store, fetcher and decoder are required")
	}
	if localAuthorityID == "" {
		return nil, errors.New("federation: local authority id is required")
	}

	im := &Importer{
		store:      s,
		fetcher:    fetcher,
		decoder:    decoder,
		locker:     NewLocalLocker(),
		precedence: Precedence{LocalAuthorityID: localAuthorityID},
		tracer:     otel.Tracer(tracerName),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im, nil
}

// pull carries the state of one Pull call.
type pull struct {
	remote model.Remote
	report *Report
	span   trace.Span
	logger *slog.Logger
}

// Pull imports the current snapshot of remote.
//
// The returned report is never nil. On failure its State is StateFailed,
// the error is returned as well, and the store is unchanged. Fetch failures
// are reported as FetchError and storage failures as StoreError.
func (im *Importer) Pull(ctx context.Context, remote model.Remote) (*Report, error) {
	start := im.now()
	p := &pull{
		remote: remote,
		report: &Report{
			RunID:     uuid.NewString(),
			RemoteID:  remote.ID,
			Warnings:  []string{},
			StartedAt: start.UTC(),
		},
	}
	p.logger = im.logger.With("remote", remote.ID, "run_id", p.report.RunID)

	ctx, p.span = im.tracer.Start(ctx, "federation.Pull", trace.WithAttributes(
		attribute.String("fkg.remote.id", remote.ID),
		attribute.String("fkg.remote.endpoint", remote.Endpoint),
		attribute.String("fkg.run_id", p.report.RunID),
	))
	defer p.span.End()

	err := im.run(ctx, p)

	p.report.FinishedAt = im.now().UTC()
	if err != nil {
		p.report.State = StateFailed
		p.report.Error = err.Error()
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
		p.logger.Error("pull failed", "error", err)
	} else {
		p.report.State = StateDone
		p.logger.Info("pull finished",
			"entities_inserted", p.report.Entities.Inserted,
			"entities_updated", p.report.Entities.Updated,
			"edges_inserted", p.report.Edges.Inserted,
			"edges_updated", p.report.Edges.Updated,
			"first_seq", p.report.FirstSeq,
			"last_seq", p.report.LastSeq,
			"warnings", len(p.report.Warnings),
		)
	}
	im.metrics.ObservePull(p.report, start)
	return p.report, err
}

func (im *Importer) run(ctx context.Context, p *pull) error {
	release, err := im.locker.Lock(ctx, p.remote.ID)
	if err != nil {
		return fmt.Errorf("lock remote %s: %w", p.remote.ID, err)
	}
	defer func() {
		if err := release(); err != nil {
			p.logger.Warn("failed to release remote lock", "error", err)
		}
	}()

	files, err := im.fetch(ctx, p)
	if err != nil {
		return err
	}

	snap, err := im.verify(ctx, p, files)
	if err != nil {
		return err
	}

	entities, edges, err := im.filter(ctx, p, snap)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// From here on the pull either commits in full or not at all, so it no
	// longer follows the caller's cancellation.
	return im.merge(context.WithoutCancel(ctx), p, snap, entities, edges)
}

func (im *Importer) enter(ctx context.Context, p *pull, s State) (context.Context, trace.Span) {
	p.report.State = s
	p.logger.Debug("pull state", "state", s)
	return im.tracer.Start(ctx, "federation."+string(s))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (im *Importer) fetch(ctx context.Context, p *pull) (files snapshot.FileSet, err error) {
	ctx, span := im.enter(ctx, p, StateFetching)
	defer func() { endSpan(span, err) }()

	files, err = im.fetcher.Fetch(ctx, p.remote)
	if err != nil {
		return nil, model.NewFetchError(p.remote.ID, err)
	}
	span.SetAttributes(attribute.Int("fkg.snapshot.files", len(files)))
	return files, nil
}

func (im *Importer) verify(ctx context.Context, p *pull, files snapshot.FileSet) (snap *snapshot.Snapshot, err error) {
	_, span := im.enter(ctx, p, StateVerifying)
	defer func() { endSpan(span, err) }()

	snap, err = im.decoder.Decode(files, snapshot.Policy{
		VerifySignatures: p.remote.Trust.VerifySignatures,
		PublicKey:        p.remote.PublicKey,
	})
	if err != nil {
		return nil, err
	}

	p.report.AuthorityID = snap.Manifest.AuthorityID
	if snap.Manifest.AuthorityID != p.remote.ID {
		e := model.NewSchemaViolation([]model.Violation{{
			Field:  "authority_id",
			Reason: fmt.Sprintf("snapshot is published by %s, not by remote %s", snap.Manifest.AuthorityID, p.remote.ID),
		}})
		e.File = model.FileManifest
		return nil, e
	}
	p.report.Warnings = append(p.report.Warnings, snap.Warnings...)
	span.SetAttributes(
		attribute.String("fkg.snapshot.authority_id", snap.Manifest.AuthorityID),
		attribute.Int("fkg.snapshot.entities", len(snap.Entities)),
		attribute.Int("fkg.snapshot.edges", len(snap.Edges)),
	)
	return snap, nil
}

// filter applies the remote's trust policy. Edges touching a dropped entity
// are dropped with it.
func (im *Importer) filter(ctx context.Context, p *pull, snap *snapshot.Snapshot) (entities []model.Entity, edges []model.Edge, err error) {
	_, span := im.enter(ctx, p, StateFiltering)
	defer func() { endSpan(span, err) }()

	tf, err := NewTrustFilter(p.remote.Trust)
	if err != nil {
		return nil, nil, fmt.Errorf("remote %s: %w", p.remote.ID, err)
	}

	r := p.report
	dropped := make(map[string]bool)
	for _, e := range snap.Entities {
		r.Entities.Considered++
		ok, err := tf.Allows(e)
		if err != nil {
			r.warn(err.Error())
		}
		if !ok {
			r.Entities.Filtered++
			dropped[e.ID] = true
			continue
		}
		entities = append(entities, e)
	}

	for _, e := range snap.Edges {
		r.Edges.Considered++
		if dropped[e.SrcID] || dropped[e.DstID] {
			r.Edges.Filtered++
			continue
		}
		edges = append(edges, e)
	}

	span.SetAttributes(
		attribute.Int("fkg.filtered.entities", r.Entities.Filtered),
		attribute.Int("fkg.filtered.edges", r.Edges.Filtered),
	)
	return entities, edges, nil
}

// outcome is what merging decided for one record.
type outcome int

const (
	outcomeRejectedLocal outcome = iota
	outcomeRejectedForeign
	outcomeRejectedUnderived
	outcomeInserted
	outcomeUpdated
	outcomeUnchanged
	outcomeConflict
)

func (o outcome) count(c *RecordCounts) {
	switch o {
	case outcomeRejectedLocal:
		c.RejectedLocalAuthority++
	case outcomeRejectedForeign:
		c.RejectedForeignAuthority++
	case outcomeRejectedUnderived:
		c.RejectedUnderivedID++
	case outcomeInserted:
		c.Inserted++
	case outcomeUpdated:
		c.Updated++
	case outcomeUnchanged:
		c.Unchanged++
	}
}

// mergeResult collects counts and pending events inside the transaction.
// It is copied into the report only after a successful commit.
type mergeResult struct {
	entities RecordCounts
	edges    RecordCounts
	sources  SourceCounts
	events   []model.Event
	warnings []string
	firstSeq int64
	lastSeq  int64
}

func (im *Importer) merge(ctx context.Context, p *pull, snap *snapshot.Snapshot, entities []model.Entity, edges []model.Edge) (err error) {
	ctx, span := im.enter(ctx, p, StateMerging)
	defer func() { endSpan(span, err) }()

	var res mergeResult
	err = im.store.Update(ctx, func(tx store.Tx) error {
		res = mergeResult{}
		if err := im.mergeRecords(ctx, p, tx, snap, entities, edges, &res); err != nil {
			return err
		}
		return im.logEvents(ctx, p, tx, &res)
	})
	if err != nil {
		if model.KindOf(err) != model.KindStoreError {
			err = model.NewStoreError("merge snapshot", err)
		}
		return err
	}

	r := p.report
	r.Entities = mergedCounts(r.Entities, res.entities)
	r.Edges = mergedCounts(r.Edges, res.edges)
	r.Sources = res.sources
	r.FirstSeq, r.LastSeq = res.firstSeq, res.lastSeq
	r.Warnings = append(r.Warnings, res.warnings...)
	return nil
}

// mergedCounts combines the filtering counts already in the report with
// the counts decided while merging.
func mergedCounts(filtered, merged RecordCounts) RecordCounts {
	merged.Considered = filtered.Considered
	merged.Filtered = filtered.Filtered
	return merged
}

func (im *Importer) mergeRecords(ctx context.Context, p *pull, tx store.Tx, snap *snapshot.Snapshot, entities []model.Entity, edges []model.Edge, res *mergeResult) error {
	at := im.now()
	remoteID := p.remote.ID
	strict := p.remote.Trust.RequireDerivedIDs
	foreign := make(map[string]bool)
	noteAuthority := func(authorityID string) {
		if authorityID != remoteID && !foreign[authorityID] {
			foreign[authorityID] = true
			res.warnings = append(res.warnings, fmt.Sprintf(
				"snapshot from %s carries records of authority %s", remoteID, authorityID))
		}
	}

	present := make(map[string]bool, len(entities))
	for _, e := range entities {
		noteAuthority(e.AuthorityID)
		derived := true
		if id, err := identity.ForEntity(e); err != nil || id != e.ID {
			derived = false
			res.warnings = append(res.warnings, fmt.Sprintf("entity %s does not match its derived id", e.ID))
		}

		if o, ok := im.admit(remoteID, e.AuthorityID, derived, strict); !ok {
			o.count(&res.entities)
			continue
		}
		present[e.ID] = true

		o, err := mergeEntity(ctx, tx, e)
		if err != nil {
			return err
		}
		o.count(&res.entities)
		switch o {
		case outcomeInserted:
			res.events = append(res.events, model.EntityEvent(model.EventCreateEntity, p.remote.ID, e, at))
		case outcomeUpdated:
			res.events = append(res.events, model.EntityEvent(model.EventUpdateEntity, p.remote.ID, e, at))
		}
	}

	for _, e := range edges {
		noteAuthority(e.AuthorityID)
		derived := true
		if id, err := identity.ForEdge(e); err != nil || id != e.ID {
			derived = false
			res.warnings = append(res.warnings, fmt.Sprintf("edge %s does not match its derived id", e.ID))
		}

		if o, ok := im.admit(remoteID, e.AuthorityID, derived, strict); !ok {
			o.count(&res.edges)
			continue
		}
		for _, end := range []string{e.SrcID, e.DstID} {
			ok, err := endpointExists(ctx, tx, present, end)
			if err != nil {
				return err
			}
			if !ok {
				res.warnings = append(res.warnings, fmt.Sprintf("edge %s references unknown entity %s", e.ID, end))
			}
		}

		o, err := mergeEdge(ctx, tx, e)
		if err != nil {
			return err
		}
		o.count(&res.edges)
		switch o {
		case outcomeInserted:
			res.events = append(res.events, model.EdgeEvent(model.EventCreateEdge, p.remote.ID, e, at))
		case outcomeUpdated:
			res.events = append(res.events, model.EdgeEvent(model.EventUpdateEdge, p.remote.ID, e, at))
		}
	}

	for _, s := range snap.Sources {
		res.sources.Considered++
		o, err := mergeSource(ctx, tx, s)
		if err != nil {
			return err
		}
		switch o {
		case outcomeInserted:
			res.sources.Inserted++
		case outcomeUnchanged:
			res.sources.Unchanged++
		case outcomeConflict:
			res.sources.Conflicts++
			res.warnings = append(res.warnings, fmt.Sprintf(
				"source %s differs from the stored record; the stored source is kept", s.ID))
		}
	}
	return nil
}

func endpointExists(ctx context.Context, tx store.Tx, present map[string]bool, id string) (bool, error) {
	if present[id] {
		return true, nil
	}
	_, err := tx.GetEntity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// admit applies authority precedence and the derived-id policy. When the
// record may not be merged it returns the rejection outcome and false.
func (im *Importer) admit(remoteID, authorityID string, derived, strict bool) (outcome, bool) {
	switch im.precedence.Decide(remoteID, authorityID) {
	case RejectLocal:
		return outcomeRejectedLocal, false
	case RejectForeign:
		return outcomeRejectedForeign, false
	}
	if strict && !derived {
		return outcomeRejectedUnderived, false
	}
	return 0, true
}

func mergeEntity(ctx context.Context, tx store.Tx, e model.Entity) (outcome, error) {
	existing, err := tx.GetEntity(ctx, e.ID)
	o, err := compare(existing, e, err)
	if err != nil || o == outcomeUnchanged {
		return o, err
	}
	return o, tx.UpsertEntity(ctx, e)
}

func mergeEdge(ctx context.Context, tx store.Tx, e model.Edge) (outcome, error) {
	existing, err := tx.GetEdge(ctx, e.ID)
	o, err := compare(existing, e, err)
	if err != nil || o == outcomeUnchanged {
		return o, err
	}
	return o, tx.UpsertEdge(ctx, e)
}

// mergeSource inserts s when its id is new. Source ids carry no authority,
// so a stored source is never replaced by a pull.
func mergeSource(ctx context.Context, tx store.Tx, s model.Source) (outcome, error) {
	existing, err := tx.GetSource(ctx, s.ID)
	o, err := compare(existing, s, err)
	switch {
	case err != nil:
		return 0, err
	case o == outcomeUpdated:
		return outcomeConflict, nil
	case o == outcomeInserted:
		return o, tx.UpsertSource(ctx, s)
	default:
		return o, nil
	}
}

// compare classifies incoming against the stored record returned with
// getErr. Records are equal when their canonical encodings hash the same.
func compare[T any](existing, incoming T, getErr error) (outcome, error) {
	if errors.Is(getErr, store.ErrNotFound) {
		return outcomeInserted, nil
	}
	if getErr != nil {
		return 0, getErr
	}
	before, err := identity.ContentHash(existing)
	if err != nil {
		return 0, err
	}
	after, err := identity.ContentHash(incoming)
	if err != nil {
		return 0, err
	}
	if before == after {
		return outcomeUnchanged, nil
	}
	return outcomeUpdated, nil
}

// logEvents appends the events decided during merging, in record order,
// inside the same transaction.
func (im *Importer) logEvents(ctx context.Context, p *pull, tx store.Tx, res *mergeResult) (err error) {
	ctx, span := im.enter(ctx, p, StateLogging)
	defer func() { endSpan(span, err) }()

	for _, ev := range res.events {
		seq, err := tx.AppendChangelogEvent(ctx, ev)
		if err != nil {
			return err
		}
		if res.firstSeq == 0 {
			res.firstSeq = seq
		}
		res.lastSeq = seq
	}
	span.SetAttributes(attribute.Int("fkg.events", len(res.events)))
	return nil
}
