package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/fkg/internal/federation"
	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/snapshot"
	"github.com/roach88/fkg/internal/telemetry"
)

// Version is stamped by the linker.
var Version = "dev"

const tracerName = "github.com/roach88/fkg/internal/federation"

// importerDeps configures newImporter.
type importerDeps struct {
	fetcher  federation.Fetcher
	registry prometheus.Registerer
	traceOut io.Writer
}

// newImporter wires an Importer from the app config: verifier, lock
// backend, metrics and tracing. The returned cleanup flushes spans and
// closes the lock backend.
func newImporter(ctx context.Context, a *app, deps importerDeps) (*federation.Importer, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	fetcher := deps.fetcher
	if fetcher == nil {
		fetcher = federation.NewMuxFetcher(
			&federation.HTTPFetcher{Timeout: a.cfg.Federation.FetchTimeout},
			&federation.S3Fetcher{Region: a.cfg.Publish.Region},
		)
	}

	decoder := snapshot.NewDecoder(a.validator,
		snapshot.WithVerifier(snapshot.VerifierByName(a.cfg.Federation.Verifier)),
		snapshot.WithLogger(a.logger),
	)

	opts := []federation.Option{federation.WithLogger(a.logger)}

	if a.cfg.Federation.Lock == "redis" {
		client, err := federation.OpenRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return nil, func() {}, err
		}
		cleanups = append(cleanups, func() { _ = client.Close() })
		opts = append(opts, federation.WithLocker(federation.NewRedisLocker(client, a.cfg.Federation.LockTTL, 0)))
	}

	if deps.registry != nil {
		opts = append(opts, federation.WithMetrics(federation.NewMetrics(deps.registry)))
	}

	tp, shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry, Version, deps.traceOut)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	cleanups = append(cleanups, func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	})
	opts = append(opts, federation.WithTracer(tp.Tracer(tracerName)))

	im, err := federation.New(a.store, fetcher, decoder, a.cfg.Instance.ID, opts...)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return im, cleanup, nil
}

// PullSummary is the per-remote output of pull and import.
type PullSummary struct {
	RemoteID string             `json:"remote_id"`
	Report   *federation.Report `json:"report"`
	Error    string             `json:"error,omitempty"`
}

func summarize(results []federation.PullResult) []PullSummary {
	out := make([]PullSummary, len(results))
	for i, r := range results {
		out[i] = PullSummary{RemoteID: r.RemoteID, Report: r.Report}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

// writeReport prints one pull report in text form.
func writeReport(w io.Writer, s PullSummary) {
	r := s.Report
	if r == nil {
		fmt.Fprintf(w, "✗ %s: %s\n", s.RemoteID, s.Error)
		return
	}
	if s.Error != "" {
		fmt.Fprintf(w, "✗ %s: %s\n", s.RemoteID, s.Error)
	} else {
		fmt.Fprintf(w, "✓ %s (%s)\n", s.RemoteID, r.AuthorityID)
	}
	fmt.Fprintf(w, "  entities: %s\n", formatCounts(r.Entities))
	fmt.Fprintf(w, "  edges:    %s\n", formatCounts(r.Edges))
	fmt.Fprintf(w, "  sources:  %d inserted, %d unchanged", r.Sources.Inserted, r.Sources.Unchanged)
	if r.Sources.Conflicts > 0 {
		fmt.Fprintf(w, ", %d conflicts", r.Sources.Conflicts)
	}
	fmt.Fprintln(w)
	if r.EventsAppended() > 0 {
		fmt.Fprintf(w, "  changelog: seq %d-%d\n", r.FirstSeq, r.LastSeq)
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func formatCounts(c federation.RecordCounts) string {
	parts := []string{
		fmt.Sprintf("%d inserted", c.Inserted),
		fmt.Sprintf("%d updated", c.Updated),
		fmt.Sprintf("%d unchanged", c.Unchanged),
	}
	if c.Filtered > 0 {
		parts = append(parts, fmt.Sprintf("%d filtered", c.Filtered))
	}
	if c.RejectedLocalAuthority > 0 {
		parts = append(parts, fmt.Sprintf("%d rejected as local", c.RejectedLocalAuthority))
	}
	if c.RejectedForeignAuthority > 0 {
		parts = append(parts, fmt.Sprintf("%d rejected as foreign", c.RejectedForeignAuthority))
	}
	if c.RejectedUnderivedID > 0 {
		parts = append(parts, fmt.Sprintf("%d rejected for underived ids", c.RejectedUnderivedID))
	}
	return strings.Join(parts, ", ")
}

// selectRemotes returns the configured remotes named by ids, or all of
// them when ids is empty.
func selectRemotes(configured []model.Remote, ids []string) ([]model.Remote, error) {
	if len(ids) == 0 {
		return configured, nil
	}
	out := make([]model.Remote, 0, len(ids))
	for _, id := range ids {
		found := false
		for _, r := range configured {
			if r.ID == id {
				out = append(out, r)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("remote %q is not configured", id)
		}
	}
	return out, nil
}
