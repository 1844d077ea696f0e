package federation

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/fkg/internal/model"
)

// DefaultPullConcurrency bounds how many remotes PullAll pulls at once.
const DefaultPullConcurrency = 4

// PullResult is the outcome of one remote's pull within PullAll.
type PullResult struct {
	RemoteID string
	Report   *Report
	Err      error
}

// PullAll pulls every remote, at most concurrency at a time. One remote's
// failure does not stop the others; results are returned in remote order.
func (im *Importer) PullAll(ctx context.Context, remotes []model.Remote, concurrency int) []PullResult {
	if concurrency <= 0 {
		concurrency = DefaultPullConcurrency
	}

	results := make([]PullResult, len(remotes))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, remote := range remotes {
		g.Go(func() error {
			report, err := im.Pull(ctx, remote)
			results[i] = PullResult{RemoteID: remote.ID, Report: report, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Failed counts the results that ended in error.
func Failed(results []PullResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
