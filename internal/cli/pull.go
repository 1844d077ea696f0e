package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/federation"
)

// PullOptions holds flags for the pull command.
type PullOptions struct {
	*RootOptions
	Concurrency int
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PullOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pull [remote-id...]",
		Short: "Import the latest snapshots of configured remotes",
		Long: `Fetch, verify, filter and merge the current snapshot of each remote.

Every remote in federation.remotes is pulled unless ids are given. Each pull
is all-or-nothing: a rejected snapshot leaves the store unchanged, and one
remote's failure does not stop the others.

Example:
  fkg pull
  fkg pull sonoma.ca.us --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(opts, args, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "remotes pulled at once (default: federation.concurrency)")

	return cmd
}

func runPull(opts *PullOptions, ids []string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer a.Close()

	remotes, err := selectRemotes(a.cfg.Federation.Remotes, ids)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, "unknown remote", err)
	}
	if len(remotes) == 0 {
		return f.Fail(ExitCommandError, ErrCodeConfig, "no remotes configured", nil)
	}

	im, cleanup, err := newImporter(ctx, a, importerDeps{traceOut: cmd.ErrOrStderr()})
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to set up importer", err)
	}
	defer cleanup()

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = a.cfg.Federation.Concurrency
	}
	results := im.PullAll(ctx, remotes, concurrency)
	return outputPulls(f, results)
}

func outputPulls(f *OutputFormatter, results []federation.PullResult) error {
	summaries := summarize(results)
	if f.Format == "json" {
		if err := f.Success(summaries); err != nil {
			return err
		}
	} else {
		for _, s := range summaries {
			writeReport(f.Writer, s)
		}
	}

	if failed := federation.Failed(results); failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %d of %d pull(s) failed", ErrCodePull, failed, len(results)))
	}
	return nil
}
