package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/changelog"
	"github.com/roach88/fkg/internal/model"
)

// ChangelogOptions holds flags for the changelog command.
type ChangelogOptions struct {
	*RootOptions
	Since int64
	Limit int
}

// NewChangelogCommand creates the changelog command.
func NewChangelogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangelogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "List changelog events",
		Long: `List changelog events with seq greater than --since, oldest first.

Resume from the last seq printed to continue without gaps.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChangelog(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Since, "since", 0, "only events with a greater seq")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum events to list (0 for all)")

	return cmd
}

func runChangelog(opts *ChangelogOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	if opts.Since < 0 || opts.Limit < 0 {
		return f.Fail(ExitCommandError, ErrCodeUsage, "--since and --limit must not be negative", nil)
	}

	a, err := openApp(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := changelog.New(a.store).Collect(ctx, opts.Since, opts.Limit)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to read changelog", err)
	}

	if f.Format == "json" {
		return f.Success(events)
	}
	if len(events) == 0 {
		fmt.Fprintln(f.Writer, "No events.")
		return nil
	}
	for _, ev := range events {
		fmt.Fprintln(f.Writer, formatEvent(ev))
	}
	return nil
}

func formatEvent(ev model.Event) string {
	return fmt.Sprintf("%6d  %s  %-14s %-16s %s",
		ev.Seq, ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), ev.EventType, ev.AuthorityID, ev.RecordID())
}
