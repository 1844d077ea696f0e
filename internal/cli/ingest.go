package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/ingest"
)

// IngestResult is the output of `fkg ingest`.
type IngestResult struct {
	*ingest.Result
	Rejected []ErrorDetail `json:"rejected,omitempty"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl|->",
		Short: "Author local records from JSON lines",
		Long: `Write entities and edges authored by this instance into the store.

Each line is a JSON object. Lines carrying src_id and dst_id are edges; other
lines must carry a type and are entities. authority_id is always the local
instance id and ids are derived from content. Rejected lines are reported
and the remaining lines are still written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runIngest(opts *RootOptions, path string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	a, err := openApp(ctx, opts, cmd, f)
	if err != nil {
		return err
	}
	defer a.Close()

	var r io.Reader = cmd.InOrStdin()
	name := "stdin"
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("cannot open %s", path), err)
		}
		defer file.Close()
		r, name = file, path
	}

	res, err := ingest.New(a.store, a.validator, a.cfg.Instance.ID, a.logger).JSONL(ctx, name, r)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "ingest failed", err)
	}

	out := IngestResult{Result: res, Rejected: errorDetails(res.Errors.Err())}
	if f.Format == "json" {
		if err := f.Success(out); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(f.Writer, "entities: %d inserted, %d updated, %d unchanged\n",
			res.Entities.Inserted, res.Entities.Updated, res.Entities.Unchanged)
		fmt.Fprintf(f.Writer, "edges:    %d inserted, %d updated, %d unchanged\n",
			res.Edges.Inserted, res.Edges.Updated, res.Edges.Unchanged)
		if res.LastSeq > 0 {
			fmt.Fprintf(f.Writer, "changelog: seq %d-%d\n", res.FirstSeq, res.LastSeq)
		}
		for _, d := range out.Rejected {
			fmt.Fprintf(f.Writer, "rejected: %s\n", formatDetail(d))
		}
	}

	if len(res.Errors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d line(s) rejected", len(res.Errors)))
	}
	return nil
}
