package cli

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/blob"
	"github.com/roach88/fkg/internal/publish"
	"github.com/roach88/fkg/internal/snapshot"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Out         string
	S3URL       string
	Publish     bool
	NoChangelog bool
}

// ExportResult is the output of `fkg export`.
type ExportResult struct {
	AuthorityID string   `json:"authority_id"`
	Entities    int      `json:"entities"`
	Edges       int      `json:"edges"`
	Sources     int      `json:"sources"`
	Written     []string `json:"written"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Publish the local authority's records as a snapshot",
		Long: `Build a snapshot of the records owned by this instance.

--out writes a zip archive when the path ends in .zip and a directory
otherwise. --s3 uploads the archive to an s3://bucket/key url; --publish
uploads to publish.s3_url from the config.

Example:
  fkg export --out marin.zip
  fkg export --publish`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output path (.zip for an archive, otherwise a directory)")
	cmd.Flags().StringVar(&opts.S3URL, "s3", "", "upload to s3://bucket/key")
	cmd.Flags().BoolVar(&opts.Publish, "publish", false, "upload to the configured publish.s3_url")
	cmd.Flags().BoolVar(&opts.NoChangelog, "no-changelog", false, "omit changelog.jsonl")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer a.Close()

	s3URL := opts.S3URL
	if s3URL == "" && opts.Publish {
		s3URL = a.cfg.Publish.S3URL
		if s3URL == "" {
			return f.Fail(ExitCommandError, ErrCodeConfig, "--publish requires publish.s3_url", nil)
		}
	}
	if opts.Out == "" && s3URL == "" {
		return f.Fail(ExitCommandError, ErrCodeUsage, "nothing to do: pass --out, --s3 or --publish", nil)
	}

	var exportOpts []publish.Option
	if opts.NoChangelog {
		exportOpts = append(exportOpts, publish.WithoutChangelog())
	}
	exporter := publish.NewExporter(a.store, publish.Authority{
		ID:           a.cfg.Instance.ID,
		Name:         a.cfg.Instance.AuthorityName,
		Jurisdiction: a.cfg.Instance.Jurisdiction,
	}, exportOpts...)

	enc, err := exporter.Encode(ctx)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to build snapshot", err)
	}

	result := ExportResult{AuthorityID: enc.Manifest.AuthorityID, Written: []string{}}
	if c := enc.Manifest.Counts; c != nil {
		result.Entities, result.Edges, result.Sources = c.Entities, c.Edges, c.Sources
	}

	if opts.Out != "" {
		if strings.EqualFold(filepath.Ext(opts.Out), ".zip") {
			err = snapshot.WriteZipFile(opts.Out, enc)
		} else {
			err = snapshot.WriteDir(opts.Out, enc)
		}
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("failed to write %s", opts.Out), err)
		}
		result.Written = append(result.Written, opts.Out)
	}

	if s3URL != "" {
		var buf bytes.Buffer
		if err := snapshot.WriteZip(&buf, enc); err != nil {
			return f.Fail(ExitCommandError, ErrCodeWriteFailed, "failed to encode archive", err)
		}
		b, err := blob.NewS3(ctx, a.cfg.Publish.Region)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeConfig, "failed to configure s3", err)
		}
		if err := (&publish.S3Publisher{Blob: b}).Publish(ctx, s3URL, buf.Bytes()); err != nil {
			return f.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("failed to upload %s", s3URL), err)
		}
		result.Written = append(result.Written, s3URL)
	}

	if f.Format == "json" {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "Exported %s: %d entities, %d edges, %d sources\n",
		result.AuthorityID, result.Entities, result.Edges, result.Sources)
	for _, w := range result.Written {
		fmt.Fprintf(f.Writer, "  → %s\n", w)
	}
	return nil
}
