package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/federation"
	"github.com/roach88/fkg/internal/model"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	RemoteID         string
	AllowEntityTypes []string
	Filter           string
	VerifySignatures bool
	PublicKey        string
	RequireDerived   bool
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <snapshot.zip|dir>",
		Short: "Import a snapshot file as a pull from a remote",
		Long: `Import a snapshot read from disk exactly as a pull would.

The snapshot goes through the same verify, filter and merge steps, and
changelog events are tagged with --remote. The snapshot must be published
by --remote, and records carrying any other authority are rejected.

Example:
  fkg import sonoma.zip --remote sonoma.ca.us --allow-type organization,service`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RemoteID, "remote", "", "remote id recorded on changelog events (required)")
	cmd.Flags().StringSliceVar(&opts.AllowEntityTypes, "allow-type", nil, "entity types to import (default: all)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "CEL expression each entity must satisfy")
	cmd.Flags().BoolVar(&opts.VerifySignatures, "verify-signatures", false, "require a verified manifest signature")
	cmd.Flags().StringVar(&opts.PublicKey, "public-key", "", "public key handed to the verifier")
	cmd.Flags().BoolVar(&opts.RequireDerived, "require-derived-ids", false, "reject records whose id does not derive from their content")
	_ = cmd.MarkFlagRequired("remote")

	return cmd
}

func runImport(opts *ImportOptions, path string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	a, err := openApp(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.RemoteID == a.cfg.Instance.ID {
		return f.Fail(ExitCommandError, ErrCodeUsage, fmt.Sprintf("--remote %s is the local instance", opts.RemoteID), nil)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("cannot resolve %s", path), err)
	}
	remote := model.Remote{
		ID:        opts.RemoteID,
		Endpoint:  abs,
		PublicKey: opts.PublicKey,
		Trust: model.Trust{
			VerifySignatures:  opts.VerifySignatures,
			AllowEntityTypes:  opts.AllowEntityTypes,
			Filter:            opts.Filter,
			RequireDerivedIDs: opts.RequireDerived,
		},
	}

	im, cleanup, err := newImporter(ctx, a, importerDeps{fetcher: federation.FileFetcher{}, traceOut: cmd.ErrOrStderr()})
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to set up importer", err)
	}
	defer cleanup()

	report, err := im.Pull(ctx, remote)
	return outputPulls(f, []federation.PullResult{{RemoteID: remote.ID, Report: report, Err: err}})
}
