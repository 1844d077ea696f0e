package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/schema"
	"github.com/roach88/fkg/internal/snapshot"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	VerifySignatures bool
	PublicKey        string
	Verifier         string
}

// ValidationResult summarizes an accepted snapshot.
type ValidationResult struct {
	Valid         bool   `json:"valid"`
	AuthorityID   string `json:"authority_id"`
	SchemaVersion string `json:"schema_version"`
	Entities      int    `json:"entities"`
	Edges         int    `json:"edges"`
	Sources       int    `json:"sources"`
	Changelog     int    `json:"changelog"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <snapshot.zip|dir>",
		Short: "Check a snapshot without importing it",
		Long: `Run the snapshot decode pipeline against a zip archive or directory.

The manifest, checksums, counts, signature policy, record lines and record
schemas are checked. Nothing is written to the store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.VerifySignatures, "verify-signatures", false, "require a verified manifest signature")
	cmd.Flags().StringVar(&opts.PublicKey, "public-key", "", "public key handed to the verifier")
	cmd.Flags().StringVar(&opts.Verifier, "verifier", "require-and-fail", "signature verifier (require-and-fail|noop-allow)")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	files, err := snapshot.ReadPath(path)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("cannot read snapshot %s", path), err)
	}
	f.VerboseLog("Read %d file(s) from %s", len(files), path)

	validator, err := schema.Default()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to load schemas", err)
	}
	decoder := snapshot.NewDecoder(validator, snapshot.WithVerifier(snapshot.VerifierByName(opts.Verifier)))

	snap, err := decoder.Decode(files, snapshot.Policy{VerifySignatures: opts.VerifySignatures, PublicKey: opts.PublicKey})
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeSnapshot, "snapshot rejected", err)
	}

	result := ValidationResult{
		Valid:         true,
		AuthorityID:   snap.Manifest.AuthorityID,
		SchemaVersion: snap.Manifest.SchemaVersion,
		Entities:      len(snap.Entities),
		Edges:         len(snap.Edges),
		Sources:       len(snap.Sources),
		Changelog:     len(snap.Changelog),
	}
	if f.Format == "json" {
		return f.Success(result)
	}

	fmt.Fprintf(f.Writer, "✓ Snapshot valid (%s, schema %s)\n", result.AuthorityID, result.SchemaVersion)
	fmt.Fprintf(f.Writer, "  entities:  %d\n", result.Entities)
	fmt.Fprintf(f.Writer, "  edges:     %d\n", result.Edges)
	fmt.Fprintf(f.Writer, "  sources:   %d\n", result.Sources)
	fmt.Fprintf(f.Writer, "  changelog: %d\n", result.Changelog)
	return nil
}
