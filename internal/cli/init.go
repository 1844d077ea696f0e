package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/config"
	"github.com/roach88/fkg/internal/store/backend"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	InstanceID    string
	AuthorityName string
	Jurisdiction  string
	DatabaseURL   string
	Force         bool
}

// InitResult is the output of `fkg init`.
type InitResult struct {
	Config     string `json:"config"`
	InstanceID string `json:"instance_id"`
	Database   string `json:"database"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file and create the database",
		Long: `Write a default config file and create or migrate the configured store.

The file is written to --config, or ./fkg.yaml. An existing file is kept
unless --force is given.

Example:
  fkg init --instance-id marin.ca.us --authority-name "Marin County"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(opts, cmd)
		},
	}

	defaults := config.Default()
	cmd.Flags().StringVar(&opts.InstanceID, "instance-id", defaults.Instance.ID, "local authority id")
	cmd.Flags().StringVar(&opts.AuthorityName, "authority-name", defaults.Instance.AuthorityName, "authority display name")
	cmd.Flags().StringVar(&opts.Jurisdiction, "jurisdiction", defaults.Instance.Jurisdiction, "jurisdiction served")
	cmd.Flags().StringVar(&opts.DatabaseURL, "database", defaults.Database.URL, "database url (memory:, sqlite:<path>, postgres://...)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config file")

	return cmd
}

func runInit(opts *InitOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	f := opts.formatter(cmd)

	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return f.Fail(ExitCommandError, ErrCodeUsage, fmt.Sprintf("%s already exists (use --force to overwrite)", path), nil)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return f.Fail(ExitCommandError, ErrCodeConfig, fmt.Sprintf("cannot stat %s", path), err)
	}

	cfg := config.Default()
	cfg.Instance.ID = opts.InstanceID
	cfg.Instance.AuthorityName = opts.AuthorityName
	cfg.Instance.Jurisdiction = opts.Jurisdiction
	cfg.Database.URL = opts.DatabaseURL
	if err := cfg.Validate(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, "invalid settings", err)
	}

	st, err := backend.Open(ctx, cfg.Database.URL)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("failed to open store %s", cfg.Database.URL), err)
	}
	if err := st.Close(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "failed to close store", err)
	}

	if err := cfg.Save(path); err != nil {
		return f.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("failed to write %s", path), err)
	}

	result := InitResult{Config: path, InstanceID: cfg.Instance.ID, Database: cfg.Database.URL}
	if f.Format == "json" {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "✓ Initialized %s\n", result.InstanceID)
	fmt.Fprintf(f.Writer, "  config:   %s\n", result.Config)
	fmt.Fprintf(f.Writer, "  database: %s\n", result.Database)
	return nil
}
