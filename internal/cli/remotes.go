package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/config"
	"github.com/roach88/fkg/internal/federation"
	"github.com/roach88/fkg/internal/model"
)

// DefaultConfigFile is where init and remotes add write when no config
// file was loaded.
const DefaultConfigFile = "fkg.yaml"

// NewRemotesCommand creates the remotes command.
func NewRemotesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remotes",
		Short: "List configured federation remotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemotesList(rootOpts, cmd)
		},
	}
	cmd.AddCommand(newRemotesAddCommand(rootOpts))
	cmd.AddCommand(newRemotesRemoveCommand(rootOpts))
	return cmd
}

func runRemotesList(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	cfg, _, _, err := loadConfig(opts, cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	remotes := cfg.Federation.Remotes
	if f.Format == "json" {
		return f.Success(remotes)
	}
	if len(remotes) == 0 {
		fmt.Fprintln(f.Writer, "No remotes configured.")
		return nil
	}
	for _, r := range remotes {
		fmt.Fprintf(f.Writer, "%s\t%s\n", r.ID, r.Endpoint)
		types := "all"
		if len(r.Trust.AllowEntityTypes) > 0 {
			types = strings.Join(r.Trust.AllowEntityTypes, ", ")
		}
		fmt.Fprintf(f.Writer, "  types: %s\n", types)
		if r.Trust.Filter != "" {
			fmt.Fprintf(f.Writer, "  filter: %s\n", r.Trust.Filter)
		}
		fmt.Fprintf(f.Writer, "  verify signatures: %t\n", r.Trust.VerifySignatures)
		if r.Trust.RequireDerivedIDs {
			fmt.Fprintln(f.Writer, "  require derived ids: true")
		}
	}
	return nil
}

func newRemotesAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		allow     []string
		filter    string
		verify    bool
		derived   bool
		publicKey string
	)

	cmd := &cobra.Command{
		Use:   "add <id> <endpoint>",
		Short: "Add or replace a remote in the config file",
		Long: `Add a remote to federation.remotes and save the config file.

The endpoint is an http(s) base url serving /pkg/latest, an s3://bucket/key
url, or a snapshot path. The filter must be a CEL expression over entity,
entity_type and authority that evaluates to bool.

Example:
  fkg remotes add sonoma.ca.us https://fkg.sonoma.ca.us --allow-type organization,service`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := model.Remote{
				ID:        args[0],
				Endpoint:  args[1],
				PublicKey: publicKey,
				Trust: model.Trust{
					VerifySignatures:  verify,
					AllowEntityTypes:  allow,
					Filter:            filter,
					RequireDerivedIDs: derived,
				},
			}
			return updateRemotes(rootOpts, cmd, func(cfg *config.Config) error {
				if _, err := federation.NewTrustFilter(remote.Trust); err != nil {
					return err
				}
				cfg.Federation.AddRemote(remote)
				return nil
			}, fmt.Sprintf("Added remote %s", remote.ID))
		},
	}

	cmd.Flags().StringSliceVar(&allow, "allow-type", nil, "entity types to import (default: all)")
	cmd.Flags().StringVar(&filter, "filter", "", "CEL expression each entity must satisfy")
	cmd.Flags().BoolVar(&verify, "verify-signatures", true, "require a verified manifest signature")
	cmd.Flags().BoolVar(&derived, "require-derived-ids", false, "reject records whose id does not derive from their content")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "remote's public key")
	return cmd
}

func newRemotesRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a remote from the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return updateRemotes(rootOpts, cmd, func(cfg *config.Config) error {
				before := len(cfg.Federation.Remotes)
				cfg.Federation.Remotes = slices.DeleteFunc(cfg.Federation.Remotes, func(r model.Remote) bool {
					return r.ID == id
				})
				if len(cfg.Federation.Remotes) == before {
					return fmt.Errorf("remote %q is not configured", id)
				}
				return nil
			}, fmt.Sprintf("Removed remote %s", id))
		},
	}
}

// updateRemotes loads the config, applies change, validates and saves it
// back to the file it came from.
func updateRemotes(opts *RootOptions, cmd *cobra.Command, change func(*config.Config) error, done string) error {
	f := opts.formatter(cmd)
	cfg, path, _, err := loadConfig(opts, cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	if path == "" {
		path = DefaultConfigFile
	}

	if err := change(cfg); err != nil {
		return f.Fail(ExitCommandError, ErrCodeUsage, "invalid remote", err)
	}
	if err := cfg.Validate(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}
	if err := cfg.Save(path); err != nil {
		return f.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("failed to write %s", path), err)
	}

	if f.Format == "json" {
		return f.Success(map[string]any{"config": path, "remotes": cfg.Federation.Remotes})
	}
	fmt.Fprintf(f.Writer, "%s (%s)\n", done, path)
	return nil
}
