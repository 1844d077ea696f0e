package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/config"
	"github.com/roach88/fkg/internal/schema"
	"github.com/roach88/fkg/internal/server"
)

// NewWhoamiCommand creates the whoami command.
func NewWhoamiCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show this instance's identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, _, _, err := loadConfig(rootOpts, cmd)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
			}
			validator, err := schema.Default()
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to load schemas", err)
			}

			id := instanceIdentity(cfg, validator)
			if f.Format == "json" {
				return f.Success(id)
			}
			fmt.Fprintf(f.Writer, "instance:     %s\n", id.InstanceID)
			fmt.Fprintf(f.Writer, "authority:    %s\n", id.AuthorityName)
			fmt.Fprintf(f.Writer, "jurisdiction: %s\n", id.Jurisdiction)
			fmt.Fprintf(f.Writer, "schema:       %s (available: %s)\n", id.SchemaVersion, strings.Join(id.AvailableSchemaVersions, ", "))
			fmt.Fprintf(f.Writer, "entity types: %s\n", strings.Join(id.AvailableEntityTypes, ", "))
			return nil
		},
	}
}

func instanceIdentity(cfg *config.Config, v *schema.Validator) server.Identity {
	id := server.Identity{
		InstanceID:              cfg.Instance.ID,
		AuthorityName:           cfg.Instance.AuthorityName,
		Jurisdiction:            cfg.Instance.Jurisdiction,
		PublicKey:               cfg.Instance.PublicKey,
		SchemaVersion:           cfg.Instance.SchemaVersion,
		AvailableSchemaVersions: v.Versions(),
		AvailableEntityTypes:    []string{},
	}
	if types, err := v.EntityTypes(cfg.Instance.SchemaVersion); err == nil {
		id.AvailableEntityTypes = types
	}
	return id
}
