package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/model"
	"github.com/roach88/fkg/internal/schema"
)

// SchemaVersionInfo lists what one schema version defines.
type SchemaVersionInfo struct {
	Version     string   `json:"version"`
	EntityTypes []string `json:"entity_types"`
}

// SchemaInfo is the output of `fkg schema`.
type SchemaInfo struct {
	Current   string              `json:"current"`
	Versions  []SchemaVersionInfo `json:"versions"`
	EdgeTypes []model.EdgeType    `json:"edge_types"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "List schema versions, entity types and edge types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			info, err := schemaInfo()
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to load schemas", err)
			}
			if f.Format == "json" {
				return f.Success(info)
			}
			for _, v := range info.Versions {
				marker := " "
				if v.Version == info.Current {
					marker = "*"
				}
				fmt.Fprintf(f.Writer, "%s %s\n", marker, v.Version)
				fmt.Fprintf(f.Writer, "    entity types: %s\n", strings.Join(v.EntityTypes, ", "))
			}
			fmt.Fprintln(f.Writer, "edge types:")
			for _, t := range info.EdgeTypes {
				fmt.Fprintf(f.Writer, "  %s\n", t)
			}
			return nil
		},
	}
}

func schemaInfo() (*SchemaInfo, error) {
	v, err := schema.Default()
	if err != nil {
		return nil, err
	}
	info := &SchemaInfo{Current: model.SchemaVersion, EdgeTypes: model.EdgeTypes}
	for _, version := range v.Versions() {
		types, err := v.EntityTypes(version)
		if err != nil {
			return nil, err
		}
		info.Versions = append(info.Versions, SchemaVersionInfo{Version: version, EntityTypes: types})
	}
	return info, nil
}
