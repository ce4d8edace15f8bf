package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/localstore/internal/schema"
)

// SchemaStore is one store in the schema listing.
type SchemaStore struct {
	Name          string   `json:"name"`
	KeyPath       string   `json:"keyPath"`
	AutoIncrement bool     `json:"autoIncrement,omitempty"`
	Indexes       []string `json:"indexes,omitempty"`
	Since         int      `json:"since"`
	Redacted      []string `json:"redacted,omitempty"`
}

// SchemaResult lists the stores active at a version.
type SchemaResult struct {
	Version int           `json:"version"`
	Current int           `json:"current"`
	Stores  []SchemaStore `json:"stores"`
	Removed []string      `json:"removed"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "List the object stores declared at a schema version",
		Long: `List the object stores, key paths and indexes active at a schema version,
and the stores removed up to it. Does not open the database.

Example:
  localstore schema
  localstore schema --version 6 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := schema.Default()
			if version == 0 {
				version = reg.Current()
			}
			if version < 1 || version > reg.Current() {
				return NewExitError(ExitCommandError, fmt.Sprintf("version must be between 1 and %d", reg.Current()))
			}
			res := describeSchema(reg, version)
			return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "schema version %d (current %d)\n", res.Version, res.Current)
				for _, s := range res.Stores {
					line := fmt.Sprintf("  %-20s key=%s", s.Name, s.KeyPath)
					if s.AutoIncrement {
						line += " autoIncrement"
					}
					if len(s.Indexes) > 0 {
						line += " indexes=" + strings.Join(s.Indexes, ",")
					}
					if len(s.Redacted) > 0 {
						line += " redacts=" + strings.Join(s.Redacted, ",")
					}
					fmt.Fprintf(w, "%s (since v%d)\n", line, s.Since)
				}
				if len(res.Removed) > 0 {
					fmt.Fprintf(w, "removed: %s\n", strings.Join(res.Removed, ", "))
				}
			})
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "schema version (default current)")

	return cmd
}

func describeSchema(reg *schema.Registry, version int) SchemaResult {
	res := SchemaResult{
		Version: version,
		Current: reg.Current(),
		Removed: reg.RemovedThrough(version),
	}
	if res.Removed == nil {
		res.Removed = []string{}
	}
	for _, d := range reg.Active(version) {
		s := SchemaStore{
			Name:          d.Name,
			KeyPath:       d.KeyPath,
			AutoIncrement: d.AutoIncrement,
			Since:         d.Since,
			Redacted:      d.Redact,
		}
		for _, ix := range d.Indexes {
			s.Indexes = append(s.Indexes, ix.Name)
		}
		res.Stores = append(res.Stores, s)
	}
	return res
}
