package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/localstore/internal/app"
	"github.com/roach88/localstore/internal/migrate"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/snapshot"
	"github.com/roach88/localstore/internal/transfer"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output     string
	Stores     []string
	NoMetadata bool
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stores to a JSON snapshot",
		Long: `Export some or all stores to a JSON snapshot. Credential fields are
always removed from exported records.

Example:
  localstore export -o backup.json
  localstore export --stores characters,chatHistory > chats.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				data, err := a.Transfer.ExportJSON(cmd.Context(), transfer.ExportOptions{
					Stores:          opts.Stores,
					IncludeMetadata: !opts.NoMetadata,
				})
				if err != nil {
					return WrapExitError(ExitFailure, "export failed", err)
				}
				if opts.Output == "" || opts.Output == "-" {
					_, err := cmd.OutOrStdout().Write(data)
					return err
				}
				if err := writeFileAtomic(opts.Output, data); err != nil {
					return WrapExitError(ExitCommandError, "failed to write snapshot", err)
				}
				res := map[string]any{"path": opts.Output, "bytes": len(data)}
				return opts.formatter(cmd).Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "wrote %s (%d bytes)\n", opts.Output, len(data))
				})
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringSliceVar(&opts.Stores, "stores", nil, "stores to export (default all)")
	cmd.Flags().BoolVar(&opts.NoMetadata, "no-metadata", false, "record only the version in _metadata")

	return cmd
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Overwrite  bool
	NoValidate bool
	NoMigrate  bool
	Stores     []string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <snapshot.json>",
		Short: "Import a JSON snapshot",
		Long: `Import a JSON snapshot. Older snapshots are migrated to the current schema
first. Without --overwrite, records whose key already exists are skipped.

Example:
  localstore import backup.json
  localstore import --overwrite --stores characters backup.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read snapshot", err)
			}
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Transfer.ImportJSON(cmd.Context(), data, transfer.ImportOptions{
					Overwrite:       opts.Overwrite,
					ValidateVersion: !opts.NoValidate,
					Stores:          opts.Stores,
					EnableMigration: !opts.NoMigrate,
				})
				if err != nil {
					return WrapExitError(ExitFailure, "import failed", err)
				}
				if err := opts.formatter(cmd).Success(res, func(w io.Writer) { printImport(w, res) }); err != nil {
					return err
				}
				for _, sr := range res.Stores {
					if sr.Error != "" {
						return NewExitError(ExitFailure, "some stores failed to import")
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "clear each store and replace existing records")
	cmd.Flags().BoolVar(&opts.NoValidate, "no-validate-version", false, "import even if the snapshot version differs")
	cmd.Flags().BoolVar(&opts.NoMigrate, "no-migrate", false, "do not migrate older snapshots")
	cmd.Flags().StringSliceVar(&opts.Stores, "stores", nil, "stores to import (default all in the snapshot)")

	return cmd
}

func printImport(w io.Writer, res *transfer.ImportResult) {
	if res.Migrated {
		fmt.Fprintf(w, "migrated snapshot from version %d to %d\n", res.FromVersion, res.ToVersion)
	}
	for _, name := range sortedKeys(res.Stores) {
		sr := res.Stores[name]
		fmt.Fprintf(w, "  %-20s total=%d added=%d skipped=%d errors=%d", name, sr.Total, sr.Added, sr.Skipped, sr.Errors)
		if sr.Error != "" {
			fmt.Fprintf(w, " failed: %s", sr.Error)
		}
		fmt.Fprintln(w)
	}
	if len(res.Ignored) > 0 {
		fmt.Fprintf(w, "ignored: %s\n", strings.Join(res.Ignored, ", "))
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "migrate <snapshot.json>",
		Short: "Migrate a snapshot file to the current schema",
		Long: `Validate a snapshot file and migrate it to the current schema version
without touching the database.

Example:
  localstore migrate old.json -o new.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read snapshot", err)
			}
			snap, err := snapshot.Parse(data)
			if err != nil {
				return WrapExitError(ExitFailure, "invalid snapshot", err)
			}
			p := migrate.NewPipeline(schema.Default(), migrate.WithLogger(rootOpts.logger()))
			out, err := p.Migrate(cmd.Context(), snap)
			if err != nil {
				return WrapExitError(ExitFailure, "migration failed", err)
			}
			encoded, err := snapshot.Encode(out, "  ")
			if err != nil {
				return WrapExitError(ExitFailure, "failed to encode snapshot", err)
			}
			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(encoded)
				return err
			}
			if err := writeFileAtomic(output, encoded); err != nil {
				return WrapExitError(ExitCommandError, "failed to write snapshot", err)
			}
			res := map[string]any{"path": output, "fromVersion": snap.Version(), "toVersion": out.Version()}
			return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "migrated %s from version %d to %d -> %s\n", args[0], snap.Version(), out.Version(), output)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	return cmd
}

// writeFileAtomic writes data to a temp file beside path and renames it.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
