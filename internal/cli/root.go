package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/localstore/internal/app"
	"github.com/roach88/localstore/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Dir        string
	Driver     string

	// Level, when set, is raised to debug by --verbose or the config log level.
	Level *slog.LevelVar

	// Logger is shared by every component. Defaults to slog.Default().
	Logger *slog.Logger

	// NewApp builds the service graph. Tests replace it.
	NewApp func(cfg config.Config, opts ...app.Option) (*app.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the localstore CLI.
func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts == nil {
		opts = &RootOptions{}
	}

	cmd := &cobra.Command{
		Use:   "localstore",
		Short: "localstore - versioned local persistence",
		Long: `Inspect and maintain a localstore database: open and upgrade it,
export and import snapshots, migrate old snapshots and clean up stored files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file (default ~/.localstore/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Dir, "db", "", "database directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", "", "storage engine: sqlite or bolt (overrides config)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewFilesCommand(opts))
	cmd.AddCommand(NewWaitCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// resolveConfig merges the config file, environment and global flags.
func (o *RootOptions) resolveConfig() (config.Config, error) {
	level := ""
	if o.Verbose {
		level = "debug"
	}
	cfg, err := config.Resolve(config.Overrides{
		ConfigPath: o.ConfigPath,
		Dir:        o.Dir,
		Driver:     o.Driver,
		LogLevel:   level,
	})
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Level != nil {
		var l slog.Level
		if err := l.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err == nil {
			o.Level.Set(l)
		}
	}
	return cfg, nil
}

// withApp builds the app, runs fn and closes the app.
func (o *RootOptions) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := o.resolveConfig()
	if err != nil {
		return err
	}
	newApp := o.NewApp
	if newApp == nil {
		newApp = app.New
	}
	a, err := newApp(cfg, app.WithLogger(o.logger()))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	defer func() {
		if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
			o.logger().Error("error closing database", "error", closeErr)
		}
	}()
	return fn(a)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:  o.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: o.Verbose,
	}
}
