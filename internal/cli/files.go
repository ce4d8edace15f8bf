package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/localstore/internal/app"
	"github.com/roach88/localstore/internal/usage"
)

// NewFilesCommand creates the files command group.
func NewFilesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Inspect and clean up stored files",
	}

	cmd.AddCommand(newFilesStatsCommand(rootOpts))
	cmd.AddCommand(newFilesUsageCommand(rootOpts))
	cmd.AddCommand(newFilesCleanupCommand(rootOpts))
	cmd.AddCommand(newFilesPurgeCommand(rootOpts))

	return cmd
}

// FileStats summarizes stored files and image usage.
type FileStats struct {
	Files      int                `json:"files"`
	Bytes      int64              `json:"bytes"`
	References int                `json:"references"`
	ByType     map[usage.Type]int `json:"byType"`
	ByCategory map[string]int     `json:"byCategory"`
	UsageBytes int64              `json:"usageBytes"`
}

func newFilesStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show file counts and image usage by type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				ctx := cmd.Context()
				files, err := a.Files.ListFiles(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list files", err)
				}
				stats, err := a.Files.GetImageUsageStats(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to read usage", err)
				}
				res := FileStats{
					Files:      len(files),
					ByType:     stats.ByType,
					ByCategory: stats.ByCategory,
					UsageBytes: stats.TotalSize,
				}
				for _, f := range files {
					res.Bytes += f.Size
					n, err := a.Files.ReferenceCount(ctx, f.FileID)
					if err != nil {
						return WrapExitError(ExitFailure, "failed to count references", err)
					}
					res.References += n
				}
				return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "files:      %d (%d bytes)\n", res.Files, res.Bytes)
					fmt.Fprintf(w, "references: %d\n", res.References)
					fmt.Fprintln(w, "usage:")
					for _, t := range usage.Types {
						fmt.Fprintf(w, "  %-10s %d\n", t, res.ByType[t])
					}
					for _, c := range sortedKeys(res.ByCategory) {
						fmt.Fprintf(w, "  category %-10s %d\n", c, res.ByCategory[c])
					}
				})
			})
		},
	}
}

func newFilesUsageCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "usage <permanent|temporary|recent|archive>",
		Short: "List images of one usage type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := usage.Parse(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid usage type", err)
			}
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				images, err := a.Files.GetImagesByUsageType(cmd.Context(), t, limit)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to list images", err)
				}
				return rootOpts.formatter(cmd).Success(images, func(w io.Writer) {
					for _, m := range images {
						fmt.Fprintf(w, "%s  %-10s %-24s %8d  %s\n", m.FileID, m.Category, m.FileName, m.Size, m.CreatedAt.UTC().Format(time.RFC3339))
					}
					fmt.Fprintf(w, "%d %s images\n", len(images), t)
				})
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of images (0 = all)")

	return cmd
}

func newFilesCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <fileId>...",
		Short: "Delete files with their references and usage metadata",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				res := a.Files.CleanupSelectedImages(cmd.Context(), args)
				if err := rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "deleted %d of %d\n", res.DeletedCount, res.TotalRequested)
					for _, e := range res.Errors {
						fmt.Fprintf(w, "  %s: %s\n", e.FileID, e.Error)
					}
				}); err != nil {
					return err
				}
				if len(res.Errors) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d files could not be deleted", len(res.Errors)))
				}
				return nil
			})
		},
	}
}

func newFilesPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired temporary images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				age := olderThan
				if age <= 0 {
					age = a.Config.TemporaryMaxAge.Std()
				}
				purged, err := a.Files.PurgeTemporaryImages(cmd.Context(), age)
				if err != nil {
					return WrapExitError(ExitFailure, "purge failed", err)
				}
				if purged == nil {
					purged = []string{}
				}
				res := map[string]any{"purged": purged, "olderThan": age.String()}
				return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "purged %d temporary images older than %s\n", len(purged), age)
				})
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age (default from config, 168h)")

	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
