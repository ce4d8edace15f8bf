package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/localstore/internal/app"
	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/retry"
)

// OpenResult describes an open database.
type OpenResult struct {
	Name     string   `json:"name"`
	Driver   string   `json:"driver"`
	Dir      string   `json:"dir"`
	Version  int      `json:"version"`
	Upgraded bool     `json:"upgraded"`
	Stores   []string `json:"stores"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or upgrade the database",
		Long: `Open the database at the current schema version, creating it or running
the structural upgrade if it is older, and announce readiness to peers.

Example:
  localstore init --db ./data
  localstore init --driver bolt --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				db, err := a.Init(cmd.Context())
				if err != nil {
					return WrapExitError(ExitFailure, "failed to open database", err)
				}
				res := OpenResult{
					Name:     db.Name(),
					Driver:   a.Config.Driver,
					Dir:      a.Config.Dir,
					Version:  db.Version(),
					Upgraded: a.Manager.Upgrades() > 0,
					Stores:   db.StoreNames(),
				}
				return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
					action := "opened"
					if res.Upgraded {
						action = "upgraded"
					}
					fmt.Fprintf(w, "%s %s (%s) at version %d in %s\n", action, res.Name, res.Driver, res.Version, res.Dir)
					fmt.Fprintf(w, "%d stores\n", len(res.Stores))
				})
			})
		},
	}
}

// StatusResult reports the database and the last broadcast status.
type StatusResult struct {
	OpenResult
	ConfigPath string         `json:"configPath,omitempty"`
	Peer       *PeerStatus    `json:"peer,omitempty"`
	Counts     map[string]int `json:"counts"`
}

// PeerStatus is the last readiness message seen on the broadcast channel.
type PeerStatus struct {
	Ready     bool      `json:"ready"`
	Version   int       `json:"version"`
	Page      string    `json:"page"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database version, record counts and peer status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				ctx := cmd.Context()
				// Read the peer status before opening; our own open overwrites it.
				peer, seen, err := a.Broadcaster.Status(ctx)
				if err != nil {
					rootOpts.logger().Warn("failed to read broadcast status", "error", err)
				}

				db, err := a.Init(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "failed to open database", err)
				}
				res := StatusResult{
					OpenResult: OpenResult{
						Name:     db.Name(),
						Driver:   a.Config.Driver,
						Dir:      a.Config.Dir,
						Version:  db.Version(),
						Upgraded: a.Manager.Upgrades() > 0,
						Stores:   db.StoreNames(),
					},
					ConfigPath: a.Config.Path,
					Counts:     make(map[string]int, len(db.StoreNames())),
				}
				if seen {
					res.Peer = &PeerStatus{
						Ready:     peer.IsReady,
						Version:   peer.Version,
						Page:      peer.Page,
						Timestamp: time.UnixMilli(peer.Timestamp).UTC(),
					}
				}
				for _, name := range res.Stores {
					n, err := a.Exec.Count(ctx, name, nil)
					if err != nil {
						return WrapExitError(ExitFailure, "failed to count "+name, err)
					}
					res.Counts[name] = n
				}

				return rootOpts.formatter(cmd).Success(res, func(w io.Writer) {
					fmt.Fprintf(w, "database: %s (%s) in %s\n", res.Name, res.Driver, res.Dir)
					fmt.Fprintf(w, "version:  %d\n", res.Version)
					if res.Peer != nil {
						fmt.Fprintf(w, "peer:     ready=%t version=%d page=%s at %s\n",
							res.Peer.Ready, res.Peer.Version, res.Peer.Page, res.Peer.Timestamp.Format(time.RFC3339))
					}
					for _, name := range res.Stores {
						fmt.Fprintf(w, "  %-20s %d\n", name, res.Counts[name])
					}
				})
			})
		},
	}
}

// WaitOptions holds flags for the wait command.
type WaitOptions struct {
	*RootOptions
	Timeout time.Duration
	Retries int
}

// NewWaitCommand creates the wait command.
func NewWaitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WaitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until the database is ready",
		Long: `Wait until another process announces the database ready at the current
schema version, then open it here. Readiness is never assumed locally: with no
peer announcing, the command fails with a TIMEOUT error past the deadline.

With --retries, a timed-out wait is retried with exponential backoff.

Example:
  localstore wait --timeout 5s
  localstore wait --retries 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				return runWait(cmd, opts, a)
			})
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "how long to wait (default from config, 8s)")
	cmd.Flags().IntVar(&opts.Retries, "retries", 0, "retry a timed-out wait this many times")

	return cmd
}

func runWait(cmd *cobra.Command, opts *WaitOptions, a *app.App) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.Config.WaitTimeout.Std()
	}
	policy := retry.DefaultPolicy
	policy.MaxAttempts = opts.Retries + 1

	start := time.Now()
	attempts := 0
	err := retry.Do(cmd.Context(), policy, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			opts.logger().Debug("retrying wait", "attempt", attempts)
		}
		_, err := a.Manager.WaitForReady(ctx, timeout)
		if err != nil && !dberr.IsTimeout(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return WrapExitError(ExitFailure, "database not ready", err)
	}

	res := map[string]any{
		"ready":    true,
		"version":  a.Manager.Version(),
		"attempts": attempts,
		"waited":   time.Since(start).Round(time.Millisecond).String(),
	}
	return opts.formatter(cmd).Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "ready at version %d\n", a.Manager.Version())
	})
}
