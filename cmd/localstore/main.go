// Package main is the entry point for the localstore CLI.
//
// localstore opens, upgrades and maintains a versioned local database, and
// moves its contents in and out as JSON snapshots. Configuration is read from
// ~/.localstore/config.yaml, LOCALSTORE_* environment variables and flags.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/roach88/localstore/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
	slog.SetDefault(logger)

	opts := &cli.RootOptions{Level: ll, Logger: logger}
	cmd := cli.NewRootCommand(opts)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		os.Exit(cli.ExitFailure)
	}

	f := &cli.OutputFormatter{Format: opts.Format, Writer: os.Stderr, Verbose: opts.Verbose}
	if opts.Format == "json" {
		f.Writer = os.Stdout
	}
	_ = f.Error(err)
	stop()
	os.Exit(cli.GetExitCode(err))
}
