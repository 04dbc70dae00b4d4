package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/mergeflow/internal/config"
	"github.com/aristath/mergeflow/internal/logging"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	repo       string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "mergeflow",
		Short: "Parallel agent task scheduling with a serial merge queue",
		Long: `mergeflow picks batches of tasks that can safely run side by side,
runs each one in its own git worktree and integrates the resulting branches
one at a time: rebase, test, merge, with automatic retries.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file layered over ~/.mergeflow and .mergeflow")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.repo, "repo", ".", "repository to operate on")

	cmd.AddCommand(newInitCommand(opts))
	cmd.AddCommand(newPlanCommand(opts))
	cmd.AddCommand(newMergeCommand(opts))
	cmd.AddCommand(newRunCommand(opts))

	return cmd
}

// env is the loaded configuration and logger for one command invocation.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	repo   string // Absolute
	close  func()
}

// load reads the layered configuration and builds the logger. Logs go to the
// configured file, or stderr.
func (o *globalOptions) load(stderr io.Writer) (*env, error) {
	cfg, err := config.LoadDefault(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}

	repo, err := filepath.Abs(o.repo)
	if err != nil {
		return nil, fmt.Errorf("resolving repository path: %w", err)
	}

	e := &env{cfg: cfg, repo: repo, close: func() {}}
	if cfg.Logging.File != "" {
		logger, f, err := logging.NewFile(e.path(cfg.Logging.File), cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		e.logger = logger
		e.close = func() { _ = f.Close() }
	} else {
		e.logger = logging.New(stderr, cfg.Logging.Level, cfg.Logging.Format)
	}
	return e, nil
}

// path resolves p against the repository unless it is absolute.
func (e *env) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.repo, p)
}
