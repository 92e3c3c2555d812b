package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/sift/internal/cache"
	"github.com/roach88/sift/internal/config"
	"github.com/roach88/sift/internal/engine"
	"github.com/roach88/sift/internal/logging"
	"github.com/roach88/sift/internal/metrics"
	"github.com/roach88/sift/internal/snapshot"
	"github.com/roach88/sift/internal/std"
	"github.com/roach88/sift/internal/store"
)

// Runtime is a configured dispatcher together with its journal and
// metrics. It is restored from the journal when one is configured and has
// the standard extensions and configured indexers installed.
type Runtime struct {
	Config   config.Config
	Logger   *slog.Logger
	Journal  store.Journal // nil when journaling is off
	Metrics  *metrics.Recorder
	Dispatch *engine.Dispatcher
}

// loadConfig loads configuration with the command's flags applied.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, cmd.Flags())
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	level := logging.ParseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}
	if cfg.Format == "json" {
		return logging.NewJSON(w, level)
	}
	return logging.New(w, level)
}

// openJournal opens the configured journal. It returns nil, nil when
// journaling is off.
func openJournal(cfg config.JournalConfig) (store.Journal, error) {
	switch {
	case cfg.RedisAddr != "":
		return store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, store.WithPrefix(cfg.RedisPrefix)), nil
	case cfg.Path != "":
		j, err := store.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, nil
}

// requireJournal opens the configured journal or fails with a command
// error when none is configured.
func requireJournal(cfg config.JournalConfig) (store.Journal, error) {
	j, err := openJournal(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	if j == nil {
		return nil, NewExitError(ExitCommandError, "no journal configured (use --journal or --redis)")
	}
	return j, nil
}

// StartRuntime builds a Runtime from cfg. Logs go to logW.
//
// Startup sequence:
//  1. Open the journal, if any, and restore the latest committed state
//  2. Create the dispatcher with journal and metrics hooks
//  3. Install the standard extensions and register the configured indexers
//
// Extension chains are not journaled, so step 3 runs on every start and
// is itself a committed transaction.
func StartRuntime(ctx context.Context, cfg config.Config, verbose bool, logW io.Writer) (*Runtime, error) {
	logger := newLogger(cfg.Log, verbose, logW)

	journal, err := openJournal(cfg.Journal)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}

	state, seq := snapshot.Empty(), int64(0)
	if journal != nil {
		state, seq, err = store.Restore(ctx, journal)
		if err != nil {
			journal.Close()
			return nil, WrapExitError(ExitFailure, "failed to restore from journal", err)
		}
		logger.Info("state restored", "seq", seq)
	}

	rec := metrics.New(true)
	hooks := rec.Hooks()
	if journal != nil {
		hooks = engine.ComposeHooks(store.Hooks(journal, logger), hooks)
	}

	d := engine.New(
		engine.WithLogger(logger),
		engine.WithHooks(hooks),
		engine.WithMaxCascade(cfg.MaxCascade),
		engine.WithState(state, seq),
	)

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Journal:  journal,
		Metrics:  rec,
		Dispatch: d,
	}

	install := []any{std.Standard(cache.New())}
	if idx := cfg.IndexList(); len(idx) > 0 {
		install = append(install, cache.Register(idx...))
	}
	if _, err := d.Send(ctx, install...); err != nil {
		rt.Close()
		return nil, WrapExitError(ExitFailure, "failed to install extensions", err)
	}
	logger.Debug("extensions installed", "chain", d.Chain().Len(), "indexes", len(cfg.Indexes))
	return rt, nil
}

// Close waits for async effects and closes the journal.
func (rt *Runtime) Close() error {
	rt.Dispatch.Wait()
	if rt.Journal == nil {
		return nil
	}
	if err := rt.Journal.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
