package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/sift/internal/admin"
)

// ShutdownTimeout bounds how long serve waits for in-flight requests.
const ShutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions

	// Ready, if set, is called with the listening address once the server
	// accepts connections (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the runtime over HTTP",
		Long: `Start the runtime and serve the admin HTTP API until interrupted.

The API exposes health, Prometheus metrics, the committed snapshot, the
resolution cache and, unless admin.read_only is set, POST /send for
feeding batches in. With a journal configured the runtime resumes from
the latest commit.

Example:
  sift serve --admin :8080 --journal ./sift.db
  sift serve --admin 127.0.0.1:9000 --redis localhost:6379 --log-level info`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	if cfg.Admin.Addr == "" {
		return NewExitError(ExitCommandError, "no admin address configured (use --admin)")
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := StartRuntime(ctx, cfg, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			rt.Logger.Error("error closing runtime", "error", closeErr)
		}
	}()

	handlerOpts := []admin.Option{
		admin.WithLogger(rt.Logger),
		admin.WithMetrics(rt.Metrics.Handler()),
	}
	if cfg.Admin.ReadOnly {
		handlerOpts = append(handlerOpts, admin.ReadOnly())
	}

	ln, err := net.Listen("tcp", cfg.Admin.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := &http.Server{
		Handler:           admin.NewHandler(rt.Dispatch, handlerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	addr := ln.Addr().String()
	rt.Logger.Info("admin server listening", "addr", addr, "seq", rt.Dispatch.Seq())
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", addr)
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	select {
	case err := <-errc:
		return WrapExitError(ExitFailure, "admin server failed", err)
	case <-ctx.Done():
	}

	rt.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "admin server failed", err)
	}
	return nil
}
