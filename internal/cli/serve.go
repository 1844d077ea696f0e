package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/fkg/internal/federation"
	"github.com/roach88/fkg/internal/publish"
	"github.com/roach88/fkg/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr         string
	PullInterval time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve this instance's snapshot over HTTP",
		Long: `Serve /pkg/latest, /pkg/manifest, /changelog, /whoami, /healthz and
/metrics on api.host:api.port.

With --pull-interval the configured remotes are also pulled periodically.

Example:
  fkg serve --addr :8000 --pull-interval 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default: api.host:api.port)")
	cmd.Flags().DurationVar(&opts.PullInterval, "pull-interval", 0, "pull configured remotes at this interval (0 disables)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions, cmd, f)
	if err != nil {
		return err
	}
	defer a.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	im, cleanup, err := newImporter(ctx, a, importerDeps{registry: registry, traceOut: cmd.ErrOrStderr()})
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to set up importer", err)
	}
	defer cleanup()

	exporter := publish.NewExporter(a.store, publish.Authority{
		ID:           a.cfg.Instance.ID,
		Name:         a.cfg.Instance.AuthorityName,
		Jurisdiction: a.cfg.Instance.Jurisdiction,
	})
	srv := server.New(a.store, exporter, a.validator, instanceIdentity(a.cfg, a.validator),
		server.WithGatherer(registry),
		server.WithLogger(a.logger),
	)

	addr := opts.Addr
	if addr == "" {
		addr = a.cfg.API.Addr()
	}
	httpServer := server.NewHTTPServer(addr, srv.Handler())

	if opts.PullInterval > 0 && len(a.cfg.Federation.Remotes) > 0 {
		go pullLoop(ctx, a, im, opts.PullInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", addr, "instance", a.cfg.Instance.ID)
		errCh <- httpServer.ListenAndServe()
	}()
	fmt.Fprintf(f.GetErrWriter(), "Serving %s on http://%s\n", a.cfg.Instance.ID, addr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "shutdown failed", err)
	}
	a.logger.Info("server stopped gracefully")
	return nil
}

// pullLoop pulls every configured remote now and then once per interval
// until ctx is done.
func pullLoop(ctx context.Context, a *app, im *federation.Importer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		results := im.PullAll(ctx, a.cfg.Federation.Remotes, a.cfg.Federation.Concurrency)
		for _, r := range results {
			if r.Err != nil {
				a.logger.Warn("scheduled pull failed", "remote", r.RemoteID, "error", r.Err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
