package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/logging"
	"github.com/Aman-CERP/lexsearch/internal/search"
	"github.com/Aman-CERP/lexsearch/internal/server"
	"github.com/Aman-CERP/lexsearch/internal/watcher"
)

type serveOptions struct {
	host    string
	port    int
	noWatch bool
	polling bool
}

func newServeCmd(dir *string) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the search HTTP API",
		Long: `Serve /search, /suggest, /status, /health and /metrics over HTTP,
plus /analytics/queries when telemetry is enabled.

The server loads the published index generations at startup and reloads
them whenever 'lexsearch build' publishes a new one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, *dir, opts)
		},
	}

	cmd.Flags().StringVar(&opts.host, "host", "", "Listen host (default from config)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Listen port (default from config)")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "Do not reload generations published while serving")
	cmd.Flags().BoolVar(&opts.polling, "polling", false, "Watch the manifest by polling instead of fsnotify")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, dir string, opts serveOptions) error {
	a, err := openApp(ctx, dir)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if !debugMode {
		logger, cleanup, err := logging.Setup(loggingConfig(a.cfg.Logging))
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		defer cleanup()
		slog.SetDefault(logger)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := a.newEngine(ctx, search.WithMetrics(search.NewMetrics(reg)))
	if err != nil {
		return err
	}

	srvCfg := a.cfg.Server
	if opts.host != "" {
		srvCfg.Host = opts.host
	}
	if opts.port != 0 {
		srvCfg.Port = opts.port
	}
	srvOpts := []server.Option{server.WithGatherer(reg)}
	if a.recorder != nil {
		srvOpts = append(srvOpts, server.WithAnalytics(a.recorder))
		flushCtx, stopFlush := context.WithCancel(ctx)
		flushed := make(chan struct{})
		go func() {
			defer close(flushed)
			if err := a.recorder.Run(flushCtx); err != nil {
				slog.Warn("telemetry_flush_failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			stopFlush()
			<-flushed
		}()
	}
	srv, err := server.New(engine, srvCfg, srvOpts...)
	if err != nil {
		return err
	}

	if srvCfg.WatchGenerations && !opts.noWatch {
		w := watcher.New(a.cfg.Paths.DataDir, engine, watcher.Options{ForcePolling: opts.polling})
		defer w.Stop()
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("manifest_watch_failed", slog.String("error", err.Error()))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	slog.Info("server_started",
		slog.String("addr", srv.Addr()),
		slog.String("data_dir", a.cfg.Paths.DataDir))
	fmt.Fprintf(cmd.ErrOrStderr(), "lexsearch listening on http://%s\n", srv.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.ShutdownTimeout)
	defer cancel()
	slog.Info("server_stopping")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loggingConfig maps the logging section of the config file.
func loggingConfig(c config.LoggingConfig) logging.Config {
	cfg := logging.DefaultConfig()
	if c.Level != "" {
		cfg.Level = c.Level
	}
	if c.Format != "" {
		cfg.Format = c.Format
	}
	if c.MaxSizeMB > 0 {
		cfg.MaxSizeMB = c.MaxSizeMB
	}
	if c.MaxFiles > 0 {
		cfg.MaxFiles = c.MaxFiles
	}
	cfg.FilePath = c.File
	return cfg
}
