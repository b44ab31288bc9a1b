package commands

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nsld/nsld/internal/config"
	"github.com/nsld/nsld/internal/directory"
	"github.com/nsld/nsld/internal/dispatch"
	"github.com/nsld/nsld/internal/invalidate"
	"github.com/nsld/nsld/internal/ipc"
	"github.com/nsld/nsld/internal/metrics"
	appversion "github.com/nsld/nsld/internal/version"
	"github.com/nsld/nsld/internal/workerpool"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the nsld daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger, closeLog, err := newLogger(cfg.Log, logLevel)
	if err != nil {
		return fmt.Errorf("set up logger: %w", err)
	}
	defer closeLog()

	logger.Info("nsld starting",
		slog.String("version", appversion.Version),
		slog.String("socket", socketPath),
		slog.Int("uris", len(cfg.URIs)),
	)

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	uris := directory.NewURITable(cfg.URIs, cfg.ReconnectSleeptime, cfg.ReconnectRetrytime, collector)

	inv := invalidate.New(cfg, logger.With(slog.String("component", "invalidate")), collector)

	disp := dispatch.New(logger.With(slog.String("component", "dispatch")), collector)

	ln, err := ipc.Listen(socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}

	pf, err := ipc.AcquirePIDFile(pidFile)
	if err != nil {
		closeErr := ln.Close()
		return errors.Join(fmt.Errorf("acquire pidfile %s: %w", pidFile, err), closeErr)
	}
	defer func() {
		if err := pf.Close(); err != nil {
			logger.Warn("error releasing pidfile", slog.String("error", err.Error()))
		}
	}()

	onRecovery := func() { inv.Trigger() }
	if !inv.Enabled() {
		onRecovery = nil
	}
	pool := workerpool.New(ln, cfg, uris, tlsCfg, disp, logger.With(slog.String("component", "workerpool")), onRecovery, collector)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGABRT, syscall.SIGHUP)
	defer stop()
	signal.Ignore(syscall.SIGPIPE)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return inv.Run(gctx) })
	g.Go(func() error { return runWatchdog(gctx, logger) })
	g.Go(func() error { return handleUSR1(gctx, uris, logger) })

	if metricsAddr != "" {
		metricsSrv := newMetricsServer(metricsAddr, reg)
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("addr", metricsAddr))
			return listenAndServe(gctx, metricsSrv, metricsAddr)
		})
	}

	notifyReady(logger)
	g.Go(func() error {
		<-gctx.Done()
		notifyStopping(logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("nsld exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("nsld stopped")
	return nil
}

// newMetricsServer builds the HTTP server exposing Prometheus metrics
// at /metrics.
func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// listenAndServe serves srv on addr until ctx is cancelled, shutting it
// down gracefully on cancellation.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
}

// buildTLSConfig always constructs a *tls.Config: it is needed both for
// ssl=start_tls and for any ldaps:// URI dialed directly, regardless of
// the ssl keyword's setting.
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	return directory.BuildTLSConfig(cfg.TLS)
}

// newLogger builds the structured logger per the log keyword: "none"
// discards output, "syslog" pipes JSON records through log/syslog,
// anything else is treated as an absolute file path.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Target {
	case "", "none":
		return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: level})), noop, nil
	case "syslog":
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "nsld")
		if err != nil {
			return nil, nil, fmt.Errorf("connect to syslog: %w", err)
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), w.Close, nil
	default:
		f, err := os.OpenFile(cfg.Target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.Target, err)
		}
		return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})), f.Close, nil
	}
}

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval; it returns immediately if no watchdog
// is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// handleUSR1 triggers an immediate reconnect of every configured
// directory URI on receipt of SIGUSR1, per spec.md's signal table.
func handleUSR1(ctx context.Context, uris *directory.URITable, logger *slog.Logger) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sig:
			logger.Info("SIGUSR1 received, forcing immediate reconnect")
			uris.ImmediateReconnect()
		}
	}
}
