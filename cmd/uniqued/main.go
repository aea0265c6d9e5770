// Uniqued daemon -- per-session content-deduplication service over D-Bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/uniqued/internal/config"
	unidaemon "github.com/dantte-lp/uniqued/internal/daemon"
	uniquemetrics "github.com/dantte-lp/uniqued/internal/metrics"
	appversion "github.com/dantte-lp/uniqued/internal/version"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	replace := flag.Bool("replace", false, "replace an existing owner of the well-known bus name")
	verbose := flag.Bool("verbose", false, "enable debug-level log emission")
	busAddr := flag.String("bus-addr", "", "D-Bus address to connect to (defaults to the session bus; overridable for tests)")
	flag.CommandLine.Init(os.Args[0], flag.ContinueOnError)
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	if *verbose {
		logLevel.Set(slog.LevelDebug)
	}
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("uniqued starting",
		slog.String("version", appversion.Version),
		slog.String("bus_name", cfg.Bus.Name),
		slog.String("object_path", cfg.Bus.ObjectPath),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := uniquemetrics.NewCollector(reg)

	d := unidaemon.New(collector)

	if err := runDaemon(cfg, d, reg, logger, *replace, *busAddr); err != nil {
		logger.Error("uniqued exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("uniqued stopped")
	return 0
}

// runDaemon connects to the bus, requests the well-known name, exports the
// Unique interface, and runs the event loop, the peer-death watcher and the
// metrics server under an errgroup with signal-aware shutdown.
func runDaemon(cfg *config.Config, d *unidaemon.Daemon, reg *prometheus.Registry, logger *slog.Logger, replace bool, busAddr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := unidaemon.Connect(ctx, busAddr)
	if err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Warn("failed to close bus connection", slog.String("error", cerr.Error()))
		}
	}()

	if err := unidaemon.RequestName(conn, cfg.Bus.Name, replace); err != nil {
		return fmt.Errorf("acquire bus name: %w", err)
	}

	if err := unidaemon.Export(conn, dbus.ObjectPath(cfg.Bus.ObjectPath), cfg.Bus.Name, d); err != nil {
		return fmt.Errorf("export interface: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		return unidaemon.WatchPeers(gCtx, conn, d, logger)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// listenAndServe serves HTTP on addr until ctx is cancelled or the server
// is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// gracefulShutdown shuts the metrics server down within shutdownTimeout
// once the run context is cancelled.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := systemd.SdNotify(false, systemd.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := systemd.SdNotify(false, systemd.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. If no watchdog is configured the goroutine exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := systemd.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := systemd.SdNotify(false, systemd.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Config / Logging
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// debugPrefixHandler routes records across two underlying handlers by
// level: debug records carry the documented --verbose "F:" prefix and go
// to standard error, everything else goes to standard output unmodified.
type debugPrefixHandler struct {
	stdout slog.Handler
	stderr slog.Handler
}

func (h debugPrefixHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdout.Enabled(ctx, level)
}

func (h debugPrefixHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug {
		r.Message = "F: " + r.Message
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h debugPrefixHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return debugPrefixHandler{stdout: h.stdout.WithAttrs(attrs), stderr: h.stderr.WithAttrs(attrs)}
}

func (h debugPrefixHandler) WithGroup(name string) slog.Handler {
	return debugPrefixHandler{stdout: h.stdout.WithGroup(name), stderr: h.stderr.WithGroup(name)}
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	newHandler := func(w *os.File) slog.Handler {
		if cfg.Format == "text" {
			return slog.NewTextHandler(w, opts)
		}
		return slog.NewJSONHandler(w, opts)
	}

	return slog.New(debugPrefixHandler{
		stdout: newHandler(os.Stdout),
		stderr: newHandler(os.Stderr),
	})
}
