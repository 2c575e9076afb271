package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meteredchan/meteredchan/internal/config"
	"github.com/meteredchan/meteredchan/internal/logging"
	"github.com/meteredchan/meteredchan/internal/monitor"
	intOtel "github.com/meteredchan/meteredchan/internal/otel"
	"github.com/meteredchan/meteredchan/internal/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.0.1"
	BuildDate      string = "unknown"

	ServiceName string = "meterdemo"
)

func main() {
	configDir := "."
	if len(os.Args) > 1 {
		configDir = os.Args[1]
	}

	if err := run(configDir); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", ServiceName, err)
		os.Exit(1)
	}
}

func run(configDir string) error {
	sessionStart := time.Now()

	// console logging until the config tells us where logs go
	slogManager := logging.NewSlogManager(ServiceName)
	slogManager.Setup(nil, "info", nil)
	logger := slogManager.Logger()

	if err := config.Load(configDir); err != nil {
		logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		logger.Info("Loaded config", "dir", configDir)
	}

	logsDir := config.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}
	logFile, err := os.OpenFile(logging.LogFilePath(logsDir, ServiceName, sessionStart), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.NewGraylogWriter(gl.Address)
		if err != nil {
			logger.Warn("Graylog disabled", "error", err)
		} else {
			defer w.Close()
			slogManager.Graylog = w
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	otelProvider, otelLog, err := newOTelProvider(config.GetOTelConfig(), logsDir, sessionStart, reg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "otel shutdown: %v\n", err)
		}
		if otelLog != nil {
			otelLog.Close()
		}
	}()

	slogManager.Context = func() []slog.Attr {
		return []slog.Attr{slog.Duration("uptime", time.Since(sessionStart).Round(time.Millisecond))}
	}
	slogManager.Setup(io.MultiWriter(logFile, os.Stdout), config.GetString("logLevel"), otelProvider.LoggerProvider())
	logger = slogManager.Logger()
	logger.Info("Starting", "version", CurrentVersion, "buildDate", BuildDate)

	// storage/database managers log through zerolog into the same file
	zlog := zerolog.New(logFile).With().Timestamp().Str("service", ServiceName).Logger()

	backend, err := createStorageBackend(config.GetStorageConfig(), zlog, logger)
	if err != nil {
		return err
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Failed to close storage backend", "error", err)
		}
	}()

	p, err := newPipeline(reg, slogManager, config.GetWorkloadConfig(), config.GetMetricsConfig())
	if err != nil {
		return err
	}
	go p.follow(logging.WithChannel(context.Background(), "completed"))

	monCfg := config.GetMonitorConfig()
	mon := monitor.NewService(monitor.Dependencies{
		Backend:    backend,
		Logger:     logger.With("component", "monitor"),
		StatusDir:  monCfg.StatusDir,
		Interval:   monCfg.Interval,
		FlushSize:  monCfg.FlushSize,
		BufferSize: monCfg.BufferSize,
	})
	p.register(mon)
	if err := mon.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              config.GetMetricsConfig().Address,
		Handler:           newMux(reg, mon, p, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Serving metrics", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		res, err := p.runner.Run(gctx)
		if err != nil {
			return fmt.Errorf("workload: %w", err)
		}
		logger.Info("Workload done, serving until interrupted",
			"produced", res.Produced,
			"consumed", res.Consumed,
			"maxLatency", res.MaxLatency,
		)
		return nil
	})

	runErr := g.Wait()
	logger.Info("Shutting down")

	p.close()
	mon.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := slogManager.Flush(flushCtx); err != nil {
		fmt.Fprintf(os.Stderr, "log flush: %v\n", err)
	}
	return runErr
}

// newOTelProvider also returns the OTel log file, if one was opened, so the
// caller can close it after Shutdown.
func newOTelProvider(cfg config.OTelConfig, logsDir string, sessionStart time.Time, reg prometheus.Registerer) (*intOtel.Provider, *os.File, error) {
	var (
		logFile   *os.File
		logWriter io.Writer
	)
	if cfg.Enabled {
		f, err := os.OpenFile(logging.LogFilePath(logsDir, ServiceName+".otel", sessionStart), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("opening otel log file: %w", err)
		}
		logFile, logWriter = f, f
	}

	p, err := intOtel.New(intOtel.Config{
		Enabled:      cfg.Enabled,
		ServiceName:  cfg.ServiceName,
		BatchTimeout: cfg.BatchTimeout,
		LogWriter:    logWriter,
		Endpoint:     cfg.Endpoint,
		Insecure:     cfg.Insecure,
		Registerer:   reg,
	})
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, nil, fmt.Errorf("initializing otel: %w", err)
	}
	return p, logFile, nil
}

func newMux(reg *prometheus.Registry, mon *monitor.Service, p *pipeline, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mon.IsRunning() {
			http.Error(w, "monitor stopped", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, strings.Join(mon.GetStatus(), "\n"))
	})
	mux.HandleFunc("/latest", func(w http.ResponseWriter, _ *http.Request) {
		c, changed := p.Latest()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(struct {
			Completion
			Changed bool `json:"changed"`
		}{c, changed}); err != nil {
			logger.Error("encoding latest", "error", err)
		}
	})
	mux.Handle("/ws", stream.NewHandler(p.completed, "completed", "completion", logger.With("component", "stream")))
	return mux
}
