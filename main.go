// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"lsan_threads/internal/collectors/kthreadregistry"
	"lsan_threads/internal/config"
	"lsan_threads/internal/logger"
	"lsan_threads/internal/lsan"
	"lsan_threads/internal/osthread"
	"lsan_threads/internal/threadregistry"
)

var (
	version = "0.1.0"
)

func init() {
	// The main goroutine stands in for the process's initial thread.
	runtime.LockOSThread()
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		return // -generate-config
	}

	closeLogs, err := logger.ConfigureLogging(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}
	defer closeLogs()

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("❌ Exiting with error")
		closeLogs()
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig) error {
	log.Info().
		Str("version", version).
		Str("binding_map", cfg.Binding.MapImplementation).
		Uint32("max_threads", cfg.Registry.MaxThreads).
		Int("quarantine_size", cfg.Registry.QuarantineSize).
		Bool("workload_enabled", cfg.Workload.Enabled).
		Bool("scan_enabled", cfg.Scan.Enabled).
		Str("listen_address", cfg.Server.ListenAddress).
		Msg("Starting LSan thread registry")

	collector, err := kthreadregistry.NewRegistryCollector(cfg.Binding.MapImplementation,
		logger.NewLoggerWithContext("registry_collector"))
	if err != nil {
		return fmt.Errorf("create registry collector: %w", err)
	}

	registryLog := logger.NewLoggerWithContext("thread_registry")
	rt, err := lsan.InitializeThreadRegistry(lsan.Options{
		Registry: threadregistry.Config{
			MaxThreads:     cfg.Registry.MaxThreads,
			QuarantineSize: cfg.Registry.QuarantineSize,
			MaxReuse:       cfg.Registry.MaxReuse,
		},
		BindingMap: cfg.Binding.MapImplementation,
		Observer:   collector,
		Logger:     &registryLog,
	})
	if err != nil {
		return fmt.Errorf("initialize thread registry: %w", err)
	}
	collector.SetSource(rt.Registry())

	// Registered before the OS id is queried, then patched, as a runtime that
	// starts before its OS layer would.
	rt.InitializeMainThread(osthread.InvalidID)
	rt.EnsureMainThreadIDIsCorrect()
	log.Debug().Uints64("running", rt.RunningThreads()).Msg("- Main thread registered")

	prometheus.MustRegister(collector)
	metrics := GetMetrics()
	log.Debug().Msg("- Metrics initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	mux.Handle(cfg.Server.SnapshotPath, snapshotHandler(rt))
	mux.Handle("/", indexHandler(cfg.Server))
	if cfg.Server.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		log.Info().Msg("pprof endpoints enabled under /debug/pprof/")
	}
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("address", srv.Addr).Msg("🌐 Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Workload.Enabled {
		workload := NewWorkload(rt, cfg.Workload, metrics)
		g.Go(func() error { return workload.Run(ctx) })
	}

	if cfg.Scan.Enabled {
		scanner := NewScanner(rt, collector, cfg.Scan.VerifyOSThreads)
		g.Go(func() error { return scanner.Run(ctx, cfg.Scan.Interval.Duration) })
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shut down http server: %w", err)
		}
		log.Debug().Msg("HTTP server shut down cleanly")
		return nil
	})

	log.Info().Msg("LSan thread registry is ready")
	err = g.Wait()

	s := rt.Stats()
	log.Info().
		Int("alive", s.Alive).
		Int("max_alive", s.MaxAlive).
		Uint64("created", s.CreatedTotal).
		Uint64("reused", s.Reused).
		Msg("Thread registry stopped")
	return err
}
