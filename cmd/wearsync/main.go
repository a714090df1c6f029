// Wearsync is a daemon that keeps wearable health data flowing into a local
// store: it maintains connections to BLE peripherals, the OS health store,
// and fitness cloud accounts, pulls their samples, and serves the unified
// stream over an HTTP API.
//
// Usage:
//
//	wearsync daemon [--config <path>] [--verbose]      # run the sync engine + API
//	wearsync sync-once [--config <path>] [--verbose]   # sync every device once and exit
//	wearsync status [--config <path>]                  # show config & state DB info
//	wearsync version                                   # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wearsync/wearsync/internal/api"
	"github.com/wearsync/wearsync/internal/config"
	"github.com/wearsync/wearsync/internal/engine"
	"github.com/wearsync/wearsync/internal/model"
	"github.com/wearsync/wearsync/internal/provider"
	"github.com/wearsync/wearsync/internal/provider/cloud"
	"github.com/wearsync/wearsync/internal/scheduler"
	"github.com/wearsync/wearsync/internal/state"
	"github.com/wearsync/wearsync/internal/supervisor"
	"github.com/wearsync/wearsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch os.Args[1] {
	case "daemon":
		return runDaemon(os.Args[2:])
	case "sync-once":
		return runSyncOnce(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("wearsync", version)
		return nil
	}
	return fmt.Errorf("unknown command %q — run 'wearsync' for usage", os.Args[1])
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "Wearsync — wearable device connection & health data sync engine")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  wearsync daemon [--config ...] [--verbose]      Run the sync engine and HTTP API")
	fmt.Fprintln(os.Stderr, "  wearsync sync-once [--config ...] [--verbose]   Sync every configured device once and exit")
	fmt.Fprintln(os.Stderr, "  wearsync status [--config ...]                  Show config and state DB info")
	fmt.Fprintln(os.Stderr, "  wearsync version                                Print version")
	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"listen", cfg.Listen,
		"retention", cfg.Retention,
		"devices", len(cfg.Devices),
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	// --- State DB ------------------------------------------------------------

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			return fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	}()

	// --- Engine --------------------------------------------------------------

	eng := engine.New(store, buildAdapters(cfg, logger), engineConfig(cfg), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	// Configured devices register once the engine is up; already-known IDs
	// were reconnected by Run and are skipped here.
	for _, devCfg := range cfg.Devices {
		kind, _ := model.ParseProviderKind(devCfg.Provider)
		dev := model.WearableDevice{ID: devCfg.ID, DisplayName: devCfg.DisplayName, Provider: kind}
		if err := eng.Connect(ctx, dev); err != nil {
			logger.Warn("configured device rejected", "device", devCfg.ID, "error", err)
		}
	}

	// --- HTTP API ------------------------------------------------------------

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(eng, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpDone := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", "addr", cfg.Listen)
		httpDone <- srv.ListenAndServe()
	}()

	select {
	case err := <-httpDone:
		stop()
		<-engineDone
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("HTTP shutdown", "error", err)
		}
		if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			return fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	}()

	eng := engine.New(store, buildAdapters(cfg, logger), engineConfig(cfg), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(runCtx) }()

	for _, devCfg := range cfg.Devices {
		kind, _ := model.ParseProviderKind(devCfg.Provider)
		dev := model.WearableDevice{ID: devCfg.ID, DisplayName: devCfg.DisplayName, Provider: kind}
		if err := eng.Connect(ctx, dev); err != nil {
			logger.Warn("configured device rejected", "device", devCfg.ID, "error", err)
		}
	}

	// One sync per known device (configured plus persisted), then exit.
	failed := 0
	for _, dev := range eng.ListDevices() {
		job, err := syncOnceDevice(ctx, eng, dev.ID)
		if err != nil {
			logger.Error("sync failed", "device", dev.ID, "error", err)
			failed++
			continue
		}
		fmt.Printf("  %-28s %-8s %d samples\n", dev.ID, job.Outcome, job.SampleCount)
		if job.Outcome == model.OutcomeFailed {
			failed++
		}
	}

	cancel()
	<-engineDone
	if failed > 0 {
		return fmt.Errorf("%d device(s) failed to sync", failed)
	}
	return nil
}

// syncOnceDevice waits for the device's sync loop to come up (it appears
// once the supervisor reaches Connected), then joins one sync job.
func syncOnceDevice(ctx context.Context, eng *engine.Engine, id string) (model.SyncJob, error) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		job, err := eng.SyncNow(ctx, id)
		if err == nil || !errors.Is(err, scheduler.ErrNotScheduled) {
			return job, err
		}
		if time.Now().After(deadline) {
			return model.SyncJob{}, fmt.Errorf("device never reached connected: %w", err)
		}
		select {
		case <-ctx.Done():
			return model.SyncJob{}, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// buildAdapters wires the provider adapters this binary can serve on its
// own. Only the cloud adapter works standalone: BLE and the OS health store
// need platform bindings injected by an embedding application (see
// provider/ble.Transport and provider/healthstore.RecordsClient).
func buildAdapters(cfg *config.Config, logger *slog.Logger) map[model.ProviderKind]provider.Adapter {
	adapters := make(map[model.ProviderKind]provider.Adapter)
	if cfg.Providers.Cloud != nil {
		adapters[model.ProviderCloud] = cloud.New(cloud.Config{
			BaseURL:   cfg.Providers.Cloud.BaseURL,
			Token:     cfg.Providers.Cloud.Token,
			RateLimit: cfg.Providers.Cloud.RateLimit,
			PageSize:  cfg.Providers.Cloud.PageSize,
		}, logger)
	}
	if cfg.Providers.BLE {
		logger.Warn("providers.ble enabled but this binary has no BLE transport; BLE devices will be rejected")
	}
	if cfg.Providers.HealthStore {
		logger.Warn("providers.health_store enabled but this binary has no platform client; health store devices will be rejected")
	}
	return adapters
}

// engineConfig maps the YAML configuration onto the engine's policies.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Supervisor: supervisor.Config{
			ConnectTimeout: cfg.Reconnect.ConnectTimeout,
			BackoffBase:    cfg.Reconnect.BackoffBase,
			BackoffCap:     cfg.Reconnect.BackoffCap,
			MaxAttempts: map[model.ProviderKind]int{
				model.ProviderCloud: cfg.Reconnect.CloudMaxAttempts,
			},
		},
		Scheduler: scheduler.Config{
			DefaultInterval: cfg.Sync.Interval,
			Intervals: map[model.ProviderKind]time.Duration{
				model.ProviderCloud: cfg.Sync.CloudInterval,
			},
		},
		Retention: cfg.Retention,
	}
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("Wearsync Status")
	fmt.Println("───────────────")

	dbPath := ""
	if _, err := os.Stat(*cfgPath); err == nil {
		if cfg, loadErr := config.Load(*cfgPath); loadErr == nil {
			fmt.Printf("  Config:    %s ✓\n", *cfgPath)
			fmt.Printf("  Listen:    %s\n", cfg.Listen)
			fmt.Printf("  Retention: %s\n", cfg.Retention)
			fmt.Printf("  Devices:   %d configured\n", len(cfg.Devices))
			dbPath = cfg.DBPath
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", *cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", *cfgPath)
	}

	if dbPath == "" {
		dbPath, _ = state.DefaultDBPath()
	}
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))
	} else {
		fmt.Println("  State DB:  not found")
	}
	return nil
}

// humanSize formats a byte count for display.
func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
