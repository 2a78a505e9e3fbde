// Command bpfmand is the bpfman daemon entrypoint.
//
// Startup sequence:
//  1. Flags — config path, version.
//  2. Root check — abort if not running as root.
//  3. Load and validate config from /etc/bpfman/bpfman.yaml.
//  4. Initialise structured logger (zap).
//  5. Open the embedded catalog store (bbolt).
//  6. Open the bytecode image store and cache directory.
//  7. Construct the map-pin registry and dispatcher engine.
//  8. Construct the manager and reconcile it against kernel state.
//  9. Start the Prometheus metrics server.
// 10. Run the manager's command loop.
// 11. Register SIGHUP handler for config hot-reload.
// 12. Block on SIGINT/SIGTERM for graceful shutdown.
//
// On catalog open or reconcile failure: exit 1 immediately (no partial
// state should be exposed to RPC collaborators).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bpfman/bpfmand/internal/catalog"
	"github.com/bpfman/bpfmand/internal/config"
	"github.com/bpfman/bpfmand/internal/dispatcher"
	"github.com/bpfman/bpfmand/internal/imagestore"
	"github.com/bpfman/bpfmand/internal/manager"
	"github.com/bpfman/bpfmand/internal/mappin"
	"github.com/bpfman/bpfmand/internal/nsattach"
	"github.com/bpfman/bpfmand/internal/observability"
)

func main() {
	configPath := flag.String("config", "/etc/bpfman/bpfman.yaml", "Path to bpfman.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("bpfmand %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: bpfmand must run as root (UID 0)")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, logLevel, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("bpfmand starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, dir := range []string{cfg.Paths.CatalogDir, cfg.Paths.BytecodeCacheDir, cfg.Paths.RuntimeDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Fatal("create directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	dbPath := filepath.Join(cfg.Paths.CatalogDir, "catalog.db")
	store, err := catalog.Open(dbPath, cfg.Database.MaxRetries, time.Duration(cfg.Database.MillisecDelay)*time.Millisecond)
	if err != nil {
		log.Fatal("catalog open failed", zap.String("path", dbPath), zap.Error(err))
	}
	defer store.Close() //nolint:errcheck
	log.Info("catalog opened", zap.String("path", dbPath))

	images := imagestore.New(cfg.Paths.BytecodeCacheDir)
	registry := mappin.New()
	engine := dispatcher.New(cfg.Dispatcher.DispatcherImageDir, dispatcher.NewLinkAttacher())
	nsClient := nsattach.NewClient(cfg.Paths.NsAttachHelper, 30*time.Second)
	metrics := observability.NewMetrics()

	pinRoot := filepath.Join(cfg.Paths.RuntimeDir, "fs")
	if err := os.MkdirAll(pinRoot, 0o750); err != nil {
		log.Fatal("create pin root", zap.String("dir", pinRoot), zap.Error(err))
	}

	m := manager.New(
		manager.Config{QueueDepth: cfg.Manager.QueueDepth, PinRoot: pinRoot},
		store, images, registry, engine, nsClient, metrics, log,
	)

	log.Info("reconciling against kernel state...")
	if err := m.Reconcile(); err != nil {
		log.Fatal("reconcile failed — refusing to start with divergent state", zap.Error(err))
	}
	log.Info("reconcile complete")

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	go m.Run(ctx)
	log.Info("manager command loop started", zap.Int("queue_depth", cfg.Manager.QueueDepth))

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// Only the non-destructive subset (log level) is applied live;
			// catalog/bytecode/runtime paths and the dispatcher image dir
			// require a restart, per the package doc in internal/config.
			var newLevel zapcore.Level
			if err := newLevel.UnmarshalText([]byte(newCfg.Observability.LogLevel)); err != nil {
				log.Error("config hot-reload: invalid log level — retaining old level", zap.Error(err))
				continue
			}
			logLevel.SetLevel(newLevel)
			log.Info("config hot-reload successful", zap.String("new_log_level", newCfg.Observability.LogLevel))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("bpfmand shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format, and
// returns the AtomicLevel that controls it so SIGHUP reload can change it.
func buildLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	logger, err := cfg.Build()
	return logger, cfg.Level, err
}
