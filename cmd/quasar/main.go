package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quasar-data/quasar/internal/dispatch"
	"github.com/quasar-data/quasar/internal/handle"
	"github.com/quasar-data/quasar/internal/server"
	"github.com/quasar-data/quasar/internal/storage"
	"github.com/quasar-data/quasar/pkg/compression"
	"github.com/quasar-data/quasar/pkg/config"
	"github.com/quasar-data/quasar/pkg/logger"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar - Tabular data handle server",
		Long: `Quasar serves tables behind opaque, TTL-bounded handles. Clients create
tables from Arrow IPC or Parquet, apply operations against handles, and
materialize results; payloads move through a tiered store combining an
in-memory LRU cache with compressed durable artifacts.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Quasar v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the handle server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file (environment overrides apply on top)")
	root.AddCommand(serveCmd)

	var dumpConfigFile, dumpOut string
	dumpCmd := &cobra.Command{
		Use:   "config-dump",
		Short: "Write the resolved configuration as YAML",
		Long: `Resolves the configuration the same way serve does (file, then
environment overrides, then defaults) and writes the result, either to
stdout or to the file named by --out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigDump(dumpConfigFile, dumpOut)
		},
	}
	dumpCmd.Flags().StringVarP(&dumpConfigFile, "config", "c", "", "YAML config file to resolve")
	dumpCmd.Flags().StringVarP(&dumpOut, "out", "o", "", "destination file (default stdout)")
	root.AddCommand(dumpCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Development,
		Encoding:    "json",
		OutputPaths: []string{"stdout"},
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Get()
	defer logger.Sync()

	cold, err := storage.NewColdStore(cfg.Storage.ArtifactDir, &compression.Config{
		Algorithm: compression.Algorithm(cfg.Storage.Compression),
		Level:     compression.Best,
	})
	if err != nil {
		return err
	}

	tiered := storage.NewTieredStorage(storage.TieredOptions{
		Cache:          storage.NewHotCache(cfg.Storage.CacheBudgetBytes()),
		Cold:           cold,
		Analytic:       analyticBackend(cfg),
		QueueSize:      cfg.Storage.PersistQueueSize,
		PersistRetries: cfg.Storage.PersistRetries,
	})
	if err := tiered.RefreshColdStats(); err != nil {
		log.Warn("initial artifact scan failed", zap.Error(err))
	}

	provider, err := handle.FromConfig(cfg)
	if err != nil {
		return err
	}

	// The in-memory provider needs its expiry sweep running; the external
	// provider has no TTLs to enforce.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	if mp, ok := provider.(interface{ Manager() *handle.Manager }); ok {
		go mp.Manager().Run(sweepCtx)
	}

	srv := server.New(cfg.BindAddress, dispatch.New(provider, tiered))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info("quasar started",
		zap.String("version", version),
		zap.String("bind", cfg.BindAddress),
		zap.String("handle_store", string(cfg.Handles.Store)),
		zap.String("artifact_dir", cfg.Storage.ArtifactDir),
		zap.Int64("cache_budget_bytes", cfg.Storage.CacheBudgetBytes()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		stopSweep()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}

	stopSweep()
	tiered.Close()
	provider.Close()
	log.Info("shutdown complete")
	return nil
}

func runConfigDump(configFile, out string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if out != "" {
		return config.Save(out, cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func loadConfig(configFile string) (*config.ServerConfig, error) {
	if configFile == "" {
		return config.FromEnv()
	}
	cfg := config.Default()
	if err := config.Load(configFile, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func analyticBackend(cfg *config.ServerConfig) storage.AnalyticBackend {
	if cfg.Storage.AnalyticURL == "" {
		return storage.NewUnconfiguredAnalyticBackend()
	}
	return storage.NewHTTPAnalyticBackend(cfg.Storage.AnalyticURL)
}
