// Parley service entry point.
//
// Usage:
//
//	parley serve                        # start the engine
//	parley serve --config config.yaml   # with a config file
//	parley health                       # probe a running instance
//	parley version                      # show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/parley/api"
	"github.com/BaSui01/parley/config"
	"github.com/BaSui01/parley/internal/metrics"
	"github.com/BaSui01/parley/internal/server"
	"github.com/BaSui01/parley/persistence"
	"github.com/BaSui01/parley/tools"
	"github.com/BaSui01/parley/transport"
)

// Injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting parley",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("parley", registry, logger)

	store, err := openStore(cfg.Persistence, logger)
	if err != nil {
		logger.Fatal("failed to open checkpoint store", zap.Error(err))
	}
	defer store.Close()

	var supervisor tools.Supervisor
	if len(cfg.ToolServers) > 0 {
		sub := tools.NewSubprocessSupervisor(cfg.ToolServers, logger)
		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := sub.Start(startCtx)
		cancel()
		if err != nil {
			logger.Fatal("failed to start tool servers", zap.Error(err))
		}
		defer sub.Stop()
		supervisor = sub
	}

	hub := transport.NewHub(logger)
	defer hub.Close()

	service := api.NewService(api.Options{
		Config:         cfg,
		Hub:            hub,
		Store:          store,
		Supervisor:     supervisor,
		Collector:      collector,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         logger,
	})

	manager := server.NewManager(service.Routes(), server.Config{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := manager.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	manager.WaitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	service.Shutdown(shutdownCtx)
	cancel()

	logger.Info("parley stopped")
}

// openStore builds the configured checkpoint store.
func openStore(cfg config.PersistenceConfig, logger *zap.Logger) (persistence.CheckpointStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return persistence.NewMemoryStore(), nil
	case "file":
		return persistence.NewFileStore(cfg.File.Dir)
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return persistence.NewRedisStore(ctx, persistence.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})
	case "sqlite":
		return persistence.NewSQLiteStore(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8000", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("Parley %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Parley - scripted multi-agent conversation engine

Usage:
  parley <command> [options]

Commands:
  serve     Start the engine and its HTTP control plane
  version   Show version information
  health    Check a running instance
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  parley serve
  parley serve --config /etc/parley/config.yaml
  parley health --addr http://localhost:8000
  parley version`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	var encoding string
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoding = "json"
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stdout"}
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
