// Package main implements the devicestore daemon. It opens the device store,
// starts the write buffer and optional command delivery, and serves gRPC
// health until SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/arkilian/devicestore/internal/app"
	"github.com/arkilian/devicestore/internal/config"
	"github.com/arkilian/devicestore/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		storeType   string
		grpcAddr    string
		logLevel    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&storeType, "store", "", "Wide-column backend: memory, sqlite")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC server address")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "devicestore - device management store\n\n")
		fmt.Fprintf(os.Stderr, "Usage: devicestore [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  devicestore --data-dir /var/lib/devicestore\n")
		fmt.Fprintf(os.Stderr, "  devicestore --config /etc/devicestore/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  DEVICESTORE_DATA_DIR     Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  DEVICESTORE_STORE_TYPE   Wide-column backend (memory, sqlite)\n")
		fmt.Fprintf(os.Stderr, "  DEVICESTORE_CACHE_TYPE   Token cache (none, memory, redis)\n")
		fmt.Fprintf(os.Stderr, "  DEVICESTORE_GRPC_ADDR    gRPC server address\n")
		fmt.Fprintf(os.Stderr, "  DEVICESTORE_MQTT_BROKER  Command delivery broker\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("devicestore version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, storeType, grpcAddr, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "devicestore")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting devicestore",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("data_dir", cfg.DataDir),
		zap.String("store", cfg.Store.Type),
		zap.String("codec", cfg.Codec.WriteEncoding))

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		logger.Fatal("failed to start application", zap.Error(err))
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, storeType, grpcAddr, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Flags win over file and environment.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if storeType != "" {
		cfg.Store.Type = storeType
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	return cfg, nil
}
