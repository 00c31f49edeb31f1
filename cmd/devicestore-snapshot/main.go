// Package main implements devicestore-snapshot, which copies the tables of a
// device store to and from object storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go.uber.org/zap"

	"github.com/arkilian/devicestore/internal/app"
	"github.com/arkilian/devicestore/internal/config"
	"github.com/arkilian/devicestore/internal/logging"
	"github.com/arkilian/devicestore/internal/snapshot"
)

func main() {
	var (
		configFile  string
		dataDir     string
		concurrency int
		force       bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.IntVar(&concurrency, "concurrency", 4, "Parallel downloads during restore")
	flag.BoolVar(&force, "force", false, "Restore into a store that already holds data")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: devicestore-snapshot [options] <command> [snapshot-id]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  create          Write every table to object storage\n")
		fmt.Fprintf(os.Stderr, "  list            List snapshots, oldest first\n")
		fmt.Fprintf(os.Stderr, "  restore <id>    Import a snapshot (stop the daemon first)\n")
		fmt.Fprintf(os.Stderr, "  delete <id>     Remove a snapshot\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, "console", "devicestore-snapshot")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, args, concurrency, force); err != nil {
		logger.Error("snapshot command failed", zap.String("command", args[0]), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string, concurrency int, force bool) error {
	cmd := args[0]
	var id string
	switch cmd {
	case "create", "list":
	case "restore", "delete":
		if len(args) < 2 {
			return fmt.Errorf("%s needs a snapshot id", cmd)
		}
		id = args[1]
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	db, err := app.OpenWideStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	objects, err := app.OpenObjectStorage(ctx, cfg.Snapshot.Storage)
	if err != nil {
		return err
	}

	mgr := snapshot.NewManager(db, objects, snapshot.Options{
		Concurrency: concurrency,
		Logger:      logger,
	})

	switch cmd {
	case "create":
		info, err := mgr.Create(ctx)
		if err != nil {
			return err
		}
		printInfo(info)
	case "list":
		ids, err := mgr.List(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	case "restore":
		if !force {
			empty, err := snapshot.Empty(ctx, db)
			if err != nil {
				return err
			}
			if !empty {
				return fmt.Errorf("store at %s is not empty; pass --force to restore anyway", cfg.Store.Path)
			}
		}
		info, err := mgr.Restore(ctx, id)
		if err != nil {
			return err
		}
		printInfo(info)
	case "delete":
		if err := mgr.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", id)
	}
	return nil
}

func printInfo(info *snapshot.Info) {
	tables := make([]string, 0, len(info.Cells))
	for t := range info.Cells {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	fmt.Printf("snapshot %s\n", info.ID)
	for _, t := range tables {
		fmt.Printf("  %-16s %d cells\n", t, info.Cells[t])
	}
}

func loadConfig(configFile, dataDir string) (*config.Config, error) {
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
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return cfg, nil
}
