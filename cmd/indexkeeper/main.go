// Package main implements the indexkeeper service binary. It keeps the
// declared indices configured, runs partition maintenance and executes
// reindex migrations in the background.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/arkilian/indexkeeper/internal/app"
	"github.com/arkilian/indexkeeper/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile    string
		dataDir       string
		httpAddr      string
		grpcAddr      string
		storeType     string
		noMaintenance bool
		showVersion   bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the SQLite store and state")
	flag.StringVar(&httpAddr, "http-addr", "", "Admin HTTP address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC health address")
	flag.StringVar(&storeType, "store", "", "Document store: sqlite, elasticsearch")
	flag.BoolVar(&noMaintenance, "no-maintenance", false, "Serve the admin API without running maintenance")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "indexkeeper - versioned and time-partitioned index lifecycle manager\n\n")
		fmt.Fprintf(os.Stderr, "Usage: indexkeeper [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  indexkeeper --config /etc/indexkeeper/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  indexkeeper --config config.yaml --store elasticsearch\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  INDEXKEEPER_DATA_DIR      Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  INDEXKEEPER_STORE_TYPE    Document store (sqlite, elasticsearch)\n")
		fmt.Fprintf(os.Stderr, "  INDEXKEEPER_ES_ADDRESSES  Comma-separated Elasticsearch addresses\n")
		fmt.Fprintf(os.Stderr, "  INDEXKEEPER_CACHE_TYPE    Cache (memory, redis, object)\n")
		fmt.Fprintf(os.Stderr, "  INDEXKEEPER_REDIS_ADDR    Redis address for cache and lock\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("indexkeeper version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// Flags take precedence over file and environment.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if storeType != "" {
		cfg.Store.Type = storeType
	}
	if noMaintenance {
		cfg.Maintenance.Enabled = false
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
	if err := application.ListenForSignals(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

func loadConfig(configFile string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("indexkeeper %s (%s)", version, commit)
	log.Printf("Configuration:")
	log.Printf("  Data Dir:    %s", cfg.DataDir)
	log.Printf("  Store:       %s", cfg.Store.Type)
	log.Printf("  Cache:       %s", cfg.Cache.Type)
	log.Printf("  Lock/Queue:  %s/%s", cfg.Lock.Type, cfg.Queue.Type)
	log.Printf("  Admin HTTP:  %s", cfg.HTTP.Addr)
	if cfg.GRPC.Enabled {
		log.Printf("  gRPC health: %s", cfg.GRPC.Addr)
	}
	if cfg.Maintenance.Enabled {
		log.Printf("  Maintenance: every %v, %d workers", cfg.Maintenance.CheckInterval, cfg.Maintenance.Workers)
	}
	for _, ix := range cfg.Indices {
		if ix.Period != "" {
			log.Printf("  Index %s v%d (%s, max age %v, %d tiers)", ix.Name, ix.Version, ix.Period, ix.MaxIndexAge, len(ix.Tiers))
		} else {
			log.Printf("  Index %s v%d", ix.Name, ix.Version)
		}
	}
}
