// Package main implements indexkeeper-reindex, which configures one declared
// index and runs its pending migrations in the foreground.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/arkilian/indexkeeper/internal/app"
	"github.com/arkilian/indexkeeper/internal/config"
)

func main() {
	var (
		configFile string
		index      string
		maintain   bool
		expire     bool
		dryRun     bool
	)
	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&index, "index", "", "Logical index to reindex (required)")
	flag.BoolVar(&maintain, "maintain", true, "Run maintenance before reindexing")
	flag.BoolVar(&expire, "expire", false, "Also delete expired partitions during maintenance")
	flag.BoolVar(&dryRun, "dry-run", false, "Print pending tasks without running them")
	flag.Parse()

	if index == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	config.LoadFromEnv(cfg)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	// Cancellation leaves a checkpoint; the next run resumes from it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Open(ctx); err != nil {
		log.Fatalf("Failed to open resources: %v", err)
	}
	defer a.Close()

	ix, ok := a.Registry().Get(index)
	if !ok {
		log.Fatalf("Index %q is not declared in the configuration", index)
	}
	if err := ix.Configure(ctx); err != nil {
		log.Fatalf("Failed to configure %s: %v", index, err)
	}
	if maintain {
		if err := ix.Maintain(ctx, expire); err != nil {
			log.Fatalf("Maintenance of %s failed: %v", index, err)
		}
	}

	tasks, err := ix.PendingTasks(ctx)
	if err != nil {
		log.Fatalf("Failed to plan migrations: %v", err)
	}
	if len(tasks) == 0 {
		log.Printf("%s is up to date", index)
		return
	}
	for _, t := range tasks {
		log.Printf("pending: %s", t)
		if dryRun {
			if src := t.Script.Source(); src != "" {
				fmt.Printf("--- script for %s\n%s\n", t.DestIndex, src)
			}
		}
	}
	if dryRun {
		return
	}

	err = ix.Reindex(ctx, func(percent int, message *string) {
		if message != nil {
			fmt.Printf("\r%3d%% %s\n", percent, *message)
			return
		}
		fmt.Printf("\r%3d%%", percent)
	})
	fmt.Println()
	if err != nil {
		log.Fatalf("Reindex of %s failed: %v", index, err)
	}
	log.Printf("%s migrated to v%d", index, ix.Config().Version)
}
