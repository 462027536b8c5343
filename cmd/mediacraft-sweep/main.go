// mediacraft-sweep runs one maintenance sweep against the task database and
// exits. It reaps stuck processing tasks, enforces terminal-task retention,
// and removes stale scratch directories, for cron use alongside or instead
// of the server's built-in monitor.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/yinghuzhu/mediacraft-api/internal/config"
	"github.com/yinghuzhu/mediacraft-api/internal/monitor"
	"github.com/yinghuzhu/mediacraft-api/internal/store"
)

func main() {
	configFile := flag.String("config", "", "path to YAML config file (optional)")
	timeout := flag.Duration("timeout", time.Minute, "abort the sweep after this long")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.SlogLevel())

	db, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// Out of process there is no worker table and no engine handle: every
	// worker is unverifiable, so only processing tasks past their deadline
	// are reaped, exactly as the in-server monitor treats dead owners.
	mon := monitor.New(db, nil, nil, logger, monitor.Config{
		SweepInterval: cfg.HealthSweepInterval(),
		RetentionTTL:  cfg.TerminalRetentionTTL(),
		TmpDir:        cfg.TmpDir(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := mon.Sweep(ctx); err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
	logger.Info("sweep complete", "db", cfg.DBPath())
}
