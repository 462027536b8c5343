package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/yinghuzhu/mediacraft-api/internal/api"
	"github.com/yinghuzhu/mediacraft-api/internal/config"
	"github.com/yinghuzhu/mediacraft-api/internal/engine"
	"github.com/yinghuzhu/mediacraft-api/internal/model"
	"github.com/yinghuzhu/mediacraft-api/internal/monitor"
	"github.com/yinghuzhu/mediacraft-api/internal/scheduler"
	"github.com/yinghuzhu/mediacraft-api/internal/store"
)

const stopTimeout = 30 * time.Second

func main() {
	configFile := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.SlogLevel())

	logger.Info("mediacraft: starting",
		"listen_addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"max_concurrent_tasks", cfg.MaxConcurrentTasks,
		"task_timeout", cfg.TaskTimeout().String(),
	)

	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("failed to prepare data dir: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ffmpeg := engine.NewFFmpeg(engine.Config{
		FFmpegBin:  cfg.FFmpegBin,
		FFprobeBin: cfg.FFprobeBin,
	}, logger)
	if err := ffmpeg.Verify(); err != nil {
		log.Fatalf("engine check failed: %v", err)
	}

	reg := engine.NewRegistry()
	reg.Register(model.TypeMerge, ffmpeg)
	reg.Register(model.TypeWatermarkRemoval, ffmpeg)

	sched := scheduler.New(db, reg, logger, scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrentTasks,
		TaskTimeout:   cfg.TaskTimeout(),
		ResultsDir:    cfg.ResultsDir(),
		TmpDir:        cfg.TmpDir(),
	})

	mon := monitor.New(db, reg, sched, logger, monitor.Config{
		SweepInterval: cfg.HealthSweepInterval(),
		RetentionTTL:  cfg.TerminalRetentionTTL(),
		TmpDir:        cfg.TmpDir(),
	})

	// Any task still marked processing belongs to a previous process and
	// must be reaped before dispatch starts, or stale rows would consume
	// slots forever.
	if err := mon.RecoverStartup(context.Background()); err != nil {
		log.Fatalf("startup recovery failed: %v", err)
	}

	sched.Start()
	mon.Start()

	srv := api.NewServer(cfg.ListenAddr, db, sched, logger, cfg.CORSOrigins)
	srvErr := srv.Run()

	// Stop reaping before draining workers so the monitor cannot orphan a
	// task that is finalizing normally during shutdown.
	mon.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Error("scheduler drain incomplete", "error", err)
	}
	ffmpeg.Shutdown()

	if srvErr != nil {
		log.Fatalf("server error: %v", srvErr)
	}
}
