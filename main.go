package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/api"
	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/consolidate"
	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	_ "github.com/shaunnez/diamond-opus-sub002/internal/feed/nivoda"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/notify"
	"github.com/shaunnez/diamond-opus-sub002/internal/repository"
	"github.com/shaunnez/diamond-opus-sub002/internal/runs"
	"github.com/shaunnez/diamond-opus-sub002/internal/scheduler"
	"github.com/shaunnez/diamond-opus-sub002/internal/watermark"
	"github.com/shaunnez/diamond-opus-sub002/internal/worker"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg := config.FromEnv()
	logging.Init(cfg.LogLevel, cfg.LogJSON, os.Stderr)
	log := logging.Component("main")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().
		Str("commit", BuildCommit).
		Int("port", cfg.Port).
		Int("workers", cfg.WorkerConcurrency).
		Bool("scheduler", cfg.SchedulerEnabled).
		Str("watermarks", cfg.WatermarkBackend).
		Msg("starting diamond ingestion daemon")

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for extra replicas)
	if cfg.SkipMigration {
		log.Info().Msg("database migration skipped (SKIP_MIGRATION=true)")
	} else {
		log.Info().Str("schema", cfg.SchemaPath).Msg("running database migration")
		if err := repo.Migrate(cfg.SchemaPath); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
	}

	feedCfgs, err := config.LoadFeeds(cfg.FeedsPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.FeedsPath).Msg("failed to load feeds config")
	}
	registry, err := feed.NewRegistry(feedCfgs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build feed registry")
	}
	defer registry.Close()
	if len(registry.IDs()) == 0 {
		log.Warn().Msg("no feeds enabled; daemon will idle")
	}

	var marks watermark.Store
	switch cfg.WatermarkBackend {
	case "s3":
		marks, err = watermark.NewS3Store(cfg.WatermarkS3)
	default:
		marks, err = watermark.NewFSStore(cfg.WatermarkDir)
	}
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.WatermarkBackend).Msg("failed to open watermark store")
	}

	var senders []notify.Sender
	if cfg.NotifyWebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.NotifyWebhookURL))
	}
	if cfg.SvixAuthToken != "" {
		svix, err := notify.NewSvixSender(cfg.SvixAuthToken, "", cfg.SvixAppID)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build svix sender")
		}
		senders = append(senders, svix)
	}
	notifier := notify.New(senders...)

	events := eventbus.New()
	queue := bus.NewPGQueue(repo.Pool(), cfg.QueueLockTTL)

	// 3. Services
	coord := runs.New(repo, queue, notifier, events, cfg)
	doneConsumer := runs.NewWorkDoneConsumer(coord, queue, cfg.WorkerPollInterval)
	sweeper := runs.NewSweeper(coord, repo)
	consolidator := consolidate.New(repo, registry, queue, marks, notifier, events, cfg)
	sched := scheduler.New(registry, repo, queue, marks, notifier, events, cfg)

	workers := make([]*worker.Worker, 0, cfg.WorkerConcurrency)
	for n := 0; n < cfg.WorkerConcurrency; n++ {
		workers = append(workers, worker.New(n, registry, repo, queue, events, cfg))
	}

	api.BuildCommit = BuildCommit
	apiServer := api.NewServer(cfg, repo, queue, registry, marks, coord, sched, events)

	// 4. Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Adapters authenticate up front so a bad credential fails the deploy
	// instead of every partition of the first run.
	for _, id := range registry.IDs() {
		adapter, _ := registry.Get(id)
		initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
		err := adapter.Init(initCtx)
		initCancel()
		if err != nil {
			log.Fatal().Err(err).Str("feed", id).Msg("feed adapter init failed")
		}
		log.Info().Str("feed", id).Msg("feed adapter ready")
	}

	// Handle SIGINT/SIGTERM — will block on sigChan at end of main()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start API in background
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("ops api failed")
		}
	}()

	var wg sync.WaitGroup

	// Page workers
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Start(ctx)
		}(w)
	}

	// Run coordination: the work_done consumer plus the sweeper that
	// re-checks active runs for missed reports and stalls.
	wg.Add(1)
	go func() {
		defer wg.Done()
		doneConsumer.Start(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Start(ctx, cfg.SweepInterval)
	}()

	// Consolidator
	wg.Add(1)
	go func() {
		defer wg.Done()
		consolidator.Start(ctx)
	}()

	// Scheduler ticker (optional; most deployments trigger runs from cron
	// or the admin API instead)
	if cfg.SchedulerEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Loop(ctx, cfg.SchedulerInterval)
		}()
	} else {
		log.Info().Msg("scheduler loop is disabled (SCHEDULER_ENABLED=false)")
	}

	// Block until shutdown signal. Queue leases expire on their own, so a
	// hard kill is safe too; this path just drains faster.
	<-sigChan
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops api shutdown")
	}
	cancel()
	wg.Wait()
	log.Info().Msg("all services stopped")
}
