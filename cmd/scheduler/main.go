// Command scheduler plans and launches one ingestion run per feed, then
// exits. Deployments that prefer cron over the in-daemon ticker run this
// binary on their own cadence; the daemon's workers pick the work up.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	_ "github.com/shaunnez/diamond-opus-sub002/internal/feed/nivoda"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/notify"
	"github.com/shaunnez/diamond-opus-sub002/internal/repository"
	"github.com/shaunnez/diamond-opus-sub002/internal/scheduler"
	"github.com/shaunnez/diamond-opus-sub002/internal/watermark"
)

func main() {
	var (
		feedID  string
		runType string
	)
	flag.StringVar(&feedID, "feed", "", "feed id to schedule (default: every registered feed)")
	flag.StringVar(&runType, "run-type", models.RunTypeIncremental, "run type: full or incremental")
	flag.Parse()

	cfg := config.FromEnv()
	logging.Init(cfg.LogLevel, cfg.LogJSON, os.Stderr)
	log := logging.Component("scheduler-cli")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if runType != models.RunTypeFull && runType != models.RunTypeIncremental {
		log.Fatal().Str("run_type", runType).Msg("run-type must be full or incremental")
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	feedCfgs, err := config.LoadFeeds(cfg.FeedsPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.FeedsPath).Msg("failed to load feeds config")
	}
	registry, err := feed.NewRegistry(feedCfgs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build feed registry")
	}
	defer registry.Close()

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
	notifier := notify.New(senders...)

	queue := bus.NewPGQueue(repo.Pool(), cfg.QueueLockTTL)
	sched := scheduler.New(registry, repo, queue, marks, notifier, eventbus.New(), cfg)

	targets := registry.IDs()
	if feedID != "" {
		if _, err := registry.Get(feedID); err != nil {
			log.Fatal().Err(err).Msg("unknown feed")
		}
		targets = []string{feedID}
	}

	ctx := context.Background()
	failed := false
	for _, id := range targets {
		adapter, _ := registry.Get(id)
		initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
		err := adapter.Init(initCtx)
		initCancel()
		if err != nil {
			log.Error().Err(err).Str("feed", id).Msg("feed adapter init failed")
			failed = true
			continue
		}

		active, err := repo.HasActiveRun(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("feed", id).Msg("failed to check active runs")
			failed = true
			continue
		}
		if active {
			log.Info().Str("feed", id).Msg("run already in flight, skipping")
			continue
		}

		run, err := sched.ScheduleRun(ctx, id, runType)
		if err != nil {
			log.Error().Err(err).Str("feed", id).Msg("failed to schedule run")
			failed = true
			continue
		}
		if run == nil {
			log.Info().Str("feed", id).Msg("window holds no records, nothing scheduled")
			continue
		}
		log.Info().Str("feed", id).Str("run_id", run.RunID).Int("partitions", run.ExpectedWorkers).Msg("run scheduled")
	}

	if failed {
		os.Exit(1)
	}
}
