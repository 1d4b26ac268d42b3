package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/watermark"
)

func main() {
	var (
		feedID string
		blob   string
		to     string
	)
	flag.StringVar(&feedID, "feed", "", "feed whose watermark to reset (blob defaults to <feed>-watermark.json)")
	flag.StringVar(&blob, "blob", "", "explicit blob name, overrides -feed")
	flag.StringVar(&to, "to", "", "rewind to this instant (RFC3339 or YYYY-MM-DD); empty deletes the blob")
	flag.Parse()

	if blob == "" {
		if feedID == "" {
			log.Fatal("-feed or -blob is required")
		}
		blob = feedID + "-watermark.json"
	}

	cfg := config.FromEnv()
	var (
		store watermark.Store
		err   error
	)
	switch cfg.WatermarkBackend {
	case "s3":
		store, err = watermark.NewS3Store(cfg.WatermarkS3)
	default:
		store, err = watermark.NewFSStore(cfg.WatermarkDir)
	}
	if err != nil {
		log.Fatalf("failed to open watermark store (%s): %v", cfg.WatermarkBackend, err)
	}

	ctx := context.Background()

	if to == "" {
		if err := store.Delete(ctx, blob); err != nil {
			log.Fatalf("failed to delete watermark: %v", err)
		}
		fmt.Printf("Deleted watermark '%s'. The next incremental run will cover the full window from %s.\n",
			blob, cfg.FullRunStartDate.Format("2006-01-02"))
		return
	}

	t, err := time.Parse(time.RFC3339, to)
	if err != nil {
		t, err = time.Parse("2006-01-02", to)
	}
	if err != nil {
		log.Fatalf("invalid -to value %q: want RFC3339 or YYYY-MM-DD", to)
	}

	wm := models.Watermark{LastUpdatedAt: t.UTC(), LastRunID: "manual-reset"}
	if err := store.Save(ctx, blob, wm); err != nil {
		log.Fatalf("failed to save watermark: %v", err)
	}
	fmt.Printf("Rewound watermark '%s' to %s. The next incremental run resumes from there minus the safety buffer.\n",
		blob, wm.LastUpdatedAt.Format(time.RFC3339))
}
