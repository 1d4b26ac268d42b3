package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shaunnez/diamond-opus-sub002/internal/repository"
)

func main() {
	var (
		runID  string
		reason string
	)
	flag.StringVar(&runID, "run-id", "", "run to cancel (required)")
	flag.StringVar(&reason, "reason", "cancelled by operator", "reason recorded on the run")
	flag.Parse()

	if runID == "" {
		log.Fatal("-run-id is required")
	}

	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		log.Fatal("DB_URL is required")
	}

	repo, err := repository.NewRepository(dbURL)
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	run, err := repo.GetRun(ctx, runID)
	if err != nil {
		log.Fatalf("failed to look up run: %v", err)
	}
	if run == nil {
		log.Fatalf("run '%s' not found", runID)
	}

	won, err := repo.CancelRun(ctx, runID, reason)
	if err != nil {
		log.Fatalf("failed to cancel run: %v", err)
	}
	if !won {
		fmt.Printf("Run '%s' is already terminal; nothing to cancel.\n", runID)
		return
	}
	fmt.Printf("Cancelled run '%s' (feed=%s). Open partitions were marked failed; in-flight workers will drop their messages on the next page.\n", runID, run.Feed)
}
