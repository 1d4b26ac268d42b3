package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/repository"
	"github.com/shaunnez/diamond-opus-sub002/internal/runs"
)

func main() {
	var (
		runID       string
		partitionID string
	)
	flag.StringVar(&runID, "run-id", "", "run the partition belongs to (required)")
	flag.StringVar(&partitionID, "partition-id", "", "partition to retry (required)")
	flag.Parse()

	if runID == "" || partitionID == "" {
		log.Fatal("-run-id and -partition-id are required")
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

	queue := bus.NewPGQueue(repo.Pool(), 10*time.Minute)

	item, err := runs.RetryPartition(context.Background(), repo, queue, runID, partitionID)
	if err != nil {
		log.Fatalf("retry failed: %v", err)
	}
	fmt.Printf("Re-enqueued partition '%s' of run '%s' at offset %d (price range [%.2f, %.2f)).\n",
		partitionID, runID, item.Offset, item.MinPrice, item.MaxPrice)
}
