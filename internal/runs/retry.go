package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// ErrPartitionNotFailed is returned when a retry is requested for a
// partition that is not in the failed state.
var ErrPartitionNotFailed = errors.New("partition is not failed")

// RetryStore is the repository slice partition retry needs.
type RetryStore interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	GetPartition(ctx context.Context, runID, partitionID string) (*models.PartitionProgress, error)
	GetWorkerRun(ctx context.Context, runID, partitionID string) (*models.WorkerRun, error)
	ResetPartitionForRetry(ctx context.Context, runID, partitionID string) (bool, error)
}

// RetryPartition clears a failed partition and re-enqueues its work item
// from the persisted payload, patched to resume at the committed offset.
// The reset happens before the send: if the send fails the partition is
// left clean but unscheduled, and the operation can simply be repeated.
func RetryPartition(ctx context.Context, store RetryStore, queue bus.Bus, runID, partitionID string) (*models.WorkItem, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if run.CompletedAt != nil || run.ConsolidationRequestedAt != nil {
		return nil, fmt.Errorf("run %s is closed", runID)
	}

	wr, err := store.GetWorkerRun(ctx, runID, partitionID)
	if err != nil {
		return nil, err
	}
	if wr == nil || len(wr.WorkItemPayload) == 0 {
		return nil, fmt.Errorf("no work item recorded for %s/%s", runID, partitionID)
	}
	var item models.WorkItem
	if err := json.Unmarshal(wr.WorkItemPayload, &item); err != nil {
		return nil, fmt.Errorf("decode work item for %s/%s: %w", runID, partitionID, err)
	}

	won, err := store.ResetPartitionForRetry(ctx, runID, partitionID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrPartitionNotFailed
	}

	p, err := store.GetPartition(ctx, runID, partitionID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		item.Offset = p.NextOffset
	}

	if err := queue.Send(ctx, bus.QueueWorkItems, item); err != nil {
		return nil, fmt.Errorf("re-enqueue %s/%s: %w", runID, partitionID, err)
	}
	rl := logging.WithRun(logging.Component("retry"), item.Feed, runID, item.TraceID)
	rl.Info().
		Str("partition_id", partitionID).
		Int64("offset", item.Offset).
		Msg("partition re-enqueued after retry reset")
	return &item, nil
}
