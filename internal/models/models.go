package models

import (
	"encoding/json"
	"time"
)

// Run types.
const (
	RunTypeFull        = "full"
	RunTypeIncremental = "incremental"
)

// Derived run states. Nothing persists these; they are computed at read time
// from the run row, the partition tallies, and the stall clock.
const (
	RunStateRunning       = "running"
	RunStateStalled       = "stalled"
	RunStateConsolidating = "consolidating"
	RunStateCompleted     = "completed"
	RunStateFailed        = "failed"
	RunStateCancelled     = "cancelled"
)

// Worker run statuses.
const (
	WorkerRunRunning   = "running"
	WorkerRunCompleted = "completed"
	WorkerRunFailed    = "failed"
)

// Work done outcomes.
const (
	WorkDoneSuccess = "success"
	WorkDoneFailed  = "failed"
)

// Run represents the 'ingest.run_metadata' table
type Run struct {
	RunID           string     `json:"run_id"`
	Feed            string     `json:"feed"`
	RunType         string     `json:"run_type"`
	TraceID         string     `json:"trace_id"`
	ExpectedWorkers int        `json:"expected_workers"`
	WatermarkBefore *time.Time `json:"watermark_before,omitempty"`
	WatermarkAfter  time.Time  `json:"watermark_after"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`

	ConsolidationRequestedAt *time.Time `json:"consolidation_requested_at,omitempty"`
	ConsolidationStartedAt   *time.Time `json:"consolidation_started_at,omitempty"`
	ConsolidationCompletedAt *time.Time `json:"consolidation_completed_at,omitempty"`
	ConsolidationProcessed   int64      `json:"consolidation_processed"`
	ConsolidationErrors      int64      `json:"consolidation_errors"`
	ConsolidationTotal       int64      `json:"consolidation_total"`
}

// PartitionProgress represents the 'ingest.partition_progress' table
type PartitionProgress struct {
	RunID       string    `json:"run_id"`
	PartitionID string    `json:"partition_id"`
	NextOffset  int64     `json:"next_offset"`
	Completed   bool      `json:"completed"`
	Failed      bool      `json:"failed"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkerRun represents the 'ingest.worker_runs' table. One row per
// (run, partition); retries overwrite it with the latest attempt.
type WorkerRun struct {
	ID               int64           `json:"id"`
	RunID            string          `json:"run_id"`
	PartitionID      string          `json:"partition_id"`
	WorkerID         string          `json:"worker_id"`
	Status           string          `json:"status"`
	RecordsProcessed int64           `json:"records_processed"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	WorkItemPayload  json.RawMessage `json:"work_item_payload,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// RunTallies are the derived partition counts for a run.
type RunTallies struct {
	Expected  int `json:"expected"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Finished reports whether every expected partition reached a terminal state.
func (t RunTallies) Finished() bool {
	return t.Expected > 0 && t.Completed+t.Failed >= t.Expected
}

// SuccessRate is completed/expected, 0 when nothing was expected.
func (t RunTallies) SuccessRate() float64 {
	if t.Expected == 0 {
		return 0
	}
	return float64(t.Completed) / float64(t.Expected)
}

// Watermark is the per-feed blob recording how far ingestion has proven
// coverage. A missing blob means no prior run.
type Watermark struct {
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	LastRunID     string    `json:"lastRunId"`
}

// RawStone represents a row in a per-feed raw table (raw.<feed>_stones).
// Payload is the supplier item verbatim; only feed adapters interpret it.
type RawStone struct {
	Feed                string          `json:"feed"`
	SupplierStoneID     string          `json:"supplier_stone_id"`
	OfferID             string          `json:"offer_id,omitempty"`
	Payload             json.RawMessage `json:"payload"`
	SourceUpdatedAt     *time.Time      `json:"source_updated_at,omitempty"`
	RunID               string          `json:"run_id"`
	Consolidated        bool            `json:"consolidated"`
	ConsolidationStatus string          `json:"consolidation_status,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Diamond represents the 'app.diamonds' table
type Diamond struct {
	Feed              string     `json:"feed"`
	SupplierStoneID   string     `json:"supplier_stone_id"`
	OfferID           string     `json:"offer_id,omitempty"`
	Shape             string     `json:"shape,omitempty"`
	Carats            float64    `json:"carats,omitempty"`
	Color             string     `json:"color,omitempty"`
	Clarity           string     `json:"clarity,omitempty"`
	Cut               string     `json:"cut,omitempty"`
	Lab               string     `json:"lab,omitempty"`
	CertificateNumber string     `json:"certificate_number,omitempty"`
	Status            string     `json:"status"`
	FeedPrice         float64    `json:"feed_price"`
	PriceAmount       float64    `json:"price_amount"`
	Rating            float64    `json:"rating,omitempty"`
	SourceUpdatedAt   *time.Time `json:"source_updated_at,omitempty"`
	RunID             string     `json:"run_id"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// WorkItem is the work_items queue payload: one page of one price partition.
// Bounds are half-open [MinPrice, MaxPrice).
type WorkItem struct {
	Feed             string    `json:"feed"`
	RunID            string    `json:"run_id"`
	TraceID          string    `json:"trace_id"`
	PartitionID      string    `json:"partition_id"`
	MinPrice         float64   `json:"min_price"`
	MaxPrice         float64   `json:"max_price"`
	EstimatedRecords int64     `json:"estimated_records"`
	Offset           int64     `json:"offset"`
	Limit            int       `json:"limit"`
	OffsetEnd        *int64    `json:"offset_end,omitempty"`
	UpdatedFrom      time.Time `json:"updated_from"`
	UpdatedTo        time.Time `json:"updated_to"`
}

// WorkDone is the work_done queue payload: terminal report for one partition.
type WorkDone struct {
	Feed             string `json:"feed"`
	RunID            string `json:"run_id"`
	TraceID          string `json:"trace_id"`
	PartitionID      string `json:"partition_id"`
	WorkerID         string `json:"worker_id"`
	Status           string `json:"status"`
	RecordsProcessed int64  `json:"records_processed"`
	Error            string `json:"error,omitempty"`
}

// ConsolidateRequest is the consolidate queue payload. Force permits
// consolidation of a partially successful run.
type ConsolidateRequest struct {
	Feed    string `json:"feed"`
	RunID   string `json:"run_id"`
	TraceID string `json:"trace_id"`
	Force   bool   `json:"force"`
}

// RunStatus is the API read model for a run: the row plus everything derived.
type RunStatus struct {
	Run        Run                 `json:"run"`
	State      string              `json:"state"`
	Tallies    RunTallies          `json:"tallies"`
	LastUpdate time.Time           `json:"last_update"`
	Partitions []PartitionProgress `json:"partitions,omitempty"`
}
