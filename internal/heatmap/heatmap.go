// Package heatmap builds the price density map that drives partitioning:
// a scan of half-open [min, max) price chunks with adaptive step sizing,
// and the greedy partitioner that folds chunks into worker ranges.
package heatmap

import (
	"errors"
	"time"
)

// ErrScanAborted wraps the cause when a density scan cannot complete.
var ErrScanAborted = errors.New("heatmap scan aborted")

// Config controls one scan. Zero values are filled by withDefaults, so a
// partially populated config (global defaults + per-feed overrides) is fine.
type Config struct {
	MinPrice            float64
	MaxPrice            float64
	DenseZoneThreshold  float64
	DenseZoneStep       float64
	InitialStep         float64
	TargetPerChunk      int64
	Concurrency         int
	UseTwoPass          bool
	CoarseStep          float64
	MaxWorkers          int
	MinRecordsPerWorker int64
	PriceGranularity    float64
	RetryAttempts       int
	RetryBase           time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPrice <= c.MinPrice {
		c.MaxPrice = c.MinPrice + 1_000_000
	}
	if c.DenseZoneStep <= 0 {
		c.DenseZoneStep = 25
	}
	if c.DenseZoneThreshold < c.MinPrice {
		c.DenseZoneThreshold = c.MinPrice
	}
	if c.InitialStep <= 0 {
		c.InitialStep = 100
	}
	if c.TargetPerChunk <= 0 {
		c.TargetPerChunk = 1000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.CoarseStep <= 0 {
		c.CoarseStep = 10_000
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 100
	}
	if c.MinRecordsPerWorker <= 0 {
		c.MinRecordsPerWorker = 500
	}
	if c.PriceGranularity <= 0 {
		c.PriceGranularity = 0.01
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 4
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	return c
}

// Chunk is one half-open [Min, Max) price range and its record count.
// Density maps contain only non-empty chunks.
type Chunk struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
}

// Partition is a contiguous price range assigned to one worker.
type Partition struct {
	ID           string  `json:"id"`
	MinPrice     float64 `json:"min_price"`
	MaxPrice     float64 `json:"max_price"`
	TotalRecords int64   `json:"total_records"`
}

// Stats describes how a scan went.
type Stats struct {
	APICalls       int64 `json:"api_calls"`
	ScanDurationMS int64 `json:"scan_duration_ms"`
	RangesScanned  int   `json:"ranges_scanned"`
	NonEmptyRanges int   `json:"non_empty_ranges"`
	UsedTwoPass    bool  `json:"used_two_pass"`
}

// Result is the scan outcome. WorkerCount always equals len(Partitions);
// consumers must never fall back to the desired worker count.
type Result struct {
	DensityMap   []Chunk     `json:"density_map"`
	Partitions   []Partition `json:"partitions"`
	TotalRecords int64       `json:"total_records"`
	WorkerCount  int         `json:"worker_count"`
	Stats        Stats       `json:"stats"`
}
