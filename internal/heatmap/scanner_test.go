package heatmap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed/feedtest"
)

func testConfig() Config {
	return Config{
		MinPrice:            0,
		MaxPrice:            100_000,
		DenseZoneThreshold:  0,
		DenseZoneStep:       25,
		InitialStep:         100,
		TargetPerChunk:      1000,
		Concurrency:         4,
		MaxWorkers:          100,
		MinRecordsPerWorker: 500,
		RetryAttempts:       3,
		RetryBase:           time.Millisecond,
	}
}

func TestScanUniformDistribution(t *testing.T) {
	t.Parallel()
	adapter := feedtest.New("uniform", feedtest.Gen(5000, func(i int) float64 {
		return float64(i) * 20 // spread over [0, 100000)
	}))

	res, err := Scan(context.Background(), adapter, feed.Query{}, testConfig())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if res.TotalRecords != 5000 {
		t.Fatalf("total = %d, want 5000", res.TotalRecords)
	}
	if got := chunkSum(res.DensityMap); got != 5000 {
		t.Fatalf("density map total = %d, want 5000", got)
	}
	if got := partitionSum(res.Partitions); got != 5000 {
		t.Fatalf("partition total = %d, want 5000", got)
	}
	if res.WorkerCount != len(res.Partitions) {
		t.Fatalf("worker count %d != partitions %d", res.WorkerCount, len(res.Partitions))
	}
	for _, p := range res.Partitions {
		if p.TotalRecords == 0 {
			t.Fatalf("partition %s is empty", p.ID)
		}
	}
	if res.Stats.APICalls == 0 || res.Stats.RangesScanned == 0 {
		t.Fatalf("stats not populated: %+v", res.Stats)
	}
	if res.Stats.NonEmptyRanges != len(res.DensityMap) {
		t.Fatalf("non-empty ranges %d != density map %d", res.Stats.NonEmptyRanges, len(res.DensityMap))
	}
}

func TestScanHalfOpenBoundaries(t *testing.T) {
	t.Parallel()
	prices := []float64{99.99, 100.00, 100.01, 199.99, 200.00, 200.01, 499.99, 500.00}
	adapter := feedtest.New("boundary", feedtest.Gen(len(prices), func(i int) float64 {
		return prices[i]
	}))

	cfg := testConfig()
	cfg.MaxPrice = 600
	// Fixed 100-wide chunks across the whole range.
	cfg.DenseZoneThreshold = 600
	cfg.DenseZoneStep = 100
	cfg.PriceGranularity = 0.01

	res, err := Scan(context.Background(), adapter, feed.Query{}, cfg)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	want := map[float64]int64{0: 1, 100: 3, 200: 2, 400: 1, 500: 1}
	if len(res.DensityMap) != len(want) {
		t.Fatalf("got %d chunks %+v, want %d", len(res.DensityMap), res.DensityMap, len(want))
	}
	for _, c := range res.DensityMap {
		if want[c.Min] != c.Count {
			t.Fatalf("chunk [%v, %v) count = %d, want %d", c.Min, c.Max, c.Count, want[c.Min])
		}
	}
	if res.TotalRecords != int64(len(prices)) {
		t.Fatalf("total = %d, want %d (each price in exactly one chunk)", res.TotalRecords, len(prices))
	}
}

func TestScanSingleItem(t *testing.T) {
	t.Parallel()
	adapter := feedtest.New("single", feedtest.Gen(1, func(int) float64 { return 1500.50 }))

	cfg := testConfig()
	cfg.MaxPrice = 10_000
	res, err := Scan(context.Background(), adapter, feed.Query{}, cfg)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.TotalRecords != 1 {
		t.Fatalf("total = %d, want 1", res.TotalRecords)
	}
	if len(res.Partitions) != 1 || res.WorkerCount != 1 {
		t.Fatalf("partitions = %d, worker count = %d, want 1/1", len(res.Partitions), res.WorkerCount)
	}
	p := res.Partitions[0]
	if p.MinPrice > 1500.50 || p.MaxPrice <= 1500.50 {
		t.Fatalf("partition [%v, %v) does not contain 1500.50", p.MinPrice, p.MaxPrice)
	}
}

func TestScanUniformPricePoint(t *testing.T) {
	t.Parallel()
	adapter := feedtest.New("sameprice", feedtest.Gen(100, func(int) float64 { return 1000 }))

	cfg := testConfig()
	cfg.MaxPrice = 10_000
	res, err := Scan(context.Background(), adapter, feed.Query{}, cfg)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.TotalRecords != 100 {
		t.Fatalf("total = %d, want 100", res.TotalRecords)
	}
	if len(res.DensityMap) != 1 {
		t.Fatalf("got %d chunks, want 1 (all records share a price)", len(res.DensityMap))
	}
	if got := partitionSum(res.Partitions); got != 100 {
		t.Fatalf("partition total = %d, want 100", got)
	}
}

func TestScanRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	adapter := feedtest.New("flaky", feedtest.Gen(50, func(i int) float64 {
		return float64(i) * 10
	}))
	failures := 2
	adapter.CountHook = func(feed.Query) error {
		if failures > 0 {
			failures--
			return feed.Transientf("upstream 503")
		}
		return nil
	}

	cfg := testConfig()
	cfg.MaxPrice = 1000
	res, err := Scan(context.Background(), adapter, feed.Query{}, cfg)
	if err != nil {
		t.Fatalf("Scan should survive transient failures: %v", err)
	}
	if res.TotalRecords != 50 {
		t.Fatalf("total = %d, want 50", res.TotalRecords)
	}
	if res.Stats.APICalls <= int64(res.Stats.RangesScanned) {
		t.Fatalf("api calls %d should exceed ranges %d when retries happened",
			res.Stats.APICalls, res.Stats.RangesScanned)
	}
}

func TestScanAbortsAfterRetryBudget(t *testing.T) {
	t.Parallel()
	adapter := feedtest.New("down", feedtest.Gen(10, func(i int) float64 { return float64(i) }))
	adapter.CountHook = func(feed.Query) error {
		return feed.Transientf("upstream down")
	}

	cfg := testConfig()
	cfg.MaxPrice = 100
	_, err := Scan(context.Background(), adapter, feed.Query{}, cfg)
	if !errors.Is(err, ErrScanAborted) {
		t.Fatalf("want ErrScanAborted, got %v", err)
	}
}

func TestScanTwoPass(t *testing.T) {
	t.Parallel()
	// Two clusters far apart in a wide, mostly empty space.
	stones := feedtest.Gen(150, func(i int) float64 {
		if i < 100 {
			return 50_000 + float64(i)*20
		}
		return 200_000 + float64(i-100)*20
	})
	adapter := feedtest.New("clustered", stones)

	cfg := testConfig()
	cfg.MaxPrice = 1_000_000
	cfg.UseTwoPass = true
	cfg.CoarseStep = 10_000
	cfg.DenseZoneStep = 50
	cfg.InitialStep = 500
	cfg.MinRecordsPerWorker = 50

	res, err := Scan(context.Background(), adapter, feed.Query{}, cfg)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !res.Stats.UsedTwoPass {
		t.Fatal("stats should record the two-pass variant")
	}
	if res.TotalRecords != 150 {
		t.Fatalf("total = %d, want 150", res.TotalRecords)
	}
	if got := partitionSum(res.Partitions); got != 150 {
		t.Fatalf("partition total = %d, want 150", got)
	}
	for _, c := range res.DensityMap {
		if c.Max <= 50_000 || (c.Min >= 52_500 && c.Max <= 200_000) || c.Min >= 202_500 {
			t.Fatalf("chunk [%v, %v) lies outside both clusters", c.Min, c.Max)
		}
	}
}

func TestScanStatsCountCalls(t *testing.T) {
	t.Parallel()
	adapter := feedtest.New("stats", feedtest.Gen(200, func(i int) float64 {
		return float64(i) * 50
	}))

	cfg := testConfig()
	cfg.MaxPrice = 10_000
	res, err := Scan(context.Background(), adapter, feed.Query{}, cfg)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got := int64(adapter.CountCalls()); got != res.Stats.APICalls {
		t.Fatalf("adapter saw %d count calls, stats say %d", got, res.Stats.APICalls)
	}
}
