package heatmap

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/retry"
)

// Scan walks [cfg.MinPrice, cfg.MaxPrice) against the adapter and returns
// the density map, partitions, and scan stats. Count calls go out in
// batches of cfg.Concurrency, each wrapped in bounded retry; a call that
// exhausts its budget aborts the whole scan with ErrScanAborted.
func Scan(ctx context.Context, adapter feed.Adapter, base feed.Query, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	s := &scanner{
		adapter: adapter,
		base:    base,
		cfg:     cfg,
		log:     logging.Component("heatmap").With().Str("feed", adapter.Profile().FeedID).Logger(),
	}

	start := time.Now()
	var (
		chunks []Chunk
		err    error
	)
	if cfg.UseTwoPass {
		chunks, err = s.scanTwoPass(ctx)
	} else {
		chunks, err = s.scanRange(ctx, cfg.MinPrice, cfg.MaxPrice, true)
	}
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	var total int64
	for _, c := range chunks {
		total += c.Count
	}
	partitions := BuildPartitions(chunks, desiredWorkers(total, cfg))

	feedID := adapter.Profile().FeedID
	metrics.ScanAPICalls.WithLabelValues(feedID).Add(float64(s.apiCalls.Load()))
	metrics.ScanDuration.WithLabelValues(feedID).Observe(elapsed.Seconds())

	res := &Result{
		DensityMap:   chunks,
		Partitions:   partitions,
		TotalRecords: total,
		WorkerCount:  len(partitions),
		Stats: Stats{
			APICalls:       s.apiCalls.Load(),
			ScanDurationMS: elapsed.Milliseconds(),
			RangesScanned:  s.rangesScanned,
			NonEmptyRanges: len(chunks),
			UsedTwoPass:    cfg.UseTwoPass,
		},
	}
	s.log.Info().
		Int64("total_records", total).
		Int("partitions", len(partitions)).
		Int64("api_calls", res.Stats.APICalls).
		Int("ranges", res.Stats.RangesScanned).
		Dur("elapsed", elapsed).
		Bool("two_pass", cfg.UseTwoPass).
		Msg("density scan complete")
	return res, nil
}

type scanner struct {
	adapter feed.Adapter
	base    feed.Query
	cfg     Config
	log     zerolog.Logger

	apiCalls      atomic.Int64
	rangesScanned int
}

type span struct {
	lo, hi float64
}

// scanRange walks [lo, hi) in count-call batches. With adaptive=true the
// dense zone uses the fixed dense step and the sparse zone resizes itself
// from each observed count; adaptive=false scans with the coarse step only.
func (s *scanner) scanRange(ctx context.Context, lo, hi float64, adaptive bool) ([]Chunk, error) {
	step := s.cfg.InitialStep
	cursor := lo
	var out []Chunk

	for cursor < hi {
		spans := s.buildBatch(cursor, hi, step, adaptive)
		if len(spans) == 0 {
			break
		}
		counts, err := s.countSpans(ctx, spans)
		if err != nil {
			return nil, err
		}

		for i, sp := range spans {
			c := counts[i]
			s.rangesScanned++
			if c > 0 {
				out = append(out, Chunk{Min: sp.lo, Max: sp.hi, Count: c})
			}
			if adaptive && sp.lo >= s.cfg.DenseZoneThreshold {
				step = s.nextStep(step, c)
			}
		}
		cursor = spans[len(spans)-1].hi
	}
	return out, nil
}

// buildBatch lays out up to Concurrency contiguous spans from cursor. Spans
// never straddle the dense/sparse boundary; sparse spans all use the step
// the previous batch settled on.
func (s *scanner) buildBatch(cursor, hi, step float64, adaptive bool) []span {
	var spans []span
	c := cursor
	for len(spans) < s.cfg.Concurrency && c < hi {
		st := s.cfg.CoarseStep
		if adaptive {
			if c < s.cfg.DenseZoneThreshold {
				st = s.cfg.DenseZoneStep
			} else {
				st = step
			}
		}
		next := c + st
		if adaptive && c < s.cfg.DenseZoneThreshold && next > s.cfg.DenseZoneThreshold {
			next = s.cfg.DenseZoneThreshold
		}
		if next > hi || next <= c {
			next = hi
		}
		spans = append(spans, span{lo: c, hi: next})
		c = next
	}
	return spans
}

// nextStep applies the sparse-zone adaptation rule to one observed count.
func (s *scanner) nextStep(step float64, count int64) float64 {
	if count == 0 {
		step *= 5
		if step > 100_000 {
			step = 100_000
		}
		return step
	}
	next := math.Floor(step * float64(s.cfg.TargetPerChunk) / float64(count))
	lower := 2 * s.cfg.DenseZoneStep
	if next < lower {
		next = lower
	}
	if next > 50_000 {
		next = 50_000
	}
	return next
}

// countSpans issues the batch's count calls in parallel.
func (s *scanner) countSpans(ctx context.Context, spans []span) ([]int64, error) {
	counts := make([]int64, len(spans))
	errs := make([]error, len(spans))
	var wg sync.WaitGroup
	for i, sp := range spans {
		wg.Add(1)
		go func(i int, sp span) {
			defer wg.Done()
			counts[i], errs[i] = s.countRange(ctx, sp)
		}(i, sp)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("%w: count [%.2f, %.2f): %v", ErrScanAborted, spans[i].lo, spans[i].hi, err)
		}
	}
	return counts, nil
}

// countRange counts one half-open span. The supplier API takes inclusive
// bounds, so the upper bound is max minus the feed's price granularity.
func (s *scanner) countRange(ctx context.Context, sp span) (int64, error) {
	q := s.base.WithPriceRange(sp.lo, sp.hi-s.cfg.PriceGranularity)
	var n int64
	err := retry.Do(ctx, s.cfg.RetryAttempts, s.cfg.RetryBase, func(ctx context.Context) error {
		s.apiCalls.Add(1)
		var err error
		n, err = s.adapter.Count(ctx, q)
		return err
	})
	return n, err
}

// scanTwoPass runs the coarse pass, refines the boundaries of each dense
// region by binary search, then fine-scans the refined regions.
func (s *scanner) scanTwoPass(ctx context.Context) ([]Chunk, error) {
	coarse, err := s.scanRange(ctx, s.cfg.MinPrice, s.cfg.MaxPrice, false)
	if err != nil {
		return nil, err
	}
	regions := mergeRegions(coarse)
	s.log.Debug().Int("coarse_chunks", len(coarse)).Int("regions", len(regions)).Msg("coarse pass done")

	var out []Chunk
	for _, r := range regions {
		lo, err := s.refineLower(ctx, r.lo, minF(r.lo+s.cfg.CoarseStep, r.hi))
		if err != nil {
			return nil, err
		}
		hi, err := s.refineUpper(ctx, maxF(r.hi-s.cfg.CoarseStep, lo), r.hi)
		if err != nil {
			return nil, err
		}
		chunks, err := s.scanRange(ctx, lo, hi, true)
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
	}
	return out, nil
}

// refineLower narrows a region's lower edge: the largest b in [lo, hi] with
// zero records in [lo, b).
func (s *scanner) refineLower(ctx context.Context, lo, hi float64) (float64, error) {
	regionStart := lo
	for hi-lo > s.cfg.DenseZoneStep {
		mid := lo + (hi-lo)/2
		c, err := s.countRange(ctx, span{lo: regionStart, hi: mid})
		if err != nil {
			return 0, fmt.Errorf("%w: refine lower: %v", ErrScanAborted, err)
		}
		if c == 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// refineUpper narrows a region's upper edge: the smallest b in [lo, hi]
// with zero records in [b, hi).
func (s *scanner) refineUpper(ctx context.Context, lo, hi float64) (float64, error) {
	regionEnd := hi
	for hi-lo > s.cfg.DenseZoneStep {
		mid := lo + (hi-lo)/2
		c, err := s.countRange(ctx, span{lo: mid, hi: regionEnd})
		if err != nil {
			return 0, fmt.Errorf("%w: refine upper: %v", ErrScanAborted, err)
		}
		if c == 0 {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}

type region struct {
	lo, hi float64
}

// mergeRegions folds contiguous non-empty coarse chunks into regions.
// Chunk boundaries come out of the same walk, so adjacency is exact
// float equality of prev.Max and next.Min.
func mergeRegions(coarse []Chunk) []region {
	var out []region
	for _, c := range coarse {
		if len(out) > 0 && out[len(out)-1].hi == c.Min {
			out[len(out)-1].hi = c.Max
			continue
		}
		out = append(out, region{lo: c.Min, hi: c.Max})
	}
	return out
}

func desiredWorkers(total int64, cfg Config) int {
	d := int(total / cfg.MinRecordsPerWorker)
	if d < 1 {
		d = 1
	}
	if d > cfg.MaxWorkers {
		d = cfg.MaxWorkers
	}
	return d
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
