// Package feedtest provides a deterministic in-memory feed adapter for
// tests: fixed stones at fixed prices, stable pagination, and hook-based
// failure injection.
package feedtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// Stone is one synthetic supplier record. The JSON form is the "opaque"
// payload the pipeline stores.
type Stone struct {
	ID        string    `json:"id"`
	OfferID   string    `json:"offer_id"`
	Price     float64   `json:"price"`
	Status    string    `json:"status"`
	Shape     string    `json:"shape"`
	Carats    float64   `json:"carats"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Adapter implements feed.Adapter over an in-memory stone list.
type Adapter struct {
	mu      sync.Mutex
	profile feed.Profile
	stones  []Stone

	countCalls  int
	searchCalls int

	// CountHook and SearchHook run before the real operation; a non-nil
	// return is surfaced to the caller. Guarded by mu.
	CountHook  func(q feed.Query) error
	SearchHook func(q feed.Query, offset int64) error
}

// New builds an adapter for feed id with the given stones. Search order is
// created_at ascending with id as the unique tiebreaker.
func New(id string, stones []Stone) *Adapter {
	a := &Adapter{
		profile: feed.Profile{
			FeedID:           id,
			RawTable:         "raw." + id + "_stones",
			WatermarkBlob:    id + "-watermark.json",
			MaxPageSize:      100,
			WorkerPageSize:   100,
			PriceGranularity: 0.01,
			Heatmap:          config.HeatmapOverrides{},
		},
	}
	a.Replace(stones)
	return a
}

// SetWorkerPageSize overrides the page size workers use.
func (a *Adapter) SetWorkerPageSize(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profile.WorkerPageSize = n
	if n > a.profile.MaxPageSize {
		a.profile.MaxPageSize = n
	}
}

// SetMarkupPercent overrides the feed markup applied at consolidation.
func (a *Adapter) SetMarkupPercent(p float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profile.MarkupPercent = p
}

// Replace swaps the stone set.
func (a *Adapter) Replace(stones []Stone) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stones = append([]Stone(nil), stones...)
	sort.SliceStable(a.stones, func(i, j int) bool {
		if !a.stones[i].CreatedAt.Equal(a.stones[j].CreatedAt) {
			return a.stones[i].CreatedAt.Before(a.stones[j].CreatedAt)
		}
		return a.stones[i].ID < a.stones[j].ID
	})
}

// CountCalls reports how many Count calls were made.
func (a *Adapter) CountCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countCalls
}

// SearchCalls reports how many Search calls were made.
func (a *Adapter) SearchCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.searchCalls
}

func (a *Adapter) Profile() feed.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profile
}

func (a *Adapter) Init(ctx context.Context) error { return nil }
func (a *Adapter) Close() error                   { return nil }

func (a *Adapter) Count(ctx context.Context, q feed.Query) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.countCalls++
	if a.CountHook != nil {
		if err := a.CountHook(q); err != nil {
			return 0, err
		}
	}
	var n int64
	for _, s := range a.stones {
		if matches(s, q) {
			n++
		}
	}
	return n, nil
}

func (a *Adapter) Search(ctx context.Context, q feed.Query, offset int64, limit int) (*feed.SearchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.searchCalls++
	if a.SearchHook != nil {
		if err := a.SearchHook(q, offset); err != nil {
			return nil, err
		}
	}

	var matched []Stone
	for _, s := range a.stones {
		if matches(s, q) {
			matched = append(matched, s)
		}
	}
	total := int64(len(matched))
	if offset >= total {
		return &feed.SearchResult{TotalCount: total}, nil
	}
	end := offset + int64(limit)
	if end > total {
		end = total
	}

	items := make([]json.RawMessage, 0, end-offset)
	for _, s := range matched[offset:end] {
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return &feed.SearchResult{Items: items, TotalCount: total}, nil
}

func (a *Adapter) Identity(item json.RawMessage) (*feed.Identity, error) {
	var s Stone
	if err := json.Unmarshal(item, &s); err != nil {
		return nil, fmt.Errorf("feedtest identity: %w", err)
	}
	u := s.UpdatedAt
	return &feed.Identity{
		SupplierStoneID: s.ID,
		OfferID:         s.OfferID,
		SourceUpdatedAt: &u,
		Payload:         item,
	}, nil
}

func (a *Adapter) Normalize(item json.RawMessage) (*models.Diamond, error) {
	var s Stone
	if err := json.Unmarshal(item, &s); err != nil {
		return nil, fmt.Errorf("feedtest normalize: %w", err)
	}
	u := s.UpdatedAt
	status := s.Status
	if status == "" {
		status = "available"
	}
	return &models.Diamond{
		Feed:            a.Profile().FeedID,
		SupplierStoneID: s.ID,
		OfferID:         s.OfferID,
		Shape:           s.Shape,
		Carats:          s.Carats,
		Status:          status,
		FeedPrice:       s.Price,
		SourceUpdatedAt: &u,
	}, nil
}

func (a *Adapter) BaseQuery(updatedFrom, updatedTo time.Time) feed.Query {
	return feed.Query{UpdatedFrom: updatedFrom, UpdatedTo: updatedTo}
}

// matches applies the query to one stone. Price bounds are inclusive on
// both ends, matching supplier range APIs; time bounds are inclusive too.
func matches(s Stone, q feed.Query) bool {
	if q.MinPrice != nil && s.Price < *q.MinPrice {
		return false
	}
	if q.MaxPrice != nil && s.Price > *q.MaxPrice {
		return false
	}
	if !q.UpdatedFrom.IsZero() && s.UpdatedAt.Before(q.UpdatedFrom) {
		return false
	}
	if !q.UpdatedTo.IsZero() && s.UpdatedAt.After(q.UpdatedTo) {
		return false
	}
	return true
}
