// Package feed defines the supplier adapter contract. The pipeline core
// never interprets supplier items; adapters translate between the shared
// query/identity types and each supplier's API and payload shape.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// ErrUnknownFeed is returned for feed ids with no registered adapter.
var ErrUnknownFeed = errors.New("unknown feed")

// Query is the shared search predicate. Price bounds are inclusive on both
// ends because supplier range APIs are inclusive; callers working in
// half-open ranges subtract the feed's price granularity from the upper
// bound first.
type Query struct {
	UpdatedFrom time.Time
	UpdatedTo   time.Time
	MinPrice    *float64
	MaxPrice    *float64
}

// WithPriceRange returns a copy of q bounded to [min, max] inclusive.
func (q Query) WithPriceRange(min, max float64) Query {
	q.MinPrice = &min
	q.MaxPrice = &max
	return q
}

// Identity is what the core needs from an opaque supplier item to persist it.
type Identity struct {
	SupplierStoneID string
	OfferID         string
	SourceUpdatedAt *time.Time
	Payload         json.RawMessage
}

// SearchResult is one page of supplier items. TotalCount is -1 when the
// supplier does not report it.
type SearchResult struct {
	Items      []json.RawMessage
	TotalCount int64
}

// Profile carries the per-feed attributes the pipeline reads. Everything
// here is fixed at adapter construction.
type Profile struct {
	FeedID           string
	RawTable         string
	WatermarkBlob    string
	MaxPageSize      int
	WorkerPageSize   int
	PriceGranularity float64
	MarkupPercent    float64
	Heatmap          config.HeatmapOverrides
}

// Adapter is the supplier integration point. Implementations must make
// Search deterministic for a fixed query: a stable sort order with a unique
// tiebreaker, so that offset pagination never skips or repeats items while
// the underlying data is stable. Implementations own outbound rate limiting.
type Adapter interface {
	Profile() Profile

	// Init authenticates or otherwise prepares the adapter. Optional work;
	// implementations may no-op.
	Init(ctx context.Context) error
	Close() error

	// Count returns how many records match q.
	Count(ctx context.Context, q Query) (int64, error)

	// Search returns the page [offset, offset+limit) of records matching q.
	Search(ctx context.Context, q Query, offset int64, limit int) (*SearchResult, error)

	// Identity extracts the persistence identity from an opaque item.
	Identity(item json.RawMessage) (*Identity, error)

	// Normalize interprets an opaque item into the consolidated diamond
	// shape. Pricing fields are the supplier's; the consolidator applies
	// markup on top.
	Normalize(item json.RawMessage) (*models.Diamond, error)

	// BaseQuery builds the time-bounded query a run starts from.
	BaseQuery(updatedFrom, updatedTo time.Time) Query
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Transient marks an upstream failure (network, 5xx, upstream rate limit)
// as worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Transientf is Transient over a formatted error.
func Transientf(format string, args ...any) error {
	return transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err (anywhere in its chain) was marked
// transient by an adapter.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}
