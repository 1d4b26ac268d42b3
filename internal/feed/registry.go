package feed

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/ratelimit"
)

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Factory builds an adapter from its feed configuration and the limiter
// that paces its outbound calls.
type Factory func(cfg config.FeedConfig, limiter *ratelimit.Limiter) (Adapter, error)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]Factory)
)

// RegisterKind makes a factory available under a kind name. Called from
// adapter package init functions.
func RegisterKind(kind string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[kind]; dup {
		panic(fmt.Sprintf("feed: duplicate adapter kind %q", kind))
	}
	factories[kind] = f
}

// Registry holds the constructed adapters, one per configured feed, each
// with its endpoint rate limiter.
type Registry struct {
	adapters map[string]Adapter
	limiters map[string]*ratelimit.Limiter
}

// NewRegistry builds adapters for every enabled feed in cfgs.
func NewRegistry(cfgs []config.FeedConfig) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]Adapter),
		limiters: make(map[string]*ratelimit.Limiter),
	}
	for _, fc := range cfgs {
		if fc.Disabled {
			continue
		}
		if err := r.Add(fc); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add constructs and registers the adapter for one feed.
func (r *Registry) Add(fc config.FeedConfig) error {
	factoriesMu.Lock()
	factory, ok := factories[fc.Kind]
	factoriesMu.Unlock()
	if !ok {
		return fmt.Errorf("feed %q: no adapter kind %q", fc.ID, fc.Kind)
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerWindow: fc.RateLimit.MaxRequestsPerWindow,
		Window:               millis(fc.RateLimit.WindowMS),
		MaxWait:              millis(fc.RateLimit.MaxWaitMS),
	})
	adapter, err := factory(fc, limiter)
	if err != nil {
		limiter.Destroy()
		return fmt.Errorf("feed %q: %w", fc.ID, err)
	}
	r.adapters[fc.ID] = adapter
	r.limiters[fc.ID] = limiter
	return nil
}

// AddAdapter registers a pre-built adapter under an id, bypassing the
// factory mechanism. Tests use this to inject fakes.
func (r *Registry) AddAdapter(id string, a Adapter) {
	r.adapters[id] = a
}

// Get returns the adapter for a feed id.
func (r *Registry) Get(feedID string) (Adapter, error) {
	a, ok := r.adapters[feedID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeed, feedID)
	}
	return a, nil
}

// Limiter returns the feed's rate limiter, nil for unknown feeds.
func (r *Registry) Limiter(feedID string) *ratelimit.Limiter {
	return r.limiters[feedID]
}

// IDs lists registered feed ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close destroys all limiters (releasing queued waiters) and closes every
// adapter.
func (r *Registry) Close() {
	for _, l := range r.limiters {
		l.Destroy()
	}
	for _, a := range r.adapters {
		_ = a.Close()
	}
}
