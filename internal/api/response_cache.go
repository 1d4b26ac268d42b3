package api

import (
	"net/http"
	"sync"
	"time"
)

// ttlCache memoizes rendered JSON for read-heavy endpoints. Entries expire
// passively; writes sweep expired keys so the map stays near its working
// set without a background goroutine.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]ttlEntry
}

type ttlEntry struct {
	body      []byte
	expiresAt time.Time
}

func newTTLCache() *ttlCache {
	return &ttlCache{entries: make(map[string]ttlEntry)}
}

func (c *ttlCache) get(key string, now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || now.After(e.expiresAt) {
		return nil, false
	}
	return e.body, true
}

func (c *ttlCache) put(key string, body []byte, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = ttlEntry{body: body, expiresAt: now.Add(ttl)}
}

// cachedHandler wraps a JSON handler with a route-local TTL cache. The key
// includes the query string, so filtered and paged variants cache
// independently. Only 2xx bodies are recorded.
func cachedHandler(ttl time.Duration, handler http.HandlerFunc) http.HandlerFunc {
	cache := newTTLCache()
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		key := r.URL.Path + "?" + r.URL.RawQuery

		if body, ok := cache.get(key, now); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.Write(body)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)

		if rec.status >= 200 && rec.status < 300 && len(rec.buf) > 0 {
			cache.put(key, rec.buf, ttl, now)
		}
	}
}

// captureWriter tees the response body so it can be cached after the
// handler returns.
type captureWriter struct {
	http.ResponseWriter
	status int
	buf    []byte
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.buf = append(c.buf, b...)
	return c.ResponseWriter.Write(b)
}
