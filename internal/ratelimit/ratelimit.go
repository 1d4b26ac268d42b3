// Package ratelimit implements the windowed token bucket that paces all
// outbound supplier API calls. Tokens refill to the full allowance at each
// window boundary; callers beyond the allowance queue FIFO and are granted
// tokens oldest-first, so waits stay fair to within one window.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAcquireTimeout is returned when no token became available within
	// the limiter's max wait.
	ErrAcquireTimeout = errors.New("rate limit acquire timeout")

	// ErrDestroyed is returned to all pending and future acquirers once the
	// limiter has been destroyed.
	ErrDestroyed = errors.New("rate limiter destroyed")
)

// Config holds the limiter parameters, matching the per-feed rate_limit
// configuration block.
type Config struct {
	MaxRequestsPerWindow int
	Window               time.Duration
	MaxWait              time.Duration
}

type waiter struct {
	ch chan error
}

// Limiter is a windowed token bucket. One instance exists per outbound
// endpoint per process and is shared by the scanner and all workers.
type Limiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	maxWait   time.Duration
	tokens    int
	windowEnd time.Time
	waiters   []*waiter
	destroyed bool
	timerSet  bool
	timer     *time.Timer
}

// New builds a limiter with a full allowance for the first window.
func New(cfg Config) *Limiter {
	if cfg.MaxRequestsPerWindow <= 0 {
		cfg.MaxRequestsPerWindow = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &Limiter{
		max:       cfg.MaxRequestsPerWindow,
		window:    cfg.Window,
		maxWait:   cfg.MaxWait,
		tokens:    cfg.MaxRequestsPerWindow,
		windowEnd: time.Now().Add(cfg.Window),
	}
}

// Acquire blocks until a token is granted, the max wait elapses
// (ErrAcquireTimeout), the limiter is destroyed (ErrDestroyed), or the
// context is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrDestroyed
	}
	l.refillLocked(time.Now())

	// Fresh callers may only take a token when nobody is queued ahead.
	if l.tokens > 0 && len(l.waiters) == 0 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}
	if l.maxWait <= 0 {
		l.mu.Unlock()
		return ErrAcquireTimeout
	}

	w := &waiter{ch: make(chan error, 1)}
	l.waiters = append(l.waiters, w)
	l.scheduleWakeupLocked()
	l.mu.Unlock()

	deadline := time.NewTimer(l.maxWait)
	defer deadline.Stop()

	select {
	case err := <-w.ch:
		return err
	case <-deadline.C:
		if l.removeWaiter(w) {
			return ErrAcquireTimeout
		}
		// Grant or destroy raced the deadline; the outcome is already in
		// the buffered channel.
		return <-w.ch
	case <-ctx.Done():
		if l.removeWaiter(w) {
			return ctx.Err()
		}
		if err := <-w.ch; err != nil {
			return err
		}
		// Granted a token the caller will never use; put it back.
		l.mu.Lock()
		l.tokens++
		l.grantLocked()
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Destroy rejects every queued waiter and fails all future acquires.
func (l *Limiter) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	l.destroyed = true
	if l.timer != nil {
		l.timer.Stop()
	}
	for _, w := range l.waiters {
		w.ch <- ErrDestroyed
	}
	l.waiters = nil
}

// QueueDepth reports how many callers are currently parked.
func (l *Limiter) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

// refillLocked resets the allowance when one or more window boundaries have
// passed. Refill is a reset to max, never an accumulation.
func (l *Limiter) refillLocked(now time.Time) {
	if now.Before(l.windowEnd) {
		return
	}
	for !now.Before(l.windowEnd) {
		l.windowEnd = l.windowEnd.Add(l.window)
	}
	l.tokens = l.max
}

// grantLocked hands tokens to queued waiters oldest-first.
func (l *Limiter) grantLocked() {
	for l.tokens > 0 && len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.tokens--
		w.ch <- nil
	}
}

// scheduleWakeupLocked arms a timer for the next window boundary so queued
// waiters are granted as soon as the refill happens.
func (l *Limiter) scheduleWakeupLocked() {
	if l.timerSet || l.destroyed {
		return
	}
	l.timerSet = true
	d := time.Until(l.windowEnd)
	if d < 0 {
		d = 0
	}
	l.timer = time.AfterFunc(d, l.onBoundary)
}

func (l *Limiter) onBoundary() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timerSet = false
	if l.destroyed {
		return
	}
	l.refillLocked(time.Now())
	l.grantLocked()
	if len(l.waiters) > 0 {
		l.scheduleWakeupLocked()
	}
}

// removeWaiter unlinks w from the queue. False means w already left the
// queue because a grant or destroy delivered its result.
func (l *Limiter) removeWaiter(w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.waiters {
		if q == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}
