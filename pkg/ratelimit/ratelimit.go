// Package ratelimit guards the submission boundary with a token-bucket
// limiter. Two stores exist: an in-process limiter for single-node
// deployments and a Redis-backed limiter whose bucket state is shared by
// every gateway replica.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oars-platform/oars/pkg/apierror"
)

// Config tunes the bucket. Zero values fall back to the defaults.
type Config struct {
	RatePerSecond float64
	Burst         int
}

func (c Config) withDefaults() Config {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	return c
}

// Limiter decides whether one more request is admitted for a key. Keys are
// caller-chosen; the gateway uses "tenant:subject".
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Check runs the limiter and converts a denial into a rate_limited error.
// A nil limiter admits everything.
func Check(ctx context.Context, l Limiter, key string) error {
	if l == nil {
		return nil
	}
	ok, err := l.Allow(ctx, key)
	if err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	if !ok {
		return apierror.Wrap(apierror.CodeRateLimited,
			"request rate limit exceeded", apierror.ErrRateLimited)
	}
	return nil
}

type bucket struct {
	limiter  tokenTaker
	lastSeen time.Time
}

type tokenTaker interface {
	Allow() bool
}

// Local is a per-key in-process limiter. Idle buckets are dropped after
// staleAfter so the map does not grow with one-shot callers.
type Local struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	config   Config
	newTaker func(Config) tokenTaker
	now      func() time.Time

	staleAfter time.Duration
	lastSweep  time.Time
}

// NewLocal builds the in-process limiter.
func NewLocal(config Config) *Local {
	config = config.withDefaults()
	return &Local{
		buckets:    make(map[string]*bucket),
		config:     config,
		newTaker:   newRateTaker,
		now:        time.Now,
		staleAfter: 10 * time.Minute,
	}
}

// Allow takes one token from the key's bucket.
func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: l.newTaker(l.config)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.sweep(now)
	return b.limiter.Allow(), nil
}

// sweep drops idle buckets at most once per staleAfter window. Caller holds
// the mutex.
func (l *Local) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.staleAfter {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.staleAfter {
			delete(l.buckets, key)
		}
	}
}
