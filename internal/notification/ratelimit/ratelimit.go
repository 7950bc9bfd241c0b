// Package ratelimit implements the Dispatcher's per-channel token-bucket
// limiter, using golang.org/x/time/rate so bucket math (burst, refill,
// wait-with-context) is not reimplemented by hand.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/constitutional-mesh/iaer/pkg/types"
)

// Registry owns one token bucket per channel kind, installed by Configure
// from the (capacity, refill_per_second) each Channel adapter advertises via
// rate_limit(). A kind that was never configured has no bucket.
type Registry struct {
	mu       sync.Mutex
	limiters map[types.ChannelKind]*rate.Limiter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[types.ChannelKind]*rate.Limiter)}
}

// Configure installs (or replaces) the bucket for a channel kind.
func (r *Registry) Configure(kind types.ChannelKind, capacity int, refillPerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[kind] = rate.NewLimiter(rate.Limit(refillPerSecond), capacity)
}

// Wait blocks until a token for kind is available or ctx is cancelled. An
// unconfigured channel is treated as unlimited.
func (r *Registry) Wait(ctx context.Context, kind types.ChannelKind) error {
	r.mu.Lock()
	l := r.limiters[kind]
	r.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Allow is the non-blocking counterpart of Wait: it takes a token for kind
// if one is available now and reports whether it did. An unconfigured
// channel always reports true.
func (r *Registry) Allow(kind types.ChannelKind) bool {
	r.mu.Lock()
	l := r.limiters[kind]
	r.mu.Unlock()
	if l == nil {
		return true
	}
	return l.Allow()
}
