package batch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer spaces out item requests so a large selection does not flood the server.
type Pacer interface {
	Wait(ctx context.Context) error
}

// TokenBucketPacer implements Pacer using one token bucket per operation.
type TokenBucketPacer struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketPacer creates a pacer with rate r items per second and burst b.
// A non-positive r disables pacing.
func NewTokenBucketPacer(r float64, b int) *TokenBucketPacer {
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	if b < 1 {
		b = 1
	}
	return &TokenBucketPacer{
		limiters: make(map[string]*rate.Limiter),
		r:        limit,
		b:        b,
	}
}

// For returns the pacer of one operation; operations do not share budget.
func (p *TokenBucketPacer) For(op string) Pacer {
	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, exists := p.limiters[op]
	if !exists {
		limiter = rate.NewLimiter(p.r, p.b)
		p.limiters[op] = limiter
	}
	return limiter
}
