package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests against a remote snapshot source.
//
// This implementation wraps golang.org/x/time/rate (token bucket):
//   - Tokens are added at a constant rate (requests per second)
//   - Each request consumes one token
//   - Burst capacity lets a cold cache fetch several blocks back to back
//
// Object stores bill per request and may answer 503 SlowDown when a client
// issues thousands of small ranged GETs; the snapshot S3 reader waits on this
// limiter before every GetObject.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a new RateLimiter with the specified rate and burst capacity.
//
// Parameters:
//   - requestsPerSecond: Maximum sustained rate (tokens added per second)
//   - burst: Maximum burst size (bucket capacity in tokens)
//
// Special cases:
//   - requestsPerSecond = 0: No rate limiting (unlimited)
//   - burst = 0: defaults to requestsPerSecond
//
// Example:
//
//	// 200 GETs per second sustained, bursts of 400
//	limiter := New(200, 400)
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst == 0 {
		burst = requestsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow reports whether a request may proceed now, consuming a token if so.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
//
// Returns:
//   - nil if a token was acquired
//   - context error if the context was cancelled before a token was available
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the current number of available tokens.
//
// This is primarily useful for debugging; the value may change immediately
// after this call.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
