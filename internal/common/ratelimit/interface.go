package ratelimit

import (
	"context"
	"time"
)

// HitResult is the outcome of one RateLimitStore.Hit call
type HitResult struct {
	Allowed   bool
	Remaining int
	// ResetAt is the start of the next window. The local backend's sliding
	// log may still deny at ResetAt; treat it as a hint there.
	ResetAt time.Time
	Limit   int
}

// AcquireResult is the outcome of one ConcurrencyStore.Acquire call.
// Token is non-empty iff Granted.
type AcquireResult struct {
	Granted   bool
	Token     string
	ExpiresAt time.Time
	// Active is the number of live slots for the key after the call
	Active int
}

// RateLimitStore enforces "at most limit operations per key per window"
type RateLimitStore interface {
	// Hit counts one operation for key. A limit <= 0 disables the check.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (HitResult, error)

	// Reset forgets everything counted for key
	Reset(ctx context.Context, key string) error
}

// ConcurrencyStore enforces "at most limit concurrently held slots per key"
type ConcurrencyStore interface {
	// Acquire takes a slot for key if fewer than limit are live. The slot
	// frees itself after ttl unless released first.
	Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (AcquireResult, error)

	// Release frees the slot identified by token. It reports whether a live
	// slot with exactly that token existed.
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend pushes a live slot's expiry to now+ttl. It reports false if the
	// slot is gone.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
