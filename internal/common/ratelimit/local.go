package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"chat-backend/internal/common/logging"
)

// LocalRateLimitStore keeps a sliding log per key in process memory.
// One mutex serializes every call on the store.
type LocalRateLimitStore struct {
	mu      sync.Mutex
	buckets *gocache.Cache // key -> *hitLog
	now     func() time.Time
	metrics *Metrics
	logger  logging.Logger

	cleanupInterval time.Duration
	lastCleanup     time.Time
}

// hitLog holds the timestamps of the most recent calls, oldest first,
// never more than the limit in force at the last call.
type hitLog struct {
	hits []time.Time
}

// NewLocalRateLimitStore creates an in-memory rate limit store
func NewLocalRateLimitStore(config Config, opts ...Option) *LocalRateLimitStore {
	return newLocalRateLimitStore(config, buildOptions(opts))
}

func newLocalRateLimitStore(config Config, o *options) *LocalRateLimitStore {
	cleanup := config.CleanupInterval
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}

	return &LocalRateLimitStore{
		// Expired entries are dropped by lazy sweeps, not by a janitor goroutine.
		buckets:         gocache.New(gocache.NoExpiration, 0),
		now:             o.now,
		metrics:         o.metrics,
		logger:          o.logger.WithFields(logging.String("store", "rate_limit"), logging.String("backend", string(BackendLocal))),
		cleanupInterval: cleanup,
		lastCleanup:     o.now(),
	}
}

// Hit counts one call for key. Only the last limit calls are remembered:
// that is enough to know whether limit calls fell inside the last window.
func (s *LocalRateLimitStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (HitResult, error) {
	if limit <= 0 {
		return disabledHit(s.now(), limit, window), nil
	}
	if err := validateWindow(window); err != nil {
		return HitResult{}, err
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.maybeCleanup(now)

	log := &hitLog{}
	if v, ok := s.buckets.Get(key); ok {
		log = v.(*hitLog)
	}

	cutoff := now.Add(-window)
	kept := log.hits[:0]
	for _, ts := range log.hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	count := len(kept)
	allowed := count < limit

	// Denied calls are recorded too, displacing the oldest entry.
	kept = append(kept, now)
	if len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	log.hits = kept
	s.buckets.Set(key, log, window)

	res := HitResult{
		Allowed:   allowed,
		Remaining: remaining(limit, int64(count+1)),
		ResetAt:   windowReset(now, window),
		Limit:     limit,
	}

	s.metrics.RecordHit(BackendLocal, allowed)
	s.metrics.ObserveDuration(BackendLocal, "hit", time.Since(start))
	return res, nil
}

// Reset forgets every call counted for key
func (s *LocalRateLimitStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buckets.Delete(key)
	return nil
}

// ActiveKeys returns the number of keys currently tracked
func (s *LocalRateLimitStore) ActiveKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buckets.ItemCount()
}

func (s *LocalRateLimitStore) maybeCleanup(now time.Time) {
	if now.Sub(s.lastCleanup) < s.cleanupInterval {
		return
	}
	before := s.buckets.ItemCount()
	s.buckets.DeleteExpired()
	s.lastCleanup = now
	s.logger.Debug("Dropped cold rate limit keys", logging.Int("dropped", before-s.buckets.ItemCount()))
}

// LocalConcurrencyStore keeps slot sets in process memory.
// One mutex serializes every call on the store.
type LocalConcurrencyStore struct {
	mu      sync.Mutex
	sets    *gocache.Cache // key -> *slotSet
	now     func() time.Time
	metrics *Metrics
	logger  logging.Logger

	cleanupInterval time.Duration
	lastCleanup     time.Time
}

type slotSet struct {
	slots map[string]time.Time // token -> expiry
}

// reap drops slots whose expiry is at or before now
func (s *slotSet) reap(now time.Time) {
	for token, expiry := range s.slots {
		if !expiry.After(now) {
			delete(s.slots, token)
		}
	}
}

func (s *slotSet) latestExpiry() time.Time {
	var latest time.Time
	for _, expiry := range s.slots {
		if expiry.After(latest) {
			latest = expiry
		}
	}
	return latest
}

// NewLocalConcurrencyStore creates an in-memory concurrency store
func NewLocalConcurrencyStore(config Config, opts ...Option) *LocalConcurrencyStore {
	return newLocalConcurrencyStore(config, buildOptions(opts))
}

func newLocalConcurrencyStore(config Config, o *options) *LocalConcurrencyStore {
	cleanup := config.CleanupInterval
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}

	return &LocalConcurrencyStore{
		sets:            gocache.New(gocache.NoExpiration, 0),
		now:             o.now,
		metrics:         o.metrics,
		logger:          o.logger.WithFields(logging.String("store", "concurrency"), logging.String("backend", string(BackendLocal))),
		cleanupInterval: cleanup,
		lastCleanup:     o.now(),
	}
}

// Acquire reaps expired slots for key and grants a new one if fewer than
// limit remain.
func (s *LocalConcurrencyStore) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (AcquireResult, error) {
	if err := validateSlot(limit, ttl); err != nil {
		return AcquireResult{}, err
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.maybeCleanup(now)

	set := s.load(key)
	set.reap(now)

	if len(set.slots) >= limit {
		s.store(key, set, now)
		s.metrics.RecordAcquire(BackendLocal, false)
		s.metrics.ObserveDuration(BackendLocal, "acquire", time.Since(start))
		return AcquireResult{Active: len(set.slots)}, nil
	}

	token := uuid.NewString()
	expiry := now.Add(ttl)
	set.slots[token] = expiry
	s.store(key, set, now)

	s.metrics.RecordAcquire(BackendLocal, true)
	s.metrics.ObserveDuration(BackendLocal, "acquire", time.Since(start))
	return AcquireResult{
		Granted:   true,
		Token:     token,
		ExpiresAt: expiry,
		Active:    len(set.slots),
	}, nil
}

// Release frees the live slot holding token. Unknown keys, unknown tokens
// and expired slots all report false.
func (s *LocalConcurrencyStore) Release(ctx context.Context, key, token string) (bool, error) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	released := false

	if v, ok := s.sets.Get(key); ok && token != "" {
		set := v.(*slotSet)
		if expiry, held := set.slots[token]; held {
			released = expiry.After(now)
			delete(set.slots, token)
		}
		set.reap(now)
		s.store(key, set, now)
	}

	s.metrics.RecordRelease(BackendLocal, released)
	s.metrics.ObserveDuration(BackendLocal, "release", time.Since(start))
	return released, nil
}

// Extend moves a live slot's expiry to now+ttl
func (s *LocalConcurrencyStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	extended := false

	if v, ok := s.sets.Get(key); ok {
		set := v.(*slotSet)
		set.reap(now)
		if _, held := set.slots[token]; held {
			set.slots[token] = now.Add(ttl)
			extended = true
		}
		s.store(key, set, now)
	}

	s.metrics.RecordExtend(BackendLocal, extended)
	s.metrics.ObserveDuration(BackendLocal, "extend", time.Since(start))
	return extended, nil
}

// ActiveKeys returns the number of keys currently tracked
func (s *LocalConcurrencyStore) ActiveKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sets.ItemCount()
}

func (s *LocalConcurrencyStore) load(key string) *slotSet {
	if v, ok := s.sets.Get(key); ok {
		return v.(*slotSet)
	}
	return &slotSet{slots: make(map[string]time.Time)}
}

// store writes set back, expiring the cache entry with its last slot.
// Empty sets are dropped.
func (s *LocalConcurrencyStore) store(key string, set *slotSet, now time.Time) {
	if len(set.slots) == 0 {
		s.sets.Delete(key)
		return
	}
	s.sets.Set(key, set, set.latestExpiry().Sub(now))
}

func (s *LocalConcurrencyStore) maybeCleanup(now time.Time) {
	if now.Sub(s.lastCleanup) < s.cleanupInterval {
		return
	}
	before := s.sets.ItemCount()
	s.sets.DeleteExpired()
	s.lastCleanup = now
	s.logger.Debug("Dropped cold slot sets", logging.Int("dropped", before-s.sets.ItemCount()))
}

var (
	_ RateLimitStore   = (*LocalRateLimitStore)(nil)
	_ ConcurrencyStore = (*LocalConcurrencyStore)(nil)
)
