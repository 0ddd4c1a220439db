package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chat-backend/internal/common/logging"
	"chat-backend/internal/redis"
)

// remote bundles what both distributed stores need to reach Redis
type remote struct {
	client  *redis.Client
	prefix  string
	policy  FailurePolicy
	timeout time.Duration
	now     func() time.Time
	metrics *Metrics
	logger  logging.Logger
}

func newRemote(client *redis.Client, config Config, o *options, store string) remote {
	return remote{
		client:  client,
		prefix:  config.KeyPrefix,
		policy:  config.FailurePolicy,
		timeout: config.OperationTimeout,
		now:     o.now,
		metrics: o.metrics,
		logger: o.logger.WithFields(
			logging.String("store", store),
			logging.String("backend", string(BackendDistributed)),
		),
	}
}

// withTimeout applies the operation timeout unless the caller set a deadline
func (r remote) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// run evaluates a script and converts its reply to integers. Any failure,
// including a malformed reply, comes back as a storage error.
func (r remote) run(ctx context.Context, op string, script *redis.Script, key string, want int, args ...interface{}) ([]int64, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	reply, err := r.client.RunScript(ctx, script, []string{key}, args...)
	r.metrics.ObserveDuration(BackendDistributed, op, time.Since(start))
	if err == nil {
		var values []int64
		values, err = toInts(reply, want)
		if err == nil {
			return values, nil
		}
	}

	r.metrics.RecordStorageError(BackendDistributed, op)
	r.logger.Warn("Limits storage call failed",
		logging.String("op", op),
		logging.String("key", key),
		logging.String("policy", string(r.policy)),
		logging.Err(err),
	)
	return nil, storageError(op, err)
}

func toInts(reply interface{}, want int) ([]int64, error) {
	switch v := reply.(type) {
	case int64:
		if want == 1 {
			return []int64{v}, nil
		}
	case []interface{}:
		if len(v) == want {
			out := make([]int64, want)
			for i, item := range v {
				n, ok := item.(int64)
				if !ok {
					return nil, fmt.Errorf("unexpected script reply element %T", item)
				}
				out[i] = n
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("unexpected script reply %v", reply)
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// DistributedRateLimitStore keeps one counter per key and window in Redis
type DistributedRateLimitStore struct {
	remote
}

// NewDistributedRateLimitStore creates a Redis-backed rate limit store
func NewDistributedRateLimitStore(client *redis.Client, config Config, opts ...Option) *DistributedRateLimitStore {
	return &DistributedRateLimitStore{remote: newRemote(client, config, buildOptions(opts), "rate_limit")}
}

func (s *DistributedRateLimitStore) key(key string) string {
	return s.prefix + "rl:" + key
}

// Hit counts one call for key in the current fixed window
func (s *DistributedRateLimitStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (HitResult, error) {
	if limit <= 0 {
		return disabledHit(s.now(), limit, window), nil
	}
	if err := validateWindow(window); err != nil {
		return HitResult{}, err
	}

	values, err := s.run(ctx, "hit", hitScript, s.key(key), 2, window.Milliseconds())
	if err != nil {
		res := s.policy.hitOnFailure(s.now(), limit, window)
		s.metrics.RecordHit(BackendDistributed, res.Allowed)
		return res, err
	}

	count, reset := values[0], values[1]
	allowed := count <= int64(limit)
	s.metrics.RecordHit(BackendDistributed, allowed)

	return HitResult{
		Allowed:   allowed,
		Remaining: remaining(limit, count),
		ResetAt:   fromMillis(reset),
		Limit:     limit,
	}, nil
}

// Reset deletes the counter for key
func (s *DistributedRateLimitStore) Reset(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Delete(ctx, s.key(key)); err != nil {
		s.metrics.RecordStorageError(BackendDistributed, "reset")
		s.logger.Warn("Limits storage call failed",
			logging.String("op", "reset"),
			logging.String("key", key),
			logging.Err(err),
		)
		return storageError("reset", err)
	}
	return nil
}

// DistributedConcurrencyStore keeps one sorted set of slots per key in Redis
type DistributedConcurrencyStore struct {
	remote
}

// NewDistributedConcurrencyStore creates a Redis-backed concurrency store
func NewDistributedConcurrencyStore(client *redis.Client, config Config, opts ...Option) *DistributedConcurrencyStore {
	return &DistributedConcurrencyStore{remote: newRemote(client, config, buildOptions(opts), "concurrency")}
}

func (s *DistributedConcurrencyStore) key(key string) string {
	return s.prefix + "cc:" + key
}

// Acquire reaps, counts and inserts in one script run
func (s *DistributedConcurrencyStore) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (AcquireResult, error) {
	if err := validateSlot(limit, ttl); err != nil {
		return AcquireResult{}, err
	}

	token := uuid.NewString()
	values, err := s.run(ctx, "acquire", acquireScript, s.key(key), 3, limit, ttl.Milliseconds(), token)
	if err != nil {
		res := s.policy.acquireOnFailure(s.now(), ttl)
		s.metrics.RecordAcquire(BackendDistributed, res.Granted)
		return res, err
	}

	granted, active, expiry := values[0] == 1, int(values[1]), values[2]
	s.metrics.RecordAcquire(BackendDistributed, granted)
	if !granted {
		return AcquireResult{Active: active}, nil
	}

	return AcquireResult{
		Granted:   true,
		Token:     token,
		ExpiresAt: fromMillis(expiry),
		Active:    active,
	}, nil
}

// Release removes the live slot holding token
func (s *DistributedConcurrencyStore) Release(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		s.metrics.RecordRelease(BackendDistributed, false)
		return false, nil
	}

	values, err := s.run(ctx, "release", releaseScript, s.key(key), 1, token)
	if err != nil {
		return false, err
	}

	released := values[0] == 1
	s.metrics.RecordRelease(BackendDistributed, released)
	return released, nil
}

// Extend moves a live slot's expiry to now+ttl
func (s *DistributedConcurrencyStore) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	if token == "" {
		s.metrics.RecordExtend(BackendDistributed, false)
		return false, nil
	}

	values, err := s.run(ctx, "extend", extendScript, s.key(key), 2, token, ttl.Milliseconds())
	if err != nil {
		return false, err
	}

	extended := values[0] == 1
	s.metrics.RecordExtend(BackendDistributed, extended)
	return extended, nil
}

var (
	_ RateLimitStore   = (*DistributedRateLimitStore)(nil)
	_ ConcurrencyStore = (*DistributedConcurrencyStore)(nil)
)
