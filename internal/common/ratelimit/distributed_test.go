package ratelimit

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-backend/internal/common/errors"
	"chat-backend/internal/common/logging"
	"chat-backend/internal/redis"
)

const testPrefix = "test:limits:"

type distributedFixture struct {
	now    time.Time
	mr     *miniredis.Miniredis
	client *redis.Client
	stores *Stores
}

func setupDistributed(t *testing.T, policy FailurePolicy) *distributedFixture {
	t.Helper()

	now := epochMinute.Add(time.Second)
	mr := miniredis.RunT(t)
	mr.SetTime(now)

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()}, redis.WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	stores, err := New(Config{
		Backend:       BackendDistributed,
		KeyPrefix:     testPrefix,
		FailurePolicy: policy,
	}, WithRedisClient(client), WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)

	return &distributedFixture{now: now, mr: mr, client: client, stores: stores}
}

// advance moves the server clock seen by TIME
func (f *distributedFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.mr.SetTime(f.now)
}

func TestDistributedHit_RemainingCountsDown(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	ctx := context.Background()

	for _, want := range []int{2, 1, 0} {
		res, err := f.stores.RateLimit.Hit(ctx, "login:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
		assert.Equal(t, epochMinute.Add(time.Minute), res.ResetAt.UTC())
	}

	res, err := f.stores.RateLimit.Hit(ctx, "login:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// Denied calls are counted too
	assert.Equal(t, "4", f.mr.HGet(testPrefix+"rl:login:1.2.3.4", "c"))
}

func TestDistributedHit_NewWindowStartsFresh(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.stores.RateLimit.Hit(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
	}

	f.advance(time.Minute)
	res, err := f.stores.RateLimit.Hit(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, epochMinute.Add(2*time.Minute), res.ResetAt.UTC())
}

func TestDistributedHit_SameResetWithinWindow(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	ctx := context.Background()

	first, err := f.stores.RateLimit.Hit(ctx, "k", 10, time.Minute)
	require.NoError(t, err)

	f.advance(58 * time.Second)
	second, err := f.stores.RateLimit.Hit(ctx, "k", 10, time.Minute)
	require.NoError(t, err)

	assert.True(t, first.ResetAt.Equal(second.ResetAt))
	assert.True(t, second.ResetAt.After(epochMinute.Add(59*time.Second)))
}

func TestDistributedHit_DisabledSkipsStorage(t *testing.T) {
	f := setupDistributed(t, FailClosed)

	res, err := f.stores.RateLimit.Hit(context.Background(), "k", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, f.mr.Keys())
}

func TestDistributedHit_Reset(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	ctx := context.Background()

	res, _ := f.stores.RateLimit.Hit(ctx, "k", 1, time.Minute)
	require.True(t, res.Allowed)
	res, _ = f.stores.RateLimit.Hit(ctx, "k", 1, time.Minute)
	require.False(t, res.Allowed)

	require.NoError(t, f.stores.RateLimit.Reset(ctx, "k"))
	assert.False(t, f.mr.Exists(testPrefix+"rl:k"))

	res, _ = f.stores.RateLimit.Hit(ctx, "k", 1, time.Minute)
	assert.True(t, res.Allowed)
}

func TestDistributedHit_Concurrent(t *testing.T) {
	f := setupDistributed(t, FailClosed)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.stores.RateLimit.Hit(context.Background(), "k", 7, time.Minute)
			assert.NoError(t, err)
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, allowed)
}

func TestDistributedAcquire_Scenario(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	cc := f.stores.Concurrency
	ctx := context.Background()

	a, err := cc.Acquire(ctx, "k", 2, 5*time.Second)
	require.NoError(t, err)
	require.True(t, a.Granted)
	assert.Equal(t, epochMinute.Add(6*time.Second), a.ExpiresAt.UTC())

	b, err := cc.Acquire(ctx, "k", 2, 5*time.Second)
	require.NoError(t, err)
	require.True(t, b.Granted)

	denied, err := cc.Acquire(ctx, "k", 2, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, denied.Granted)
	assert.Empty(t, denied.Token)
	assert.Equal(t, 2, denied.Active)

	ok, err := cc.Release(ctx, "k", a.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	c, err := cc.Acquire(ctx, "k", 2, 5*time.Second)
	require.NoError(t, err)
	require.True(t, c.Granted)
	assert.NotEqual(t, a.Token, c.Token)
	assert.NotEqual(t, b.Token, c.Token)

	members, err := f.mr.ZMembers(testPrefix + "cc:k")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.Token, c.Token}, members)
}

func TestDistributedAcquire_TwentyConcurrentLimitFive(t *testing.T) {
	f := setupDistributed(t, FailClosed)

	var mu sync.Mutex
	var tokens []string
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.stores.Concurrency.Acquire(context.Background(), "k", 5, 30*time.Second)
			assert.NoError(t, err)
			if res.Granted {
				mu.Lock()
				tokens = append(tokens, res.Token)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, tokens, 5)
	members, err := f.mr.ZMembers(testPrefix + "cc:k")
	require.NoError(t, err)
	assert.ElementsMatch(t, tokens, members)
}

func TestDistributedRelease_ExactlyOnceAndUnknown(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	cc := f.stores.Concurrency
	ctx := context.Background()

	ok, err := cc.Release(ctx, "nobody", "whatever")
	require.NoError(t, err)
	assert.False(t, ok)

	slot, _ := cc.Acquire(ctx, "k", 3, time.Minute)
	other, _ := cc.Acquire(ctx, "k", 3, time.Minute)

	for _, token := range []string{"", "forged"} {
		ok, err = cc.Release(ctx, "k", token)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	members, _ := f.mr.ZMembers(testPrefix + "cc:k")
	assert.Len(t, members, 2)

	ok, err = cc.Release(ctx, "k", slot.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cc.Release(ctx, "k", slot.Token)
	require.NoError(t, err)
	assert.False(t, ok)

	members, _ = f.mr.ZMembers(testPrefix + "cc:k")
	assert.Equal(t, []string{other.Token}, members)
}

func TestDistributedAcquire_ExpiredSlotsFreeCapacity(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	cc := f.stores.Concurrency
	ctx := context.Background()

	stale, _ := cc.Acquire(ctx, "k", 1, 5*time.Second)
	require.True(t, stale.Granted)

	res, _ := cc.Acquire(ctx, "k", 1, 5*time.Second)
	require.False(t, res.Granted)

	f.advance(5 * time.Second)
	res, err := cc.Acquire(ctx, "k", 1, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	ok, err := cc.Release(ctx, "k", stale.Token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDistributedExtend(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	cc := f.stores.Concurrency
	ctx := context.Background()

	slot, _ := cc.Acquire(ctx, "k", 1, 5*time.Second)
	require.True(t, slot.Granted)

	f.advance(4 * time.Second)
	ok, err := cc.Extend(ctx, "k", slot.Token, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	f.advance(4 * time.Second)
	res, _ := cc.Acquire(ctx, "k", 1, 5*time.Second)
	assert.False(t, res.Granted)

	f.advance(2 * time.Second)
	ok, err = cc.Extend(ctx, "k", slot.Token, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cc.Extend(ctx, "k", "forged", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDistributed_ReloadsScriptsAfterFlush(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	ctx := context.Background()

	first, err := f.stores.Concurrency.Acquire(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, first.Granted)

	admin := goredis.NewClient(&goredis.Options{Addr: f.mr.Addr()})
	defer admin.Close()
	require.NoError(t, admin.ScriptFlush(ctx).Err())

	second, err := f.stores.Concurrency.Acquire(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, second.Granted)
	assert.Equal(t, 2, second.Active)
	assert.Equal(t, uint64(1), f.client.ScriptReloads())
	assert.Equal(t, uint64(1), f.stores.Stats()["script_reloads"])
}

func TestDistributed_FailClosed(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	f.mr.Close()
	ctx := context.Background()

	res, err := f.stores.RateLimit.Hit(ctx, "k", 5, time.Minute)
	require.Error(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assertStorageError(t, err)

	slot, err := f.stores.Concurrency.Acquire(ctx, "k", 5, time.Minute)
	require.Error(t, err)
	assert.False(t, slot.Granted)
	assert.Empty(t, slot.Token)
	assertStorageError(t, err)

	ok, err := f.stores.Concurrency.Release(ctx, "k", "token")
	require.Error(t, err)
	assert.False(t, ok)
	assertStorageError(t, err)

	assertStorageError(t, f.stores.RateLimit.Reset(ctx, "k"))
	assertStorageError(t, f.stores.Health(ctx))
}

func TestDistributed_FailOpen(t *testing.T) {
	f := setupDistributed(t, FailOpen)
	f.mr.Close()
	ctx := context.Background()

	res, err := f.stores.RateLimit.Hit(ctx, "k", 5, time.Minute)
	require.Error(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
	assertStorageError(t, err)

	slot, err := f.stores.Concurrency.Acquire(ctx, "k", 5, time.Minute)
	require.Error(t, err)
	assert.True(t, slot.Granted)
	assert.NotEmpty(t, slot.Token)
	assertStorageError(t, err)
}

func TestDistributed_Validation(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	ctx := context.Background()

	_, err := f.stores.RateLimit.Hit(ctx, "k", 5, 0)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	_, err = f.stores.Concurrency.Acquire(ctx, "k", 0, time.Second)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	_, err = f.stores.Concurrency.Acquire(ctx, "k", 1, 0)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	_, err = f.stores.RateLimit.Hit(ctx, "k", 5, 1500*time.Microsecond)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	_, err = f.stores.Concurrency.Acquire(ctx, "k", 1, time.Second+time.Microsecond)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))

	assert.Empty(t, f.mr.Keys())
}

func TestBackendsAgreeOnResetAt(t *testing.T) {
	f := setupDistributed(t, FailClosed)
	local, _, clock := newLocalStores(t)
	require.True(t, clock.Now().Equal(f.now))
	ctx := context.Background()

	for _, window := range []time.Duration{7 * time.Millisecond, 1500 * time.Millisecond, time.Minute, time.Hour} {
		remote, err := f.stores.RateLimit.Hit(ctx, "agree", 5, window)
		require.NoError(t, err)
		mem, err := local.Hit(ctx, "agree", 5, window)
		require.NoError(t, err)

		assert.True(t, remote.ResetAt.Equal(mem.ResetAt), "window %v: distributed %v, local %v", window, remote.ResetAt, mem.ResetAt)
	}
}

func assertStorageError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrStorageUnavailable))
	assert.True(t, errors.IsType(err, errors.ErrTypeConnection))

	var redisErr goredis.Error
	assert.False(t, stderrors.As(err, &redisErr), "redis error leaked: %v", err)
}
