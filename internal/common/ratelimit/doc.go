// Package ratelimit provides the two limit contracts used by the chat backend
// and their local (in-memory) and distributed (Redis-backed) implementations.
//
// A RateLimitStore answers "may this key perform one more operation in the
// current window?"; a ConcurrencyStore hands out at most N concurrently held
// slots per key, each identified by an ownership token.
//
// # Basic Usage
//
//	stores, err := ratelimit.New(ratelimit.Config{
//		Backend:   ratelimit.BackendDistributed,
//		KeyPrefix: "chat:limits:",
//		Redis:     redis.Config{Address: "localhost:6379"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer stores.Close()
//
//	res, err := stores.RateLimit.Hit(ctx, "login:"+ip, 5, time.Minute)
//	if !res.Allowed {
//		// reject, retry after res.ResetAt
//	}
//
//	slot, err := stores.Concurrency.Acquire(ctx, "stream:"+userID, 2, 30*time.Second)
//	if slot.Granted {
//		defer stores.Concurrency.Release(ctx, "stream:"+userID, slot.Token)
//	}
//
// # Windows
//
// Windows are aligned to multiples of the window length since the Unix epoch
// and ResetAt is always the start of the next window. The distributed backend
// keeps one counter per window, so up to 2×limit calls can pass across a
// window boundary. The local backend keeps a sliding log of the last limit
// calls, which ages entries individually and does not have that burst.
// Every call is counted, including denied ones.
//
// For the local backend ResetAt is advisory: a key that used its whole limit
// just after a window started is still denied at ResetAt, until its oldest
// logged call is a full window old. The distributed backend admits calls
// again exactly at ResetAt.
//
// Windows and TTLs must be whole milliseconds, the resolution of Redis
// scores and expiries; anything else is a validation error.
//
// # Failure Policy
//
// When the backing store is unreachable, calls return a connection error
// wrapping ErrStorageUnavailable together with a result shaped by the
// configured FailurePolicy. FailClosed, the default, denies; FailOpen allows
// and grants slots that are not recorded anywhere.
//
// # Time
//
// The distributed backend reads the current time from the Redis server
// (TIME) inside every script, so window boundaries and slot expiry agree
// across processes whatever their local clocks say. The local backend uses
// the process clock.
package ratelimit
