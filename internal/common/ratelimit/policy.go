package ratelimit

import (
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"chat-backend/internal/common/errors"
)

// ErrStorageUnavailable is wrapped by every error caused by the backing
// store being unreachable, timing out or rejecting calls.
var ErrStorageUnavailable = stderrors.New("limits storage unavailable")

// storageError hides the backend error behind ErrStorageUnavailable. The
// backend's message is kept as context for logs only.
func storageError(op string, cause error) *errors.AppError {
	appErr := errors.ConnectionError("limits storage unavailable", ErrStorageUnavailable).
		WithContext("op", op)
	if cause != nil {
		appErr.WithContext("reason", cause.Error())
	}
	return appErr
}

// Durations are whole milliseconds so both backends see the same window
// boundaries and expiries as Redis does.
func validateWindow(window time.Duration) error {
	if window < time.Millisecond || window%time.Millisecond != 0 {
		return errors.ValidationError("window must be a whole number of milliseconds, at least 1ms").
			WithContext("window", window.String())
	}
	return nil
}

func validateSlot(limit int, ttl time.Duration) error {
	if limit <= 0 {
		return errors.ValidationError("concurrency limit must be positive").
			WithContext("limit", limit)
	}
	return validateTTL(ttl)
}

func validateTTL(ttl time.Duration) error {
	if ttl < time.Millisecond || ttl%time.Millisecond != 0 {
		return errors.ValidationError("ttl must be a whole number of milliseconds, at least 1ms").
			WithContext("ttl", ttl.String())
	}
	return nil
}

// windowReset returns the start of the window following the one holding now.
// Windows are aligned to multiples of window since the Unix epoch.
func windowReset(now time.Time, window time.Duration) time.Time {
	size := window.Nanoseconds()
	idx := now.UnixNano() / size
	return time.Unix(0, (idx+1)*size)
}

// disabledHit is the result for limit <= 0. It never touches storage.
func disabledHit(now time.Time, limit int, window time.Duration) HitResult {
	reset := now
	if window > 0 {
		reset = windowReset(now, window)
	}
	return HitResult{Allowed: true, Remaining: 0, ResetAt: reset, Limit: limit}
}

func remaining(limit int, count int64) int {
	if count >= int64(limit) {
		return 0
	}
	return limit - int(count)
}

// hitOnFailure shapes a Hit result when storage could not be consulted
func (p FailurePolicy) hitOnFailure(now time.Time, limit int, window time.Duration) HitResult {
	res := HitResult{ResetAt: windowReset(now, window), Limit: limit}
	if p == FailOpen {
		res.Allowed = true
		res.Remaining = limit
	}
	return res
}

// acquireOnFailure shapes an Acquire result when storage could not be
// consulted. A fail-open grant carries a token that no store knows about,
// so releasing it later returns false.
func (p FailurePolicy) acquireOnFailure(now time.Time, ttl time.Duration) AcquireResult {
	if p != FailOpen {
		return AcquireResult{}
	}
	return AcquireResult{
		Granted:   true,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}
}
