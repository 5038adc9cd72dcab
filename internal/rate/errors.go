package rate

import "errors"

var (
	// ErrRateLimited reports that a throttle window is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable reports a failed throttle counter operation.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
