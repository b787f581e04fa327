package cache

import "errors"

var (
	ErrNilClient   = errors.New("redis client is nil")
	ErrMissingAddr = errors.New("redis address is required")
	ErrInvalidTTL  = errors.New("cache ttl must be positive")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("gps cache unavailable")
)
