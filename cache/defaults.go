package cache

import "time"

// Fallbacks for zero-valued Options fields.
const (
	defaultTTL          = 10 * time.Minute
	defaultGenRetention = 30 * 24 * time.Hour
	defaultSweep        = time.Hour
)

func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
