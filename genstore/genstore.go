// Package genstore keeps the per-key generation counters that guard cache
// fills. A fill carries the generation observed before the store read; it is
// dropped if an invalidation bumped the counter in between.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use Local for a single process, or Redis to share generations across replicas.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, storageKey string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, storageKey string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
