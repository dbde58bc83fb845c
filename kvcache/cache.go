package kvcache

import (
	"errors"

	"github.com/ollama/swarm/ml"
)

var (
	ErrShapeMismatch    = errors.New("kv cache entry shape mismatch")
	ErrCapacityExceeded = errors.New("kv cache capacity exceeded")
	ErrInvalidPosition  = errors.New("position outside of cached range")
)

// Cache holds the attention history of one layer for one session.
type Cache interface {
	// ** used by sessions **

	// View returns the cached history converted to the format a block
	// consumes. An empty cache returns an Entry with nil tensors.
	View(ctx ml.Context, f Format) (Entry, error)

	// Extend appends the positions in e, which is laid out as described by
	// f, and returns the collapsed history. If the cache cannot hold the new
	// positions it returns ErrCapacityExceeded and is left unchanged.
	Extend(ctx ml.Context, e Entry, f Format) (Entry, error)

	// Len is the number of cached positions
	Len() int

	// Capacity is the maximum number of positions the cache can hold
	Capacity() int

	// ** cache management **

	// Truncate discards every position at or after n.
	Truncate(n int) error

	// Snapshot copies the cached history out of the backend so it can be
	// restored into a cache owned by another session.
	Snapshot(ctx ml.Context) (Snapshot, error)

	// Restore replaces the cache contents with s.
	Restore(ctx ml.Context, s Snapshot) error

	// Close releases the cache storage
	Close()
}
