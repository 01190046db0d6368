// Package cache memoizes the raw key set document behind a narrow store contract.
// Expiry and eviction belong to the store; the key cache only distinguishes a
// present entry from an absent one.
package cache

import "context"

// Store is the cache collaborator. Get reports found=false for an absent key;
// an error means the store itself failed.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// Deleter is implemented by stores that support explicit invalidation.
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}
