// Package metadata is the key/value table in the client's SQLite file. The
// session service keeps the current tokens in it.
package metadata

import (
	"context"
)

type Repository interface {
	// Get returns (nil, nil) for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetAll upserts every pair. Run it inside dbx.WithTx to make the batch
	// atomic.
	SetAll(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
}
