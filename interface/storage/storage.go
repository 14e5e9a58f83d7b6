// Package storage exposes the object-store capability consumed by the
// synchronization engine and the signed-reference relay.
package storage

import (
	"context"
	"time"
)

// ObjectStore stores and serves the transferred scene assets of one bucket
type ObjectStore interface {
	// Exists returns whether the object is present. When expectedSize > 0 and
	// the stored size differs, the stale object is deleted and false is
	// returned so that the caller re-uploads it whole.
	Exists(ctx context.Context, key string, expectedSize int64) (bool, error)
	// Upload persists the local file under the given key
	Upload(ctx context.Context, key, localFile string) error
	// Delete removes the object. Deleting an absent object is not an error.
	Delete(ctx context.Context, key string) error
	// SignedURL mints a credential-free URL granting access to the object
	// until the ttl elapses. Each call re-signs.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Bucket this store writes to
	Bucket() string
}
