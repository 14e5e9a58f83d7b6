package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/satsync/stac-ingester/common"
	"github.com/satsync/stac-ingester/interface/storage"
	"github.com/satsync/stac-ingester/service/log"
)

const DefaultTTL = 15 * time.Minute

// ErrInvalidReference is an error returned when a reference cannot name an object
type ErrInvalidReference struct {
	Ref string
}

func (e ErrInvalidReference) Error() string {
	return fmt.Sprintf("Invalid reference: %s", e.Ref)
}

// ErrNotFound is an error returned when a reference names no served object
type ErrNotFound struct {
	Ref string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("Not found: %s", e.Ref)
}

// Relay translates public object references into short-lived signed urls.
// It keeps no state: every request is resolved against the store.
type Relay struct {
	Store storage.ObjectStore
	TTL   time.Duration
}

// NewRelay creates a Relay signing urls valid for ttl
func NewRelay(store storage.ObjectStore, ttl time.Duration) *Relay {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Relay{Store: store, TTL: ttl}
}

// Resolve returns a signed url for the object named by ref ("bucket/key").
// References outside the served bucket are reported as not found, not as
// invalid: whether the bucket exists is not disclosed.
func (r *Relay) Resolve(ctx context.Context, ref string) (string, error) {
	objectRef, err := common.ParseObjectRef(ref)
	if err != nil {
		return "", ErrInvalidReference{ref}
	}
	if objectRef.Bucket != r.Store.Bucket() {
		return "", ErrNotFound{ref}
	}

	exists, err := r.Store.Exists(ctx, objectRef.Key, 0)
	if err != nil {
		return "", fmt.Errorf("Resolve[%s]: %w", ref, err)
	}
	if !exists {
		return "", ErrNotFound{ref}
	}

	url, err := r.Store.SignedURL(ctx, objectRef.Key, r.TTL)
	if err != nil {
		return "", fmt.Errorf("Resolve[%s]: %w", ref, err)
	}
	log.Logger(ctx).Sugar().Debugf("resolved %s (valid %s)", ref, r.TTL)
	return url, nil
}
