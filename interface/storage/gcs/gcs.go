package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/satsync/stac-ingester/service"
	"github.com/satsync/stac-ingester/service/log"
)

// ObjectStore implements storage.ObjectStore against a Google Storage bucket
type ObjectStore struct {
	client *gstorage.Client
	bucket string
}

// New creates a new Google Storage object store using application-default credentials
func New(ctx context.Context, bucket string) (*ObjectStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs.New: missing bucket")
	}
	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs.New: %w", err)
	}
	return &ObjectStore{client: client, bucket: bucket}, nil
}

// Bucket implements storage.ObjectStore
func (g *ObjectStore) Bucket() string {
	return g.bucket
}

// Exists implements storage.ObjectStore
func (g *ObjectStore) Exists(ctx context.Context, key string, expectedSize int64) (bool, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, gstorage.ErrObjectNotExist) {
			return false, nil
		}
		return false, service.MakeTemporary(fmt.Errorf("Exists.Attrs: %w", err))
	}

	if expectedSize > 0 && attrs.Size != expectedSize {
		// stale partial upload: drop it and report absent so it is redone
		log.Logger(ctx).Sugar().Warnf("object %s length (%d) does not match expected length (%d), deleting",
			key, attrs.Size, expectedSize)
		if err := g.Delete(ctx, key); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Upload implements storage.ObjectStore
func (g *ObjectStore) Upload(ctx context.Context, key, localFile string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return fmt.Errorf("Upload.Open: %w", err)
	}
	defer f.Close()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return service.MakeTemporary(fmt.Errorf("Upload[%s]: %w", key, err))
	}
	if err := w.Close(); err != nil {
		return service.MakeTemporary(fmt.Errorf("Upload[%s].Close: %w", key, err))
	}
	return nil
}

// Delete implements storage.ObjectStore
func (g *ObjectStore) Delete(ctx context.Context, key string) error {
	if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil && !errors.Is(err, gstorage.ErrObjectNotExist) {
		return service.MakeTemporary(fmt.Errorf("Delete[%s]: %w", key, err))
	}
	return nil
}

// SignedURL implements storage.ObjectStore
func (g *ObjectStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	url, err := g.client.Bucket(g.bucket).SignedURL(key, &gstorage.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  gstorage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("SignedURL[%s]: %w", key, err)
	}
	return url, nil
}
