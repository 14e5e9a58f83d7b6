// Package inmemory provides a non-durable LedgerBackend for tests and local runs.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/satsync/stac-ingester/common"
	db "github.com/satsync/stac-ingester/interface/database"
)

// Backend implements db.LedgerBackend in memory
type Backend struct {
	mu     sync.Mutex
	scenes map[string]common.SceneRecord
}

func New() *Backend {
	return &Backend{scenes: map[string]common.SceneRecord{}}
}

// CreateScene implements db.LedgerBackend
func (b *Backend) CreateScene(ctx context.Context, rec common.SceneRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.scenes[rec.SourceID]; ok {
		return db.ErrAlreadyExists{Type: "scene", ID: rec.SourceID}
	}
	b.scenes[rec.SourceID] = rec
	return nil
}

// Scene implements db.LedgerBackend
func (b *Backend) Scene(ctx context.Context, sourceID string) (common.SceneRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.scenes[sourceID]
	if !ok {
		return common.SceneRecord{}, db.ErrNotFound{Type: "scene", ID: sourceID}
	}
	return rec, nil
}

// Scenes implements db.LedgerBackend
func (b *Backend) Scenes(ctx context.Context, state common.TransferState, limit int) ([]common.SceneRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var recs []common.SceneRecord
	for _, rec := range b.scenes {
		if rec.State == state {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].AcquisitionDate.Equal(recs[j].AcquisitionDate) {
			return recs[i].AcquisitionDate.Before(recs[j].AcquisitionDate)
		}
		return recs[i].SourceID < recs[j].SourceID
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// UpdateSceneState implements db.LedgerBackend
func (b *Backend) UpdateSceneState(ctx context.Context, sourceID string, from []common.TransferState, to common.TransferState, message string) error {
	if err := db.ValidateTransition(from, to); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.scenes[sourceID]
	if !ok {
		return db.ErrNotFound{Type: "scene", ID: sourceID}
	}
	for _, f := range from {
		if rec.State == f {
			rec.State = to
			rec.Message = message
			b.scenes[sourceID] = rec
			return nil
		}
	}
	return db.ErrConcurrentUpdate{ID: sourceID}
}

// UpdateSceneManifest implements db.LedgerBackend
func (b *Backend) UpdateSceneManifest(ctx context.Context, sourceID string, manifest common.AssetManifest, complete bool, contentHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.scenes[sourceID]
	if !ok {
		return db.ErrNotFound{Type: "scene", ID: sourceID}
	}
	rec.Manifest = manifest
	rec.ManifestComplete = complete
	rec.ContentHash = contentHash
	b.scenes[sourceID] = rec
	return nil
}

// IncrementSceneRetries implements db.LedgerBackend
func (b *Backend) IncrementSceneRetries(ctx context.Context, sourceID, message string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.scenes[sourceID]
	if !ok {
		return 0, db.ErrNotFound{Type: "scene", ID: sourceID}
	}
	rec.Retries++
	rec.Message = message
	b.scenes[sourceID] = rec
	return rec.Retries, nil
}

// ResetSceneRetries implements db.LedgerBackend
func (b *Backend) ResetSceneRetries(ctx context.Context, sourceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.scenes[sourceID]
	if !ok {
		return db.ErrNotFound{Type: "scene", ID: sourceID}
	}
	rec.Retries = 0
	rec.Message = ""
	b.scenes[sourceID] = rec
	return nil
}

// ResetScene implements db.LedgerBackend
func (b *Backend) ResetScene(ctx context.Context, sourceID string, manifest common.AssetManifest, complete bool, contentHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.scenes[sourceID]
	if !ok {
		return db.ErrNotFound{Type: "scene", ID: sourceID}
	}
	rec.State = common.StateDISCOVERED
	rec.Manifest = manifest
	rec.ManifestComplete = complete
	rec.ContentHash = contentHash
	rec.Retries = 0
	rec.Message = ""
	b.scenes[sourceID] = rec
	return nil
}
