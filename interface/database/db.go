package db

import (
	"context"
	"fmt"

	"github.com/satsync/stac-ingester/common"
)

type ErrAlreadyExists struct {
	Type, ID string
}

func (e ErrAlreadyExists) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Type, e.ID)
}

type ErrNotFound struct {
	Type, ID string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Type, e.ID)
}

// ErrConcurrentUpdate is returned by a compare-and-swap whose expected state
// did not match the stored one (lost race or illegal transition)
type ErrConcurrentUpdate struct {
	ID string
}

func (e ErrConcurrentUpdate) Error() string {
	return fmt.Sprintf("concurrent update on scene: %s", e.ID)
}

// ErrIllegalTransition is returned when a state update does not follow the
// lifecycle order (common.TransferState.CanTransition)
type ErrIllegalTransition struct {
	From, To common.TransferState
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// ValidateTransition checks every requested from -> to pair against the
// lifecycle order. Backends call it before applying an UpdateSceneState.
func ValidateTransition(from []common.TransferState, to common.TransferState) error {
	for _, f := range from {
		if !f.CanTransition(to) {
			return ErrIllegalTransition{From: f, To: to}
		}
	}
	return nil
}

// LedgerBackend is the durable record of which scenes have been transferred
// and registered. All state changes go through compare-and-swap updates so
// that two overlapping cycles cannot race on the same record.
type LedgerBackend interface {
	// Create a new scene record, may return ErrAlreadyExists
	CreateScene(ctx context.Context, record common.SceneRecord) error
	// Get the scene with the given sourceID, may return ErrNotFound
	Scene(ctx context.Context, sourceID string) (common.SceneRecord, error)
	// List scenes in the given state (limit<=0: no limit)
	Scenes(ctx context.Context, state common.TransferState, limit int) ([]common.SceneRecord, error)
	// Compare-and-swap the scene state: the update applies only if the current
	// state is one of `from`, and every requested transition must follow the
	// lifecycle order. May return ErrNotFound, ErrConcurrentUpdate or
	// ErrIllegalTransition.
	UpdateSceneState(ctx context.Context, sourceID string, from []common.TransferState, to common.TransferState, message string) error
	// Update the manifest observed on the remote catalog
	UpdateSceneManifest(ctx context.Context, sourceID string, manifest common.AssetManifest, complete bool, contentHash string) error
	// Increment the consecutive-failure counter, returning the new count
	IncrementSceneRetries(ctx context.Context, sourceID, message string) (int, error)
	// Reset the consecutive-failure counter after a successful step
	ResetSceneRetries(ctx context.Context, sourceID string) error
	// ResetScene puts the record back to DISCOVERED with a fresh manifest and
	// content hash. This is the sole regression path of the lifecycle, used
	// when the provider re-published a scene or for a manual retry of a
	// FAILED record. May return ErrNotFound.
	ResetScene(ctx context.Context, sourceID string, manifest common.AssetManifest, complete bool, contentHash string) error
}
