package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/satsync/stac-ingester/common"
	db "github.com/satsync/stac-ingester/interface/database"
)

// Backend implements db.LedgerBackend using Postgres
type Backend struct {
	*sql.DB
}

/* http://www.postgresql.org/docs/9.3/static/errcodes-appendix.html */
const (
	noError         = "00000"
	uniqueViolation = "23505"

	notPqError = "X"
)

func pqErrorCode(err error) pq.ErrorCode {
	if err == nil {
		return noError
	}
	var pqerr *pq.Error
	if errors.As(err, &pqerr) {
		return pqerr.Code
	}
	return notPqError
}

// New creates a new ledger backend using Postgres
func New(ctx context.Context, dbConnection string) (*Backend, error) {
	pgdb, err := sql.Open("postgres", dbConnection)
	if err != nil {
		return nil, fmt.Errorf("sql.open: %w", err)
	}
	if err := pgdb.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pg.Ping: %w", err)
	}
	return &Backend{pgdb}, nil
}

const sceneColumns = "source_id, display_id, dataset, acquisition_date, geometry, content_hash, manifest, manifest_complete, state, retries, message"

func scanScene(s interface {
	Scan(dest ...interface{}) error
}) (common.SceneRecord, error) {
	var rec common.SceneRecord
	err := s.Scan(&rec.SourceID, &rec.DisplayID, &rec.Dataset, &rec.AcquisitionDate, &rec.Geometry,
		&rec.ContentHash, &rec.Manifest, &rec.ManifestComplete, &rec.State, &rec.Retries, &rec.Message)
	return rec, err
}

// CreateScene implements db.LedgerBackend
func (b *Backend) CreateScene(ctx context.Context, rec common.SceneRecord) error {
	_, err := b.ExecContext(ctx,
		"insert into scene ("+sceneColumns+") values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		rec.SourceID, rec.DisplayID, rec.Dataset, rec.AcquisitionDate, []byte(rec.Geometry),
		rec.ContentHash, rec.Manifest, rec.ManifestComplete, rec.State, rec.Retries, rec.Message)
	switch pqErrorCode(err) {
	case noError:
		return nil
	case uniqueViolation:
		return db.ErrAlreadyExists{Type: "scene", ID: rec.SourceID}
	default:
		return fmt.Errorf("CreateScene.exec: %w", err)
	}
}

// Scene implements db.LedgerBackend
func (b *Backend) Scene(ctx context.Context, sourceID string) (common.SceneRecord, error) {
	rec, err := scanScene(b.QueryRowContext(ctx,
		"select "+sceneColumns+" from scene where source_id = $1", sourceID))
	switch {
	case err == sql.ErrNoRows:
		return common.SceneRecord{}, db.ErrNotFound{Type: "scene", ID: sourceID}
	case err != nil:
		return common.SceneRecord{}, fmt.Errorf("Scene.scan: %w", err)
	}
	return rec, nil
}

// Scenes implements db.LedgerBackend
func (b *Backend) Scenes(ctx context.Context, state common.TransferState, limit int) ([]common.SceneRecord, error) {
	query := "select " + sceneColumns + " from scene where state = $1 order by acquisition_date, source_id"
	args := []interface{}{state}
	if limit > 0 {
		query += " limit $2"
		args = append(args, limit)
	}
	rows, err := b.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Scenes.query: %w", err)
	}
	defer rows.Close()
	var recs []common.SceneRecord
	for rows.Next() {
		rec, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("Scenes.scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Scenes.rows: %w", err)
	}
	return recs, nil
}

// UpdateSceneState implements db.LedgerBackend
func (b *Backend) UpdateSceneState(ctx context.Context, sourceID string, from []common.TransferState, to common.TransferState, message string) error {
	if err := db.ValidateTransition(from, to); err != nil {
		return err
	}
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = s.String()
	}
	res, err := b.ExecContext(ctx,
		"update scene set state = $1, message = $2, updated_at = now() where source_id = $3 and state = any($4)",
		to, message, sourceID, pq.Array(states))
	if err != nil {
		return fmt.Errorf("UpdateSceneState.exec: %w", err)
	}
	return b.casResult(ctx, res, sourceID)
}

// UpdateSceneManifest implements db.LedgerBackend
func (b *Backend) UpdateSceneManifest(ctx context.Context, sourceID string, manifest common.AssetManifest, complete bool, contentHash string) error {
	res, err := b.ExecContext(ctx,
		"update scene set manifest = $1, manifest_complete = $2, content_hash = $3, updated_at = now() where source_id = $4",
		manifest, complete, contentHash, sourceID)
	if err != nil {
		return fmt.Errorf("UpdateSceneManifest.exec: %w", err)
	}
	return b.foundResult(res, sourceID)
}

// IncrementSceneRetries implements db.LedgerBackend
func (b *Backend) IncrementSceneRetries(ctx context.Context, sourceID, message string) (int, error) {
	var retries int
	err := b.QueryRowContext(ctx,
		"update scene set retries = retries + 1, message = $1, updated_at = now() where source_id = $2 returning retries",
		message, sourceID).Scan(&retries)
	switch {
	case err == sql.ErrNoRows:
		return 0, db.ErrNotFound{Type: "scene", ID: sourceID}
	case err != nil:
		return 0, fmt.Errorf("IncrementSceneRetries: %w", err)
	}
	return retries, nil
}

// ResetSceneRetries implements db.LedgerBackend
func (b *Backend) ResetSceneRetries(ctx context.Context, sourceID string) error {
	res, err := b.ExecContext(ctx,
		"update scene set retries = 0, message = '', updated_at = now() where source_id = $1", sourceID)
	if err != nil {
		return fmt.Errorf("ResetSceneRetries.exec: %w", err)
	}
	return b.foundResult(res, sourceID)
}

// ResetScene implements db.LedgerBackend
func (b *Backend) ResetScene(ctx context.Context, sourceID string, manifest common.AssetManifest, complete bool, contentHash string) error {
	res, err := b.ExecContext(ctx,
		"update scene set state = $1, manifest = $2, manifest_complete = $3, content_hash = $4, retries = 0, message = '', updated_at = now() where source_id = $5",
		common.StateDISCOVERED, manifest, complete, contentHash, sourceID)
	if err != nil {
		return fmt.Errorf("ResetScene.exec: %w", err)
	}
	return b.foundResult(res, sourceID)
}

func (b *Backend) casResult(ctx context.Context, res sql.Result, sourceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 1 {
		return nil
	}
	// distinguish a missing record from a lost race
	if _, err := b.Scene(ctx, sourceID); err != nil {
		return err
	}
	return db.ErrConcurrentUpdate{ID: sourceID}
}

func (b *Backend) foundResult(res sql.Result, sourceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		return db.ErrNotFound{Type: "scene", ID: sourceID}
	}
	return nil
}
