package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/satsync/stac-ingester/common"
	"github.com/satsync/stac-ingester/interface/catalog"
	db "github.com/satsync/stac-ingester/interface/database"
	"github.com/satsync/stac-ingester/interface/provider"
	"github.com/satsync/stac-ingester/interface/storage"
	"github.com/satsync/stac-ingester/registrar"
	"github.com/satsync/stac-ingester/service"
	"github.com/satsync/stac-ingester/service/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWindowDays = 30
	DefaultWorkers    = 4
	DefaultMaxRetries = 3
)

// ErrCycleRunning is returned when a cycle is started while another one is still running
var ErrCycleRunning = fmt.Errorf("a synchronization cycle is already running")

// Config of the synchronization engine
type Config struct {
	Datasets   []string
	WindowDays int
	Workers    int
	MaxRetries int
	WorkDir    string
}

// Engine drives the scene lifecycle: it discovers the scenes of the rolling
// window, transfers their assets to the object store and registers them in
// the catalog, recording every step in the ledger.
type Engine struct {
	Catalog   catalog.ScenesProvider
	Assets    provider.AssetProvider
	Store     storage.ObjectStore
	Ledger    db.LedgerBackend
	Registrar *registrar.Registrar
	Config

	running    int32
	lastReport atomic.Pointer[CycleReport]
}

// NewEngine creates an Engine with defaulted configuration
func NewEngine(catalogProvider catalog.ScenesProvider, assets provider.AssetProvider, store storage.ObjectStore, ledger db.LedgerBackend, reg *registrar.Registrar, config Config) *Engine {
	if config.WindowDays <= 0 {
		config.WindowDays = DefaultWindowDays
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.WorkDir == "" {
		config.WorkDir = os.TempDir()
	}
	return &Engine{Catalog: catalogProvider, Assets: assets, Store: store, Ledger: ledger, Registrar: reg, Config: config}
}

// LastReport returns the report of the latest finished cycle (nil before the first one)
func (e *Engine) LastReport() *CycleReport {
	return e.lastReport.Load()
}

// RunCycle runs one full synchronization cycle: discovery over the rolling
// window, then processing of every non-terminal scene of the ledger.
// A scene failure never aborts the cycle ; the cycle only fails when the
// remote catalog cannot be reached at all or when a second one is started
// while it runs.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return CycleReport{}, ErrCycleRunning
	}
	defer atomic.StoreInt32(&e.running, 0)

	builder := &reportBuilder{report: CycleReport{Started: time.Now().UTC()}}

	if err := e.discover(ctx, builder); err != nil {
		return builder.report, fmt.Errorf("RunCycle.%w", err)
	}
	if err := e.process(ctx, builder); err != nil {
		return builder.report, fmt.Errorf("RunCycle.%w", err)
	}

	builder.report.Finished = time.Now().UTC()
	e.lastReport.Store(&builder.report)
	log.Logger(ctx).Info("cycle finished",
		zap.Int("discovered", builder.report.Discovered),
		zap.Int("stored", builder.report.Stored),
		zap.Int("registered", builder.report.Registered+builder.report.Replaced+builder.report.Unchanged),
		zap.Int("failed", builder.report.Failed),
		zap.Duration("elapsed", builder.report.Finished.Sub(builder.report.Started)))
	return builder.report, ctx.Err()
}

// discover scans the rolling window day by day, oldest first, and reconciles
// the remote catalog with the ledger. A day that cannot be listed is recorded
// and skipped: discovery of the other days goes on. Only a catalog that could
// not be reached at all fails the cycle.
func (e *Engine) discover(ctx context.Context, builder *reportBuilder) error {
	window := common.NewWindow(time.Now().UTC(), e.WindowDays)
	searched, failed := 0, 0
	var lastErr error
	for _, dataset := range e.Datasets {
		for _, day := range window.Days() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			searched++
			scenes, err := e.Catalog.SearchScenes(ctx, dataset, day)
			if err != nil {
				log.Logger(ctx).Sugar().Warnf("discover[%s %s]: %v", dataset, day.Format("2006-01-02"), err)
				builder.add(func(r *CycleReport) {
					r.DiscoveryErrors = append(r.DiscoveryErrors, fmt.Sprintf("%s %s: %v", dataset, day.Format("2006-01-02"), err))
				})
				failed++
				lastErr = err
				continue
			}
			for _, scene := range scenes {
				if err := e.reconcile(ctx, scene, builder); err != nil {
					log.Logger(ctx).Sugar().Warnf("discover[%s]: %v", scene.SourceID, err)
					builder.add(func(r *CycleReport) {
						r.SceneErrors = append(r.SceneErrors, SceneError{scene.SourceID, err.Error()})
					})
				}
			}
		}
	}
	if searched > 0 && failed == searched {
		return fmt.Errorf("discover: catalog unreachable: %w", lastErr)
	}
	return nil
}

// reconcile merges one remote scene into the ledger
func (e *Engine) reconcile(ctx context.Context, scene common.SceneRecord, builder *reportBuilder) error {
	existing, err := e.Ledger.Scene(ctx, scene.SourceID)
	if err != nil {
		if _, notFound := err.(db.ErrNotFound); !notFound {
			return fmt.Errorf("reconcile.%w", err)
		}
		if err := e.Ledger.CreateScene(ctx, scene); err != nil {
			if _, exists := err.(db.ErrAlreadyExists); exists {
				return nil
			}
			return fmt.Errorf("reconcile.%w", err)
		}
		builder.add(func(r *CycleReport) { r.Discovered++ })
		return nil
	}

	// a changed content hash means the provider re-published the scene: the
	// record goes back to DISCOVERED whatever its state. This is the only
	// regression of the lifecycle.
	if scene.ManifestComplete && scene.ContentHash != existing.ContentHash {
		log.Logger(ctx).Sugar().Infof("%s re-published (hash %.8s -> %.8s), resetting", scene.SourceID, existing.ContentHash, scene.ContentHash)
		if err := e.Ledger.ResetScene(ctx, scene.SourceID, scene.Manifest, scene.ManifestComplete, scene.ContentHash); err != nil {
			return fmt.Errorf("reconcile.%w", err)
		}
		builder.add(func(r *CycleReport) { r.Reset++ })
		return nil
	}

	// before the transfer the manifest is refreshed on every pass: download
	// urls are signed per request and expire
	if existing.State == common.StateDISCOVERED || existing.State == common.StateDOWNLOADING {
		if err := e.Ledger.UpdateSceneManifest(ctx, scene.SourceID, scene.Manifest, scene.ManifestComplete, existing.ContentHash); err != nil {
			return fmt.Errorf("reconcile.%w", err)
		}
		builder.add(func(r *CycleReport) { r.Updated++ })
	}
	return nil
}

// process transfers and registers every non-terminal scene of the ledger
func (e *Engine) process(ctx context.Context, builder *reportBuilder) error {
	var scenes []common.SceneRecord
	for _, state := range []common.TransferState{common.StateDISCOVERED, common.StateDOWNLOADING, common.StateSTORED} {
		records, err := e.Ledger.Scenes(ctx, state, 0)
		if err != nil {
			return fmt.Errorf("process.%w", err)
		}
		scenes = append(scenes, records...)
	}
	if len(scenes) == 0 {
		return nil
	}

	wg, wctx := errgroup.WithContext(ctx)
	jobChan := make(chan common.SceneRecord, len(scenes))

	for i := 0; i < e.Workers && i < len(scenes); i++ {
		wg.Go(func() error { return e.sceneWorker(wctx, jobChan, builder) })
	}

	for _, scene := range scenes {
		jobChan <- scene
	}
	close(jobChan)

	if err := wg.Wait(); err != nil {
		return fmt.Errorf("process.%w", err)
	}
	return nil
}

// sceneWorker processes scenes until the channel is closed. A scene error is
// accounted against the scene, never returned: one bad scene must not stop
// the others.
func (e *Engine) sceneWorker(ctx context.Context, jobs <-chan common.SceneRecord, builder *reportBuilder) error {
	for scene := range jobs {
		select {
		case <-ctx.Done():
		default:
			if err := e.processScene(ctx, scene, builder); err != nil {
				e.accountFailure(ctx, scene, err, builder)
			}
		}
	}
	return nil
}

// processScene advances one scene as far as possible along
// DISCOVERED -> DOWNLOADING -> STORED -> REGISTERED
func (e *Engine) processScene(ctx context.Context, scene common.SceneRecord, builder *reportBuilder) error {
	ctx = log.With(ctx, zap.String("scene", scene.SourceID))

	if !scene.ManifestComplete || len(scene.Manifest) == 0 {
		builder.add(func(r *CycleReport) { r.Waiting++ })
		return nil
	}

	if scene.State == common.StateDISCOVERED || scene.State == common.StateDOWNLOADING {
		if scene.State == common.StateDISCOVERED {
			if err := e.Ledger.UpdateSceneState(ctx, scene.SourceID, []common.TransferState{common.StateDISCOVERED}, common.StateDOWNLOADING, ""); err != nil {
				if _, race := err.(db.ErrConcurrentUpdate); race {
					return nil
				}
				return fmt.Errorf("processScene.%w", err)
			}
		}
		objects, err := e.transferScene(ctx, scene)
		if err != nil {
			return fmt.Errorf("processScene.%w", err)
		}
		if err := e.Ledger.UpdateSceneState(ctx, scene.SourceID, []common.TransferState{common.StateDOWNLOADING}, common.StateSTORED, ""); err != nil {
			return fmt.Errorf("processScene.%w", err)
		}
		if err := e.Ledger.ResetSceneRetries(ctx, scene.SourceID); err != nil {
			return fmt.Errorf("processScene.%w", err)
		}
		builder.add(func(r *CycleReport) { r.Stored++ })
		scene.State = common.StateSTORED
		return e.registerScene(ctx, scene, objects, builder)
	}

	if scene.State == common.StateSTORED {
		objects, err := e.storedObjects(ctx, scene)
		if err != nil {
			return fmt.Errorf("processScene.%w", err)
		}
		return e.registerScene(ctx, scene, objects, builder)
	}
	return nil
}

// transferScene downloads the assets of the manifest and uploads them to the
// object store. Assets already stored with the right size are skipped, so a
// resumed transfer only fetches what is missing. The delivered filenames and
// sizes are persisted back into the manifest: registration must not depend on
// the download urls, which expire.
func (e *Engine) transferScene(ctx context.Context, scene common.SceneRecord) ([]common.ObjectRef, error) {
	workdir := filepath.Join(e.WorkDir, uuid.New().String())
	if err := os.MkdirAll(workdir, 0766); err != nil {
		return nil, service.MakeTemporary(fmt.Errorf("transferScene.MkdirAll: %w", err))
	}
	defer os.RemoveAll(workdir)

	delivered := make(common.AssetManifest, 0, len(scene.Manifest))
	objects := make([]common.ObjectRef, 0, len(scene.Manifest))
	for _, asset := range scene.Manifest {
		info, err := e.Assets.StatAsset(ctx, asset)
		if err != nil {
			return nil, fmt.Errorf("transferScene.%w", err)
		}
		key := scene.ObjectKey(info.Filename)
		delivered = append(delivered, common.Asset{Name: asset.Name, URL: asset.URL, Size: info.Size, Filename: info.Filename})
		objects = append(objects, common.ObjectRef{Bucket: e.Store.Bucket(), Key: key})

		exists, err := e.Store.Exists(ctx, key, info.Size)
		if err != nil {
			return nil, fmt.Errorf("transferScene.%w", err)
		}
		if exists {
			log.Logger(ctx).Sugar().Debugf("%s already stored, skipping", key)
			continue
		}

		localFile := filepath.Join(workdir, info.Filename)
		if err := e.Assets.FetchAsset(ctx, common.Asset{Name: asset.Name, URL: asset.URL, Size: info.Size}, localFile); err != nil {
			return nil, fmt.Errorf("transferScene.%w", err)
		}
		if err := e.Store.Upload(ctx, key, localFile); err != nil {
			return nil, fmt.Errorf("transferScene.%w", err)
		}
		os.Remove(localFile)
		log.Logger(ctx).Sugar().Infof("stored %s (%s)", key, asset.Name)
	}

	if err := e.Ledger.UpdateSceneManifest(ctx, scene.SourceID, delivered, true, scene.ContentHash); err != nil {
		return nil, fmt.Errorf("transferScene.%w", err)
	}
	return objects, nil
}

// storedObjects resolves the object keys persisted at transfer time and
// checks that the objects are all still there. No provider request is made:
// the download urls of a scene stored in an earlier cycle may be expired.
func (e *Engine) storedObjects(ctx context.Context, scene common.SceneRecord) ([]common.ObjectRef, error) {
	objects := make([]common.ObjectRef, 0, len(scene.Manifest))
	for _, asset := range scene.Manifest {
		if asset.Filename == "" {
			return nil, service.MakeTemporary(fmt.Errorf("storedObjects: no delivered filename recorded for %s", asset.Name))
		}
		key := scene.ObjectKey(asset.Filename)
		exists, err := e.Store.Exists(ctx, key, asset.Size)
		if err != nil {
			return nil, fmt.Errorf("storedObjects.%w", err)
		}
		if !exists {
			return nil, service.MakeTemporary(fmt.Errorf("storedObjects: %s is missing from the store", key))
		}
		objects = append(objects, common.ObjectRef{Bucket: e.Store.Bucket(), Key: key})
	}
	return objects, nil
}

// registerScene upserts the catalog item of a stored scene and closes the lifecycle
func (e *Engine) registerScene(ctx context.Context, scene common.SceneRecord, objects []common.ObjectRef, builder *reportBuilder) error {
	result, err := e.Registrar.Register(ctx, scene, e.Store.Bucket(), objects)
	if err != nil {
		if _, conflict := err.(registrar.ErrConflict); conflict {
			// somebody else owns this item: no amount of retrying helps
			return service.MakeFatal(fmt.Errorf("registerScene: %w", err))
		}
		return fmt.Errorf("registerScene.%w", err)
	}

	if err := e.Ledger.UpdateSceneState(ctx, scene.SourceID, []common.TransferState{common.StateSTORED}, common.StateREGISTERED, ""); err != nil {
		return fmt.Errorf("registerScene.%w", err)
	}
	if err := e.Ledger.ResetSceneRetries(ctx, scene.SourceID); err != nil {
		return fmt.Errorf("registerScene.%w", err)
	}
	builder.add(func(r *CycleReport) {
		switch result {
		case registrar.UpsertCreated:
			r.Registered++
		case registrar.UpsertReplaced:
			r.Replaced++
		case registrar.UpsertUnchanged:
			r.Unchanged++
		}
	})
	return nil
}

// accountFailure records a scene error: fatal errors and scenes out of
// retries become FAILED, anything else stays in place for the next cycle
func (e *Engine) accountFailure(ctx context.Context, scene common.SceneRecord, sceneErr error, builder *reportBuilder) {
	log.Logger(ctx).Sugar().Warnf("scene %s: %v", scene.SourceID, sceneErr)
	builder.add(func(r *CycleReport) {
		r.SceneErrors = append(r.SceneErrors, SceneError{scene.SourceID, sceneErr.Error()})
	})

	retries, err := e.Ledger.IncrementSceneRetries(ctx, scene.SourceID, sceneErr.Error())
	if err != nil {
		log.Logger(ctx).Sugar().Errorf("accountFailure[%s]: %v", scene.SourceID, err)
		return
	}

	if service.Fatal(sceneErr) || retries >= e.MaxRetries {
		states := []common.TransferState{common.StateDISCOVERED, common.StateDOWNLOADING, common.StateSTORED}
		if err := e.Ledger.UpdateSceneState(ctx, scene.SourceID, states, common.StateFAILED, sceneErr.Error()); err != nil {
			log.Logger(ctx).Sugar().Errorf("accountFailure[%s]: %v", scene.SourceID, err)
			return
		}
		builder.add(func(r *CycleReport) { r.Failed++ })
		return
	}
	builder.add(func(r *CycleReport) { r.Retried++ })
}
