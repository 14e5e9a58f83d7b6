package ingestion_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/satsync/stac-ingester/common"
	"github.com/satsync/stac-ingester/ingestion"
	"github.com/satsync/stac-ingester/interface/database/inmemory"
	"github.com/satsync/stac-ingester/interface/provider"
	"github.com/satsync/stac-ingester/registrar"
)

// blockingCatalog holds the first search until released
type blockingCatalog struct {
	inner   *MokeCatalog
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingCatalog) Name() string { return c.inner.Name() }

func (c *blockingCatalog) SearchScenes(ctx context.Context, dataset string, day time.Time) ([]common.SceneRecord, error) {
	c.once.Do(func() {
		close(c.started)
		<-c.release
	})
	return c.inner.SearchScenes(ctx, dataset, day)
}

var _ = Describe("Engine", func() {
	var (
		ctx      context.Context
		catalog  *MokeCatalog
		assets   *MokeAssets
		store    *MokeStore
		ledger   *inmemory.Backend
		stacAPI  *MokeStacAPI
		engine   *ingestion.Engine
		workDir  string
		today    time.Time
		sceneDay time.Time
	)

	newScene := func(sourceID, displayID, hash string, complete bool) common.SceneRecord {
		return common.SceneRecord{
			SourceID:        sourceID,
			DisplayID:       displayID,
			Dataset:         "landsat_ot_c2_l2",
			AcquisitionDate: sceneDay.Add(9 * time.Hour),
			Geometry:        json.RawMessage(`{"type":"Polygon","coordinates":[[[14,49],[16,49],[16,50],[14,50],[14,49]]]}`),
			ContentHash:     hash,
			Manifest: common.AssetManifest{
				{Name: displayID, URL: "https://dds/" + sourceID, Size: 64},
			},
			ManifestComplete: complete,
			State:            common.StateDISCOVERED,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		today = time.Now().UTC()
		sceneDay = today.Truncate(24 * time.Hour).AddDate(0, 0, -3)
		catalog = &MokeCatalog{failDays: map[string]error{}}
		assets = &MokeAssets{failURLs: map[string]error{}, failStats: map[string]error{}}
		store = NewMokeStore("scenes")
		ledger = inmemory.New()
		stacAPI = NewMokeStacAPI()
		workDir, _ = os.MkdirTemp("", "ingestion-test")
		engine = ingestion.NewEngine(catalog, assets, store, ledger,
			registrar.NewRegistrar(stacAPI, "http://relay:8080"),
			ingestion.Config{
				Datasets:   []string{"landsat_ot_c2_l2"},
				WindowDays: 10,
				Workers:    2,
				MaxRetries: 2,
				WorkDir:    workDir,
			})
	})

	AfterEach(func() {
		os.RemoveAll(workDir)
	})

	Describe("running a cycle", func() {
		It("should transfer and register the discovered scenes", func() {
			catalog.setScene(newScene("LC81920252024061", "LC08_A", "hash-a", true))
			catalog.setScene(newScene("LC81920262024061", "LC08_B", "hash-b", true))

			report, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Discovered).To(Equal(2))
			Expect(report.Stored).To(Equal(2))
			Expect(report.Registered).To(Equal(2))
			Expect(report.Failed).To(Equal(0))

			// window scanned oldest first
			Expect(len(catalog.searched)).To(Equal(11))
			Expect(catalog.searched[0] < catalog.searched[10]).To(BeTrue())

			scene, err := ledger.Scene(ctx, "LC81920252024061")
			Expect(err).NotTo(HaveOccurred())
			Expect(scene.State).To(Equal(common.StateREGISTERED))
			Expect(store.objects).To(HaveKey("landsat_ot_c2_l2/LC08_A.tar"))
			Expect(stacAPI.items).To(HaveKey("landsat_ot_c2_l2/LC08_A"))
		})

		It("should be idempotent from one cycle to the next", func() {
			catalog.setScene(newScene("LC81920252024061", "LC08_A", "hash-a", true))

			_, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			uploads, posts := store.uploads, stacAPI.posts

			report, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Discovered).To(Equal(0))
			Expect(report.Stored).To(Equal(0))
			Expect(store.uploads).To(Equal(uploads))
			Expect(stacAPI.posts).To(Equal(posts))
		})

		It("should refuse a second concurrent cycle", func() {
			blocking := &blockingCatalog{inner: catalog, started: make(chan struct{}), release: make(chan struct{})}
			engine = ingestion.NewEngine(blocking, assets, store, ledger,
				registrar.NewRegistrar(stacAPI, "http://relay:8080"),
				ingestion.Config{Datasets: []string{"landsat_ot_c2_l2"}, WindowDays: 1, WorkDir: workDir})

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				_, err := engine.RunCycle(ctx)
				Expect(err).NotTo(HaveOccurred())
			}()

			<-blocking.started
			_, err := engine.RunCycle(ctx)
			Expect(err).To(Equal(ingestion.ErrCycleRunning))
			close(blocking.release)
			<-done
		})

		It("should keep scenes with an incomplete manifest waiting", func() {
			catalog.setScene(newScene("LC81920252024061", "LC08_A", "hash-a", false))

			report, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Discovered).To(Equal(1))
			Expect(report.Waiting).To(Equal(1))
			Expect(report.Stored).To(Equal(0))

			scene, err := ledger.Scene(ctx, "LC81920252024061")
			Expect(err).NotTo(HaveOccurred())
			Expect(scene.State).To(Equal(common.StateDISCOVERED))

			// the provider finished staging: next cycle completes the scene
			catalog.setScene(newScene("LC81920252024061", "LC08_A", "hash-a", true))
			report, err = engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stored).To(Equal(1))
			Expect(report.Registered).To(Equal(1))
		})
	})

	Describe("failure handling", func() {
		It("should isolate a failing scene from the others", func() {
			catalog.setScene(newScene("LC81920252024061", "LC08_A", "hash-a", true))
			broken := newScene("LC81920262024061", "LC08_B", "hash-b", true)
			catalog.setScene(broken)
			assets.failURLs[broken.Manifest[0].URL] = temporaryError("connection reset")

			report, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Registered).To(Equal(1))
			Expect(report.Retried).To(Equal(1))
			Expect(report.Failed).To(Equal(0))

			scene, err := ledger.Scene(ctx, broken.SourceID)
			Expect(err).NotTo(HaveOccurred())
			Expect(scene.State).To(Equal(common.StateDOWNLOADING))
			Expect(scene.Retries).To(Equal(1))
			Expect(scene.Message).To(ContainSubstring("connection reset"))
		})

		It("should fail a scene after too many retries and reset it on demand", func() {
			broken := newScene("LC81920262024061", "LC08_B", "hash-b", true)
			catalog.setScene(broken)
			assets.failURLs[broken.Manifest[0].URL] = temporaryError("connection reset")

			_, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			report, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Failed).To(Equal(1))

			scene, err := ledger.Scene(ctx, broken.SourceID)
			Expect(err).NotTo(HaveOccurred())
			Expect(scene.State).To(Equal(common.StateFAILED))

			// a FAILED scene is terminal: further cycles leave it alone
			report, err = engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Retried).To(Equal(0))
			Expect(report.Failed).To(Equal(0))

			// manual reset puts it back in the game
			req := httptest.NewRequest("PUT", "/scene/"+broken.SourceID+"/reset", nil)
			recorder := httptest.NewRecorder()
			engine.NewHandler().ServeHTTP(recorder, req)
			Expect(recorder.Code).To(Equal(200))

			scene, err = ledger.Scene(ctx, broken.SourceID)
			Expect(err).NotTo(HaveOccurred())
			Expect(scene.State).To(Equal(common.StateDISCOVERED))
			Expect(scene.Retries).To(Equal(0))

			// and once the provider recovers, the scene completes
			delete(assets.failURLs, broken.Manifest[0].URL)
			report, err = engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Registered).To(Equal(1))
		})

		It("should register a stored scene even after its download urls expired", func() {
			scene := newScene("LC81920252024061", "LC08_A", "hash-a", true)
			catalog.setScene(scene)
			stacAPI.failNextPost = temporaryError("service unavailable")

			report, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Stored).To(Equal(1))
			Expect(report.Retried).To(Equal(1))

			stored, err := ledger.Scene(ctx, scene.SourceID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.State).To(Equal(common.StateSTORED))

			// the per-request signed urls are gone by the next cycle
			assets.failStats[scene.Manifest[0].URL] = provider.ErrAssetNotFound{Asset: scene.Manifest[0].URL}

			report, err = engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Registered).To(Equal(1))
			Expect(report.Failed).To(Equal(0))

			stored, err = ledger.Scene(ctx, scene.SourceID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.State).To(Equal(common.StateREGISTERED))
		})

		It("should go on when a day of the window cannot be listed", func() {
			catalog.setScene(newScene("LC81920252024061", "LC08_A", "hash-a", true))
			catalog.failDays[today.AddDate(0, 0, -5).Format("2006-01-02")] = temporaryError("api unavailable")

			report, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.DiscoveryErrors).To(HaveLen(1))
			Expect(report.Registered).To(Equal(1))
		})

		It("should fail the cycle when the catalog is unreachable", func() {
			catalog.failAll = temporaryError("login failed")

			_, err := engine.RunCycle(ctx)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("catalog unreachable"))
		})

		It("should fail immediately on a catalog conflict", func() {
			catalog.setScene(newScene("LC81920252024061", "LC08_A", "hash-a", true))
			_, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			// another scene claims the same item id
			imposter := newScene("LC99990000000000", "LC08_A", "hash-x", true)
			catalog.setScene(imposter)
			report, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Failed).To(Equal(1))

			scene, err := ledger.Scene(ctx, imposter.SourceID)
			Expect(err).NotTo(HaveOccurred())
			Expect(scene.State).To(Equal(common.StateFAILED))

			// the registered item is untouched
			item, err := stacAPI.GetItem(ctx, "landsat_ot_c2_l2", "LC08_A")
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Properties["source_id"]).To(Equal("LC81920252024061"))
		})
	})

	Describe("re-publication", func() {
		It("should reset and reprocess a scene whose content hash changed", func() {
			catalog.setScene(newScene("LC81920252024061", "LC08_A", "hash-a", true))
			_, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())

			republished := newScene("LC81920252024061", "LC08_A", "hash-a2", true)
			republished.Manifest[0].Size = 128
			catalog.setScene(republished)

			report, err := engine.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Reset).To(Equal(1))
			Expect(report.Stored).To(Equal(1))
			Expect(report.Replaced).To(Equal(1))

			scene, err := ledger.Scene(ctx, "LC81920252024061")
			Expect(err).NotTo(HaveOccurred())
			Expect(scene.State).To(Equal(common.StateREGISTERED))
			Expect(scene.ContentHash).To(Equal("hash-a2"))
			Expect(store.objects["landsat_ot_c2_l2/LC08_A.tar"]).To(Equal(int64(128)))

			item, err := stacAPI.GetItem(ctx, "landsat_ot_c2_l2", "LC08_A")
			Expect(err).NotTo(HaveOccurred())
			Expect(item.Properties["content_hash"]).To(Equal("hash-a2"))
		})
	})
})
