package registrar

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/satsync/stac-ingester/common"
	"github.com/satsync/stac-ingester/interface/stac"
)

// mokeCatalog implements CatalogClient in memory
type mokeCatalog struct {
	items map[string]stac.Item
	posts int
	puts  int
}

func newMokeCatalog() *mokeCatalog {
	return &mokeCatalog{items: map[string]stac.Item{}}
}

func (c *mokeCatalog) key(collection, id string) string { return collection + "/" + id }

func (c *mokeCatalog) GetItem(ctx context.Context, collection, id string) (*stac.Item, error) {
	item, ok := c.items[c.key(collection, id)]
	if !ok {
		return nil, stac.ErrItemNotFound{Collection: collection, ID: id}
	}
	return &item, nil
}

func (c *mokeCatalog) PostItem(ctx context.Context, item stac.Item) error {
	c.posts++
	if _, ok := c.items[c.key(item.Collection, item.ID)]; ok {
		return stac.ErrItemExists{Collection: item.Collection, ID: item.ID}
	}
	c.items[c.key(item.Collection, item.ID)] = item
	return nil
}

func (c *mokeCatalog) PutItem(ctx context.Context, item stac.Item) error {
	c.puts++
	if _, ok := c.items[c.key(item.Collection, item.ID)]; !ok {
		return stac.ErrItemNotFound{Collection: item.Collection, ID: item.ID}
	}
	c.items[c.key(item.Collection, item.ID)] = item
	return nil
}

func testScene() common.SceneRecord {
	return common.SceneRecord{
		SourceID:        "LC81920252024061",
		DisplayID:       "LC08_L2SP_192025_20240301_20240305_02_T1",
		Dataset:         "landsat_ot_c2_l2",
		AcquisitionDate: time.Date(2024, 3, 1, 9, 45, 21, 0, time.UTC),
		Geometry:        json.RawMessage(`{"type":"Polygon","coordinates":[[[14,49],[16,49],[16,50],[14,50],[14,49]]]}`),
		ContentHash:     "hash-1",
		State:           common.StateSTORED,
	}
}

func testObjects() []common.ObjectRef {
	return []common.ObjectRef{
		{Bucket: "scenes", Key: "landsat_ot_c2_l2/LC08_L2SP_192025_20240301_20240305_02_T1.tar"},
	}
}

func TestBuildItem(t *testing.T) {
	r := NewRegistrar(newMokeCatalog(), "http://relay:8080/")

	item, err := r.BuildItem(testScene(), "scenes", testObjects())
	if err != nil {
		t.Fatalf("BuildItem: %v", err)
	}
	if item.ID != "LC08_L2SP_192025_20240301_20240305_02_T1" || item.Collection != "landsat_ot_c2_l2" {
		t.Errorf("unexpected identity: %s/%s", item.Collection, item.ID)
	}
	if item.Properties["datetime"] != "2024-03-01T09:45:21Z" {
		t.Errorf("unexpected datetime: %v", item.Properties["datetime"])
	}
	if item.Properties["source_id"] != "LC81920252024061" {
		t.Errorf("unexpected source_id: %v", item.Properties["source_id"])
	}
	if len(item.Bbox) != 4 || item.Bbox[0] != 14 || item.Bbox[1] != 49 || item.Bbox[2] != 16 || item.Bbox[3] != 50 {
		t.Errorf("unexpected bbox: %v", item.Bbox)
	}
	asset, ok := item.Assets["LC08-L2SP-192025-20240301-20240305-02-T1"]
	if !ok {
		t.Fatalf("expecting asset LC08-L2SP-192025-20240301-20240305-02-T1, got %v", item.Assets)
	}
	if asset.Href != "http://relay:8080/scenes/landsat_ot_c2_l2/LC08_L2SP_192025_20240301_20240305_02_T1.tar" {
		t.Errorf("unexpected href: %s", asset.Href)
	}
	if asset.Type != "application/x-tar" {
		t.Errorf("unexpected media type: %s", asset.Type)
	}

	// an object outside the configured bucket must be refused
	if _, err := r.BuildItem(testScene(), "scenes", []common.ObjectRef{{Bucket: "other", Key: "landsat_ot_c2_l2/f.tar"}}); err == nil {
		t.Errorf("expecting an error on foreign bucket")
	}
}

func TestRegisterRequiresStoredScene(t *testing.T) {
	ctx := context.Background()
	catalog := newMokeCatalog()
	r := NewRegistrar(catalog, "http://relay:8080")

	scene := testScene()
	scene.State = common.StateDOWNLOADING
	if _, err := r.Register(ctx, scene, "scenes", testObjects()); err == nil {
		t.Errorf("expecting an error registering a scene that is not stored")
	}
	if catalog.posts != 0 {
		t.Errorf("expecting no catalog write, got %d", catalog.posts)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	catalog := newMokeCatalog()
	r := NewRegistrar(catalog, "http://relay:8080")

	result, err := r.Register(ctx, testScene(), "scenes", testObjects())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if result != UpsertCreated {
		t.Errorf("expecting CREATED, got %s", result)
	}

	// same content again: no write
	result, err = r.Register(ctx, testScene(), "scenes", testObjects())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if result != UpsertUnchanged {
		t.Errorf("expecting UNCHANGED, got %s", result)
	}
	if catalog.puts != 0 {
		t.Errorf("expecting no replacement, got %d", catalog.puts)
	}
}

func TestRegisterReplaced(t *testing.T) {
	ctx := context.Background()
	catalog := newMokeCatalog()
	r := NewRegistrar(catalog, "http://relay:8080")

	if _, err := r.Register(ctx, testScene(), "scenes", testObjects()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// the provider republished the scene with new content
	scene := testScene()
	scene.ContentHash = "hash-2"
	result, err := r.Register(ctx, scene, "scenes", testObjects())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if result != UpsertReplaced {
		t.Errorf("expecting REPLACED, got %s", result)
	}
	if catalog.puts != 1 {
		t.Errorf("expecting 1 replacement, got %d", catalog.puts)
	}
	registered, _ := catalog.GetItem(ctx, "landsat_ot_c2_l2", scene.DisplayID)
	if registered.Properties["content_hash"] != "hash-2" {
		t.Errorf("expecting the replaced item to carry the new hash")
	}
}

func TestRegisterConflict(t *testing.T) {
	ctx := context.Background()
	catalog := newMokeCatalog()
	r := NewRegistrar(catalog, "http://relay:8080")

	if _, err := r.Register(ctx, testScene(), "scenes", testObjects()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// another scene claims the same display id
	scene := testScene()
	scene.SourceID = "LC99999999999999"
	scene.ContentHash = "hash-other"
	_, err := r.Register(ctx, scene, "scenes", testObjects())
	if err == nil {
		t.Fatalf("expecting a conflict")
	}
	if _, ok := err.(ErrConflict); !ok {
		t.Errorf("expecting ErrConflict, got %v", err)
	}
	// the registered item is untouched
	registered, _ := catalog.GetItem(ctx, "landsat_ot_c2_l2", scene.DisplayID)
	if registered.Properties["source_id"] != "LC81920252024061" {
		t.Errorf("expecting the registered item to be preserved")
	}
}
