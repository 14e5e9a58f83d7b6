package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/satsync/stac-ingester/common"
	"github.com/satsync/stac-ingester/interface/stac"
	"github.com/satsync/stac-ingester/service/log"
)

// UpsertResult describes how a registration was applied to the catalog
type UpsertResult int32

const (
	// UpsertCreated : the item was not registered before
	UpsertCreated UpsertResult = iota
	// UpsertUnchanged : an identical item is already registered
	UpsertUnchanged
	// UpsertReplaced : the item existed with older content and was replaced
	UpsertReplaced
)

func (r UpsertResult) String() string {
	switch r {
	case UpsertCreated:
		return "CREATED"
	case UpsertUnchanged:
		return "UNCHANGED"
	case UpsertReplaced:
		return "REPLACED"
	}
	return fmt.Sprintf("UpsertResult(%d)", r)
}

// ErrConflict is an error returned when the item id is already registered for a different scene
type ErrConflict struct {
	Collection, ID string
}

func (e ErrConflict) Error() string {
	return fmt.Sprintf("Item %s/%s is already registered for another scene", e.Collection, e.ID)
}

// CatalogClient is the subset of the catalog api used by the registrar
type CatalogClient interface {
	GetItem(ctx context.Context, collection, id string) (*stac.Item, error)
	PostItem(ctx context.Context, item stac.Item) error
	PutItem(ctx context.Context, item stac.Item) error
}

// Registrar registers stored scenes in the catalog
type Registrar struct {
	Catalog CatalogClient
	// DownloadHost is the base url of the signed-reference relay
	DownloadHost string
}

// NewRegistrar creates a Registrar publishing asset hrefs under downloadHost
func NewRegistrar(catalog CatalogClient, downloadHost string) *Registrar {
	return &Registrar{Catalog: catalog, DownloadHost: strings.TrimRight(downloadHost, "/")}
}

// Register upserts the catalog item of a stored scene.
// The registration is idempotent: registering the same content twice is a
// no-op, re-registering changed content of the same scene replaces the item,
// and a registered item that belongs to a different scene is a conflict.
func (r *Registrar) Register(ctx context.Context, scene common.SceneRecord, bucket string, objects []common.ObjectRef) (UpsertResult, error) {
	if scene.State != common.StateSTORED {
		return 0, fmt.Errorf("Register[%s]: scene is %s, expecting %s", scene.SourceID, scene.State, common.StateSTORED)
	}
	item, err := r.BuildItem(scene, bucket, objects)
	if err != nil {
		return 0, fmt.Errorf("Register.%w", err)
	}

	err = r.Catalog.PostItem(ctx, item)
	if err == nil {
		log.Logger(ctx).Sugar().Infof("registered %s/%s", item.Collection, item.ID)
		return UpsertCreated, nil
	}
	if _, exists := err.(stac.ErrItemExists); !exists {
		return 0, fmt.Errorf("Register.%w", err)
	}

	registered, err := r.Catalog.GetItem(ctx, item.Collection, item.ID)
	if err != nil {
		return 0, fmt.Errorf("Register.%w", err)
	}

	registeredFp, err := registered.Fingerprint()
	if err != nil {
		return 0, fmt.Errorf("Register.%w", err)
	}
	itemFp, err := item.Fingerprint()
	if err != nil {
		return 0, fmt.Errorf("Register.%w", err)
	}
	if registeredFp == itemFp {
		return UpsertUnchanged, nil
	}

	// same scene republished with new content: replace. Anything else owns
	// the id and must not be overwritten.
	if registered.Properties["source_id"] != scene.SourceID {
		return 0, ErrConflict{item.Collection, item.ID}
	}
	if err := r.Catalog.PutItem(ctx, item); err != nil {
		return 0, fmt.Errorf("Register.%w", err)
	}
	log.Logger(ctx).Sugar().Infof("replaced %s/%s", item.Collection, item.ID)
	return UpsertReplaced, nil
}

// BuildItem maps a stored scene to its catalog item
// The mapping is deterministic: the same scene and stored objects always
// produce the same item.
func (r *Registrar) BuildItem(scene common.SceneRecord, bucket string, objects []common.ObjectRef) (stac.Item, error) {
	if scene.DisplayID == "" {
		return stac.Item{}, fmt.Errorf("BuildItem[%s]: missing display id", scene.SourceID)
	}
	if len(objects) == 0 {
		return stac.Item{}, fmt.Errorf("BuildItem[%s]: no stored object", scene.SourceID)
	}

	item := stac.Item{
		Type:       "Feature",
		ID:         scene.DisplayID,
		Collection: scene.Dataset,
		Geometry:   scene.Geometry,
		Properties: map[string]interface{}{
			"datetime":       scene.AcquisitionDate.UTC().Format(time.RFC3339),
			"start_datetime": scene.AcquisitionDate.UTC().Format(time.RFC3339),
			"end_datetime":   scene.AcquisitionDate.UTC().Format(time.RFC3339),
			"source_id":      scene.SourceID,
			"content_hash":   scene.ContentHash,
		},
		Assets: map[string]stac.Asset{},
	}

	if len(scene.Geometry) > 0 {
		bbox, err := geometryBbox(scene.Geometry)
		if err != nil {
			return stac.Item{}, fmt.Errorf("BuildItem[%s].%w", scene.SourceID, err)
		}
		item.Bbox = bbox
	}

	for _, object := range objects {
		if object.Bucket != bucket {
			return stac.Item{}, fmt.Errorf("BuildItem[%s]: object %s is not in bucket %s", scene.SourceID, object, bucket)
		}
		filename := path.Base(object.Key)
		item.Assets[assetName(filename)] = stac.Asset{
			Href:  r.DownloadHost + "/" + object.String(),
			Type:  mediaType(filename),
			Title: filename,
			Roles: []string{"data"},
		}
	}
	return item, nil
}

func geometryBbox(raw json.RawMessage) ([]float64, error) {
	var g geojson.Geometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("geometryBbox: %w", err)
	}
	extent, err := geom.NewExtentFromGeometry(g.Geometry)
	if err != nil {
		return nil, fmt.Errorf("geometryBbox: %w", err)
	}
	return []float64{extent.MinX(), extent.MinY(), extent.MaxX(), extent.MaxY()}, nil
}

func assetName(filename string) string {
	name := strings.TrimSuffix(filename, path.Ext(filename))
	return strings.ReplaceAll(name, "_", "-")
}

var mediaTypes = map[string]string{
	".tif":  "image/tiff; application=geotiff",
	".tiff": "image/tiff; application=geotiff",
	".jpg":  "image/jpeg",
	".png":  "image/png",
	".tar":  "application/x-tar",
	".gz":   "application/gzip",
	".zip":  "application/zip",
	".xml":  "application/xml",
	".json": "application/json",
	".txt":  "text/plain",
}

func mediaType(filename string) string {
	if t, ok := mediaTypes[strings.ToLower(path.Ext(filename))]; ok {
		return t
	}
	return "application/octet-stream"
}
