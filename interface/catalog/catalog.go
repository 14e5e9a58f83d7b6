package catalog

import (
	"context"
	"time"

	"github.com/satsync/stac-ingester/common"
)

// ScenesProvider searches a remote imagery catalog for the scenes acquired
// over one day, returning them with their asset manifest.
// A scene whose assets are still being staged by the provider is returned
// with ManifestComplete=false and is expected to be queried again later.
type ScenesProvider interface {
	Name() string
	SearchScenes(ctx context.Context, dataset string, day time.Time) ([]common.SceneRecord, error)
}
