package provider

import (
	"context"
	"fmt"

	"github.com/satsync/stac-ingester/common"
)

// ErrAssetNotFound is an error returned when an asset is not found or not available anymore
type ErrAssetNotFound struct {
	Asset string
}

func (e ErrAssetNotFound) Error() string {
	return fmt.Sprintf("Asset not found or unavailable: %s", e.Asset)
}

// AssetInfo describes a remote asset as announced by the server
type AssetInfo struct {
	// Filename under which the asset is published (content-disposition)
	Filename string
	Size     int64
}

// AssetProvider fetches the assets of a scene manifest
type AssetProvider interface {
	Name() string
	// StatAsset resolves the published filename and size of an asset without fetching its content
	StatAsset(ctx context.Context, asset common.Asset) (AssetInfo, error)
	// FetchAsset downloads an asset to localFile, verifying its size
	FetchAsset(ctx context.Context, asset common.Asset, localFile string) error
}
