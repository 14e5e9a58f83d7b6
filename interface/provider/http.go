package provider

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/cavaliercoder/grab"
	"github.com/satsync/stac-ingester/common"
	"github.com/satsync/stac-ingester/service"
	"github.com/satsync/stac-ingester/service/log"
)

// HTTPAssetProvider implements AssetProvider for assets served over pre-signed http urls
type HTTPAssetProvider struct{}

// NewHTTPAssetProvider creates a new AssetProvider downloading over http
func NewHTTPAssetProvider() *HTTPAssetProvider {
	return &HTTPAssetProvider{}
}

// Name implements AssetProvider
func (p *HTTPAssetProvider) Name() string {
	return "HTTP"
}

// StatAsset implements AssetProvider
// The download service only announces the delivered filename in the
// content-disposition header of the response, so the download is started and
// aborted after reading the headers.
func (p *HTTPAssetProvider) StatAsset(ctx context.Context, asset common.Asset) (AssetInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return AssetInfo{}, fmt.Errorf("StatAsset.NewRequest: %w", err)
	}
	client := http.Client{CheckRedirect: checkRedirectAndCopyAuth}
	resp, err := client.Do(req)
	if err != nil {
		return AssetInfo{}, service.MakeTemporary(fmt.Errorf("StatAsset: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == 200:
	case resp.StatusCode == 404 || resp.StatusCode == 410:
		return AssetInfo{}, ErrAssetNotFound{asset.URL}
	case service.TemporaryCode(resp.StatusCode):
		return AssetInfo{}, service.MakeTemporary(fmt.Errorf("StatAsset[%s]: http status %d", asset.URL, resp.StatusCode))
	default:
		return AssetInfo{}, fmt.Errorf("StatAsset[%s]: http status %d", asset.URL, resp.StatusCode)
	}

	info := AssetInfo{Size: resp.ContentLength}
	if info.Size <= 0 {
		info.Size = asset.Size
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		info.Filename = params["filename"]
	} else if u, err := url.Parse(asset.URL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		info.Filename = path.Base(u.Path)
	}
	if info.Filename == "" {
		return AssetInfo{}, fmt.Errorf("StatAsset[%s]: unable to resolve a filename", asset.URL)
	}
	return info, nil
}

// FetchAsset implements AssetProvider
func (p *HTTPAssetProvider) FetchAsset(ctx context.Context, asset common.Asset, localFile string) error {
	req, err := grab.NewRequest(localFile, asset.URL)
	if err != nil {
		return fmt.Errorf("FetchAsset.NewRequest: %w", err)
	}
	req = req.WithContext(ctx)

	if err := download(ctx, req, path.Base(localFile)); err != nil {
		return fmt.Errorf("FetchAsset.%w", err)
	}

	if asset.Size > 0 {
		fi, err := os.Stat(localFile)
		if err != nil {
			return service.MakeTemporary(fmt.Errorf("FetchAsset.Stat: %w", err))
		}
		if fi.Size() != asset.Size {
			os.Remove(localFile)
			return service.MakeTemporary(fmt.Errorf("FetchAsset[%s]: size mismatch (expecting %d bytes, got %d)", asset.URL, asset.Size, fi.Size()))
		}
	}
	return nil
}

func checkRedirectAndCopyAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if auth, ok := via[0].Header["Authorization"]; ok {
		req.Header.Add("Authorization", auth[0])
	}
	return nil
}

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

func displayProgress(ctx context.Context, prefix string, resp *grab.Response, progressPeriod float64) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	progress, lastBytes, seconds := 0.0, int64(0), int64(0)
	for {
		select {
		case <-t.C:
			seconds++
			if resp.Progress() > progress {
				log.Logger(ctx).Sugar().Debugf("%s: %.2f%% %s/%s (%s/s)", prefix, 100*resp.Progress(), fmtBytes(resp.BytesComplete()), fmtBytes(resp.Size), fmtBytes((resp.BytesComplete()-lastBytes)/seconds))
				seconds = 0
				progress += progressPeriod
				lastBytes = resp.BytesComplete()
			}

		case <-resp.Done:
			return
		}
	}
}

// download a file with display every 5%
func download(ctx context.Context, req *grab.Request, displayPrefix string) error {
	client := grab.NewClient()
	client.HTTPClient.CheckRedirect = checkRedirectAndCopyAuth
	resp := client.Do(req)

	displayProgress(ctx, displayPrefix, resp, 0.05)

	if err := resp.Err(); err != nil {
		err = fmt.Errorf("download[%s]: %w", req.URL(), err)
		if resp.HTTPResponse == nil {
			return service.MakeTemporary(err)
		}
		switch {
		case resp.HTTPResponse.StatusCode == 404 || resp.HTTPResponse.StatusCode == 410:
			return ErrAssetNotFound{req.URL().String()}
		case service.TemporaryCode(resp.HTTPResponse.StatusCode):
			return service.MakeTemporary(err)
		default:
			return err
		}
	}
	return nil
}
