package usgs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/satsync/stac-ingester/common"
	"github.com/satsync/stac-ingester/service"
	"github.com/satsync/stac-ingester/service/log"
)

const (
	DefaultAPIURL = "https://m2m.cr.usgs.gov/api/api/json/stable/"
	DefaultLabel  = "stac-ingester"

	// m2m application tokens are announced valid for two hours
	tokenValidity  = 2 * time.Hour
	requestRetries = 5
	requestTimeout = 10 * time.Second
	maxResults     = 10000
)

// download systems that serve full scene products
var downloadSystems = map[string]bool{"dds": true, "ls_zip": true}

// Provider implements catalog.ScenesProvider for the USGS machine-to-machine API
type Provider struct {
	APIURL   string
	Username string
	Token    string
	// AOI is the geojson geometry used as spatial filter
	AOI   json.RawMessage
	Label string

	mx              sync.Mutex
	apiToken        string
	tokenValidUntil time.Time
}

// NewProvider creates a ScenesProvider on the m2m catalog
func NewProvider(apiURL, username, token string, aoi json.RawMessage) *Provider {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Provider{APIURL: apiURL, Username: username, Token: token, AOI: aoi, Label: DefaultLabel}
}

// Name implements catalog.ScenesProvider
func (p *Provider) Name() string {
	return "USGS-M2M"
}

type sceneHit struct {
	EntityID         string          `json:"entityId"`
	DisplayID        string          `json:"displayId"`
	SpatialCoverage  json.RawMessage `json:"spatialCoverage"`
	TemporalCoverage struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
	} `json:"temporalCoverage"`
}

type downloadOption struct {
	ID             string `json:"id"`
	EntityID       string `json:"entityId"`
	Available      bool   `json:"available"`
	FileSize       int64  `json:"filesize"`
	ProductName    string `json:"productName"`
	DownloadSystem string `json:"downloadSystem"`
}

type downloadRequestResult struct {
	AvailableDownloads []struct {
		URL string `json:"url"`
	} `json:"availableDownloads"`
	PreparingDownloads []struct {
		URL string `json:"url"`
	} `json:"preparingDownloads"`
}

// SearchScenes implements catalog.ScenesProvider
// It returns the scenes acquired on the given day over the configured AOI,
// with a manifest of downloadable assets. Scenes whose downloads are still
// being staged are returned with an incomplete manifest.
func (p *Provider) SearchScenes(ctx context.Context, dataset string, day time.Time) ([]common.SceneRecord, error) {
	// drop the working list from a previous run
	if _, err := p.sendRequest(ctx, "scene-list-remove", map[string]interface{}{"listId": p.Label}); err != nil {
		return nil, fmt.Errorf("USGS.SearchScenes.%w", err)
	}

	date := day.Format("2006-01-02")
	data, err := p.sendRequest(ctx, "scene-search", map[string]interface{}{
		"maxResults":  maxResults,
		"datasetName": dataset,
		"sceneFilter": map[string]interface{}{
			"spatialFilter": map[string]interface{}{
				"filterType": "geojson",
				"geoJson":    p.AOI,
			},
			"acquisitionFilter": map[string]interface{}{
				"start": date,
				"end":   date,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("USGS.SearchScenes.%w", err)
	}

	results := struct {
		TotalHits       int        `json:"totalHits"`
		RecordsReturned int        `json:"recordsReturned"`
		Results         []sceneHit `json:"results"`
	}{}
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("USGS.SearchScenes.Unmarshal: %w (response: %s)", err, data)
	}
	log.Logger(ctx).Sugar().Debugf("[USGS] %s %s: total hits: %d, records returned: %d", dataset, date, results.TotalHits, results.RecordsReturned)
	if len(results.Results) == 0 {
		return nil, nil
	}

	hits := map[string]sceneHit{}
	entityIDs := make([]string, 0, len(results.Results))
	for _, hit := range results.Results {
		hits[hit.EntityID] = hit
		entityIDs = append(entityIDs, hit.EntityID)
	}

	if _, err := p.sendRequest(ctx, "scene-list-add", map[string]interface{}{
		"listId":      p.Label,
		"datasetName": dataset,
		"idField":     "entityId",
		"entityIds":   entityIDs,
	}); err != nil {
		return nil, fmt.Errorf("USGS.SearchScenes.%w", err)
	}

	options, err := p.downloadOptions(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("USGS.SearchScenes.%w", err)
	}

	scenes := make([]common.SceneRecord, 0, len(hits))
	for _, entityID := range entityIDs {
		hit := hits[entityID]
		sceneOptions := options[entityID]
		if len(sceneOptions) == 0 {
			log.Logger(ctx).Sugar().Debugf("[USGS] %s: no downloadable product yet", hit.DisplayID)
		}

		manifest, complete, err := p.requestDownloads(ctx, sceneOptions)
		if err != nil {
			return nil, fmt.Errorf("USGS.SearchScenes[%s].%w", hit.DisplayID, err)
		}
		if len(sceneOptions) == 0 {
			complete = false
		}

		acquisitionDate, err := dateparse.ParseAny(hit.TemporalCoverage.StartDate)
		if err != nil {
			return nil, fmt.Errorf("USGS.SearchScenes[%s].ParseDate[%s]: %w", hit.DisplayID, hit.TemporalCoverage.StartDate, err)
		}

		scenes = append(scenes, common.SceneRecord{
			SourceID:         hit.EntityID,
			DisplayID:        hit.DisplayID,
			Dataset:          dataset,
			AcquisitionDate:  acquisitionDate.UTC(),
			Geometry:         hit.SpatialCoverage,
			ContentHash:      contentHash(hit.DisplayID, sceneOptions),
			Manifest:         manifest,
			ManifestComplete: complete,
			State:            common.StateDISCOVERED,
		})
	}
	return scenes, nil
}

// downloadOptions returns the products of the working list that can be
// fetched from a bulk download system, grouped by scene
func (p *Provider) downloadOptions(ctx context.Context, dataset string) (map[string][]downloadOption, error) {
	data, err := p.sendRequest(ctx, "download-options", map[string]interface{}{
		"listId":                     p.Label,
		"datasetName":                dataset,
		"includeSecondaryFileGroups": "true",
	})
	if err != nil {
		return nil, err
	}
	var options []downloadOption
	if err := json.Unmarshal(data, &options); err != nil {
		return nil, fmt.Errorf("downloadOptions.Unmarshal: %w (response: %s)", err, data)
	}

	filtered := map[string][]downloadOption{}
	for _, option := range options {
		if downloadSystems[option.DownloadSystem] && option.Available {
			filtered[option.EntityID] = append(filtered[option.EntityID], option)
		}
	}
	return filtered, nil
}

// requestDownloads asks for a signed url for each product. Products that the
// provider is still staging are left out of the manifest and complete=false
// is returned so that the scene is retried on a later cycle.
func (p *Provider) requestDownloads(ctx context.Context, options []downloadOption) (common.AssetManifest, bool, error) {
	manifest := common.AssetManifest{}
	complete := true
	for _, option := range options {
		data, err := p.sendRequest(ctx, "download-request", map[string]interface{}{
			"downloads": []map[string]string{{
				"entityId":  option.EntityID,
				"productId": option.ID,
			}},
		})
		if err != nil {
			return nil, false, err
		}
		var result downloadRequestResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, false, fmt.Errorf("requestDownloads.Unmarshal: %w (response: %s)", err, data)
		}
		if len(result.AvailableDownloads) == 0 {
			complete = false
			continue
		}
		for _, download := range result.AvailableDownloads {
			manifest = append(manifest, common.Asset{
				Name: option.ProductName,
				URL:  download.URL,
				Size: option.FileSize,
			})
		}
	}
	return manifest, complete, nil
}

// contentHash fingerprints the published content of a scene. Urls are signed
// per request and change on every poll, so the hash is derived from the
// stable product identity instead.
func contentHash(displayID string, options []downloadOption) string {
	lines := make([]string, 0, len(options)+1)
	lines = append(lines, displayID)
	for _, option := range options {
		lines = append(lines, fmt.Sprintf("%s|%s|%d", option.EntityID, option.ID, option.FileSize))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// sendRequest posts a payload to an api endpoint, logging in again whenever
// the api token has expired, and returns the "data" field of the response
func (p *Provider) sendRequest(ctx context.Context, endpoint string, payload interface{}) (json.RawMessage, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	if endpoint != "login-token" {
		token, err := p.loginToken(ctx)
		if err != nil {
			return nil, err
		}
		headers["X-Auth-Token"] = token
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sendRequest[%s].Marshal: %w", endpoint, err)
	}

	response, code, err := service.SendJSONRetry(ctx, http.MethodPost, p.APIURL+endpoint, body, headers, requestRetries, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("sendRequest[%s]: %w", endpoint, err)
	}
	if code != 200 {
		return nil, fmt.Errorf("sendRequest[%s]: http status: %d (response: %s)", endpoint, code, response)
	}

	envelope := struct {
		Data         json.RawMessage `json:"data"`
		ErrorCode    *string         `json:"errorCode"`
		ErrorMessage *string         `json:"errorMessage"`
	}{}
	if err := json.Unmarshal(response, &envelope); err != nil {
		return nil, fmt.Errorf("sendRequest[%s].Unmarshal: %w (response: %s)", endpoint, err, response)
	}
	if envelope.ErrorCode != nil && *envelope.ErrorCode != "" {
		message := ""
		if envelope.ErrorMessage != nil {
			message = *envelope.ErrorMessage
		}
		return nil, fmt.Errorf("sendRequest[%s]: api error %s: %s", endpoint, *envelope.ErrorCode, message)
	}
	return envelope.Data, nil
}

// loginToken returns a valid api token, requesting a fresh one when needed
func (p *Provider) loginToken(ctx context.Context) (string, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.apiToken != "" && time.Now().Before(p.tokenValidUntil) {
		return p.apiToken, nil
	}
	if p.Username == "" || p.Token == "" {
		return "", fmt.Errorf("loginToken: missing credentials")
	}

	// keep a margin so that the token does not expire mid-request
	validUntil := time.Now().Add(tokenValidity - 5*time.Minute)
	data, err := p.sendRequest(ctx, "login-token", map[string]string{
		"username": p.Username,
		"token":    p.Token,
	})
	if err != nil {
		return "", fmt.Errorf("loginToken: %w", err)
	}

	var token string
	if err := json.Unmarshal(data, &token); err != nil || token == "" {
		return "", service.MakeTemporary(fmt.Errorf("loginToken: token not obtained (response: %s)", data))
	}
	p.apiToken = token
	p.tokenValidUntil = validUntil
	return token, nil
}
