package stac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/satsync/stac-ingester/service"
)

const (
	// resto bearer tokens are valid for one day
	tokenValidity  = 24 * time.Hour
	requestRetries = 5
	requestTimeout = 10 * time.Second
)

// ErrItemNotFound is an error returned when an item is not registered in a collection
type ErrItemNotFound struct {
	Collection, ID string
}

func (e ErrItemNotFound) Error() string {
	return fmt.Sprintf("Item not found: %s/%s", e.Collection, e.ID)
}

// ErrItemExists is an error returned when an item is already registered in a collection
type ErrItemExists struct {
	Collection, ID string
}

func (e ErrItemExists) Error() string {
	return fmt.Sprintf("Item already exists: %s/%s", e.Collection, e.ID)
}

// Link of an Item
type Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// Asset of an Item
type Asset struct {
	Href  string   `json:"href"`
	Type  string   `json:"type,omitempty"`
	Title string   `json:"title,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// Item is a catalog feature
type Item struct {
	Type        string                 `json:"type"`
	StacVersion string                 `json:"stac_version,omitempty"`
	ID          string                 `json:"id"`
	Collection  string                 `json:"collection"`
	Geometry    json.RawMessage        `json:"geometry,omitempty"`
	Bbox        []float64              `json:"bbox,omitempty"`
	Properties  map[string]interface{} `json:"properties"`
	Assets      map[string]Asset       `json:"assets"`
	Links       []Link                 `json:"links,omitempty"`
}

// properties that the server rewrites on every write
var volatileProperties = []string{"updated", "published"}

// Fingerprint returns a digest of the item content, ignoring the fields that
// the server rewrites on every registration. Two items with the same
// fingerprint describe the same content.
func (i Item) Fingerprint() (string, error) {
	canonical := i
	canonical.Links = nil
	canonical.StacVersion = ""
	canonical.Properties = map[string]interface{}{}
	for k, v := range i.Properties {
		canonical.Properties[k] = v
	}
	for _, k := range volatileProperties {
		delete(canonical.Properties, k)
	}

	// map keys are marshalled in sorted order, so the serialization is canonical
	serialized, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("Fingerprint.Marshal: %w", err)
	}
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:]), nil
}

// Client of a resto-style catalog api
type Client struct {
	BaseURL  string
	Username string
	Password string

	mx              sync.Mutex
	token           string
	tokenValidUntil time.Time
}

// NewClient creates a catalog api client
func NewClient(baseURL, username, password string) *Client {
	return &Client{BaseURL: baseURL, Username: username, Password: password}
}

// restoError is the error envelope some servers return with a 200 status
type restoError struct {
	ErrorCode    int    `json:"ErrorCode"`
	ErrorMessage string `json:"ErrorMessage"`
}

// GetItem fetches a registered item
func (c *Client) GetItem(ctx context.Context, collection, id string) (*Item, error) {
	body, code, err := c.sendRequest(ctx, http.MethodGet, "/collections/"+collection+"/items/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("GetItem.%w", err)
	}
	switch code {
	case 200:
	case 404:
		return nil, ErrItemNotFound{collection, id}
	default:
		return nil, fmt.Errorf("GetItem[%s/%s]: http status %d (response: %s)", collection, id, code, body)
	}
	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("GetItem.Unmarshal: %w (response: %s)", err, body)
	}
	return &item, nil
}

// PostItem registers a new item in a collection
// ErrItemExists is returned when the item id is already registered.
func (c *Client) PostItem(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("PostItem.Marshal: %w", err)
	}
	body, code, err := c.sendRequest(ctx, http.MethodPost, "/collections/"+item.Collection+"/items", payload)
	if err != nil {
		return fmt.Errorf("PostItem.%w", err)
	}
	switch code {
	case 200, 201:
	case 409:
		return ErrItemExists{item.Collection, item.ID}
	default:
		return fmt.Errorf("PostItem[%s/%s]: http status %d (response: %s)", item.Collection, item.ID, code, body)
	}

	// some servers answer 200 with an error envelope
	var restoErr restoError
	if err := json.Unmarshal(body, &restoErr); err == nil && restoErr.ErrorCode != 0 {
		if restoErr.ErrorCode == 409 {
			return ErrItemExists{item.Collection, item.ID}
		}
		return fmt.Errorf("PostItem[%s/%s]: api error %d: %s", item.Collection, item.ID, restoErr.ErrorCode, restoErr.ErrorMessage)
	}
	return nil
}

// PutItem replaces a registered item
func (c *Client) PutItem(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("PutItem.Marshal: %w", err)
	}
	body, code, err := c.sendRequest(ctx, http.MethodPut, "/collections/"+item.Collection+"/items/"+item.ID, payload)
	if err != nil {
		return fmt.Errorf("PutItem.%w", err)
	}
	switch code {
	case 200, 201:
		return nil
	case 404:
		return ErrItemNotFound{item.Collection, item.ID}
	default:
		return fmt.Errorf("PutItem[%s/%s]: http status %d (response: %s)", item.Collection, item.ID, code, body)
	}
}

func (c *Client) sendRequest(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	token, err := c.auth(ctx)
	if err != nil {
		return nil, 0, err
	}
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Accept":        "application/json",
		"Authorization": "Bearer " + token,
	}
	body, code, err := service.SendJSONRetry(ctx, method, c.BaseURL+path, payload, headers, requestRetries, requestTimeout)
	if err != nil {
		return nil, 0, fmt.Errorf("sendRequest[%s %s]: %w", method, path, err)
	}
	return body, code, nil
}

// auth returns a valid bearer token, logging in again when the cached one has expired
func (c *Client) auth(ctx context.Context) (string, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.token != "" && time.Now().Before(c.tokenValidUntil) {
		return c.token, nil
	}
	if c.Username == "" || c.Password == "" {
		return "", fmt.Errorf("auth: missing credentials")
	}

	validUntil := time.Now().Add(tokenValidity - 10*time.Minute)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/auth", nil)
	if err != nil {
		return "", fmt.Errorf("auth.NewRequest: %w", err)
	}
	req.SetBasicAuth(c.Username, c.Password)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", service.MakeTemporary(fmt.Errorf("auth: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		err := fmt.Errorf("auth: http status %d", resp.StatusCode)
		if service.TemporaryCode(resp.StatusCode) {
			return "", service.MakeTemporary(err)
		}
		return "", err
	}

	var response struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil || response.Token == "" {
		return "", service.MakeTemporary(fmt.Errorf("auth: token not obtained"))
	}
	c.token = response.Token
	c.tokenValidUntil = validUntil
	return c.token, nil
}
