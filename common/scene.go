package common

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Asset is one downloadable product of a scene.
// Filename is only known after delivery: the provider announces it in the
// download response, not in the manifest.
type Asset struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	Filename string `json:"filename,omitempty"`
}

// AssetManifest is the ordered list of the assets of a scene
type AssetManifest []Asset

// SceneRecord is the ledger entry of one remote scene
type SceneRecord struct {
	SourceID        string          `json:"source_id"`
	DisplayID       string          `json:"display_id"`
	Dataset         string          `json:"dataset"`
	AcquisitionDate time.Time       `json:"acquisition_date"`
	Geometry        json.RawMessage `json:"geometry,omitempty"`
	ContentHash     string          `json:"content_hash,omitempty"`
	Manifest        AssetManifest   `json:"manifest"`
	// ManifestComplete is false while the provider is still preparing downloads
	ManifestComplete bool          `json:"manifest_complete"`
	State            TransferState `json:"state"`
	Retries          int           `json:"retries"`
	Message          string        `json:"message,omitempty"`
}

// ObjectRef is the durable (bucket, key) pointer to a stored object
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (r ObjectRef) String() string {
	return r.Bucket + "/" + r.Key
}

// ParseObjectRef parses "bucket/key..." into an ObjectRef.
// The key must have at least one path segment below the bucket and must not
// contain traversal elements.
func ParseObjectRef(s string) (ObjectRef, error) {
	s = strings.TrimPrefix(s, "/")
	bucket, key, ok := strings.Cut(s, "/")
	if !ok || bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return ObjectRef{}, fmt.Errorf("malformed object reference")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ObjectRef{}, fmt.Errorf("malformed object reference")
		}
	}
	return ObjectRef{Bucket: bucket, Key: key}, nil
}

// ObjectKey returns the storage key of one file of the scene (original layout: dataset/filename)
func (s SceneRecord) ObjectKey(filename string) string {
	return s.Dataset + "/" + filename
}

// Value implements the driver.Value interface
func (a AssetManifest) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan implements the sql.Scanner interface.
func (a *AssetManifest) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, &a)
}
