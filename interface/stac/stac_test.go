package stac

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newCatalogServer(t *testing.T, items map[string]Item) (*httptest.Server, *int32) {
	auths := int32(0)
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "secret" {
			http.Error(w, "unauthorized", 401)
			return
		}
		atomic.AddInt32(&auths, 1)
		fmt.Fprint(w, `{"token":"bearer-1"}`)
	})
	mux.HandleFunc("/collections/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer bearer-1" {
			t.Errorf("expecting bearer token, got %q", r.Header.Get("Authorization"))
		}
		switch r.Method {
		case http.MethodGet:
			item, ok := items[r.URL.Path]
			if !ok {
				http.Error(w, "not found", 404)
				return
			}
			json.NewEncoder(w).Encode(item)
		case http.MethodPost:
			var item Item
			if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
				http.Error(w, "bad request", 400)
				return
			}
			key := r.URL.Path + "/" + item.ID
			if _, ok := items[key]; ok {
				fmt.Fprint(w, `{"ErrorCode":409,"ErrorMessage":"Feature LC08_item already exists"}`)
				return
			}
			items[key] = item
			fmt.Fprintf(w, `{"features":[{"featureId":"%s"}]}`, item.ID)
		case http.MethodPut:
			if _, ok := items[r.URL.Path]; !ok {
				http.Error(w, "not found", 404)
				return
			}
			var item Item
			json.NewDecoder(r.Body).Decode(&item)
			items[r.URL.Path] = item
			fmt.Fprint(w, `{}`)
		}
	})
	return httptest.NewServer(mux), &auths
}

func testItem(id string) Item {
	return Item{
		Type:       "Feature",
		ID:         id,
		Collection: "landsat_ot_c2_l2",
		Geometry:   json.RawMessage(`{"type":"Point","coordinates":[15,49]}`),
		Bbox:       []float64{15, 49, 15, 49},
		Properties: map[string]interface{}{"datetime": "2024-03-01T09:45:21Z", "source_id": "LC81920252024061"},
		Assets:     map[string]Asset{"data": {Href: "http://relay/bucket/landsat/scene.tar"}},
	}
}

func TestItemCRUD(t *testing.T) {
	items := map[string]Item{}
	server, auths := newCatalogServer(t, items)
	defer server.Close()
	ctx := context.Background()
	c := NewClient(server.URL, "user", "secret")

	item := testItem("LC08_item")
	if err := c.PostItem(ctx, item); err != nil {
		t.Fatalf("PostItem: %v", err)
	}
	if err := c.PostItem(ctx, item); err == nil {
		t.Errorf("expecting ErrItemExists on duplicate")
	} else if _, ok := err.(ErrItemExists); !ok {
		t.Errorf("expecting ErrItemExists, got %v", err)
	}

	got, err := c.GetItem(ctx, "landsat_ot_c2_l2", "LC08_item")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.ID != "LC08_item" || got.Assets["data"].Href != item.Assets["data"].Href {
		t.Errorf("unexpected item: %+v", got)
	}

	if _, err := c.GetItem(ctx, "landsat_ot_c2_l2", "unknown"); err == nil {
		t.Errorf("expecting ErrItemNotFound")
	} else if _, ok := err.(ErrItemNotFound); !ok {
		t.Errorf("expecting ErrItemNotFound, got %v", err)
	}

	item.Assets["data"] = Asset{Href: "http://relay/bucket/landsat/scene_v2.tar"}
	if err := c.PutItem(ctx, item); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	got, _ = c.GetItem(ctx, "landsat_ot_c2_l2", "LC08_item")
	if got.Assets["data"].Href != "http://relay/bucket/landsat/scene_v2.tar" {
		t.Errorf("expecting the item to be replaced, got %+v", got)
	}

	// the bearer token is cached across requests
	if atomic.LoadInt32(auths) != 1 {
		t.Errorf("expecting 1 auth, got %d", *auths)
	}
}

func TestItemFingerprint(t *testing.T) {
	a := testItem("LC08_item")
	b := testItem("LC08_item")

	fpA, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fpB, _ := b.Fingerprint()
	if fpA != fpB {
		t.Errorf("expecting identical fingerprints")
	}

	// server-managed fields do not change the fingerprint
	b.StacVersion = "1.0.0"
	b.Links = []Link{{Rel: "self", Href: "http://catalog/collections/landsat_ot_c2_l2/items/LC08_item"}}
	b.Properties["updated"] = "2024-03-02T00:00:00Z"
	if fpB, _ = b.Fingerprint(); fpA != fpB {
		t.Errorf("expecting volatile fields to be ignored")
	}

	// content changes do
	b.Assets["data"] = Asset{Href: "http://relay/bucket/landsat/other.tar"}
	if fpB, _ = b.Fingerprint(); fpA == fpB {
		t.Errorf("expecting different fingerprints on different content")
	}
}
