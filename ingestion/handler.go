package ingestion

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/satsync/stac-ingester/common"
	db "github.com/satsync/stac-ingester/interface/database"
	"github.com/satsync/stac-ingester/service/log"
)

func (e *Engine) NewHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/report", e.GetReportHandler).Methods("GET")
	r.HandleFunc("/scene/{scene}", e.GetSceneHandler).Methods("GET")
	r.HandleFunc("/scene/{scene}/reset", e.ResetSceneHandler).Methods("PUT")
	return r
}

// GetReportHandler returns the report of the latest finished cycle
func (e *Engine) GetReportHandler(w http.ResponseWriter, req *http.Request) {
	report := e.LastReport()
	if report == nil {
		w.WriteHeader(404)
		fmt.Fprint(w, "no finished cycle yet")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// GetSceneHandler retrieves a scene record
func (e *Engine) GetSceneHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	sourceID := mux.Vars(req)["scene"]
	scene, err := e.Ledger.Scene(ctx, sourceID)
	if err != nil {
		if _, notFound := err.(db.ErrNotFound); notFound {
			w.WriteHeader(404)
			return
		}
		log.Logger(ctx).Sugar().Warnf("ledger.scene: %v", err)
		w.WriteHeader(500)
		fmt.Fprintf(w, "%v", err)
		return
	}
	json.NewEncoder(w).Encode(scene)
}

// ResetSceneHandler puts a FAILED scene back to DISCOVERED so that the next
// cycle retries it
func (e *Engine) ResetSceneHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	sourceID := mux.Vars(req)["scene"]
	scene, err := e.Ledger.Scene(ctx, sourceID)
	if err != nil {
		if _, notFound := err.(db.ErrNotFound); notFound {
			w.WriteHeader(404)
			return
		}
		log.Logger(ctx).Sugar().Warnf("ledger.scene: %v", err)
		w.WriteHeader(500)
		fmt.Fprintf(w, "%v", err)
		return
	}
	if scene.State != common.StateFAILED {
		w.WriteHeader(400)
		fmt.Fprintf(w, "scene %s is %s, only FAILED scenes can be reset", sourceID, scene.State)
		return
	}
	if err := e.Ledger.ResetScene(ctx, sourceID, scene.Manifest, scene.ManifestComplete, scene.ContentHash); err != nil {
		log.Logger(ctx).Sugar().Warnf("ledger.resetScene: %v", err)
		w.WriteHeader(500)
		fmt.Fprintf(w, "%v", err)
		return
	}
	log.Logger(ctx).Sugar().Infof("scene %s reset", sourceID)
	w.WriteHeader(200)
}
