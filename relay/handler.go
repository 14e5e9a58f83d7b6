package relay

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/satsync/stac-ingester/service/log"
)

func (r *Relay) NewHandler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/{ref:.*}", r.RedirectHandler).Methods("GET")
	return router
}

// RedirectHandler resolves the requested reference and redirects to the signed url
func (r *Relay) RedirectHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	ref := mux.Vars(req)["ref"]

	url, err := r.Resolve(ctx, ref)
	if err != nil {
		switch err.(type) {
		case ErrInvalidReference:
			writeError(w, 400, "Invalid reference")
		case ErrNotFound:
			writeError(w, 404, "Not found")
		default:
			// storage details stay on the server side
			log.Logger(ctx).Sugar().Warnf("relay.resolve: %v", err)
			writeError(w, 500, "Internal error")
		}
		return
	}

	w.Header().Set("Location", url)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusFound)
	json.NewEncoder(w).Encode(map[string]string{"url": url})
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
