package observer

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// Router builds the observer's debug HTTP surface (spec §4.M "a small
// debug HTTP surface"; this is an operational convenience, not the
// canonical query path, which remains the in-process Call above).
func (o *Observer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", o.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/snapshot", o.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/servers", o.handleServers).Methods(http.MethodGet)
	return r
}

func (o *Observer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "nodeId": o.local})
}

func (o *Observer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, o.Snapshot())
}

func (o *Observer) handleServers(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusOK, o.Snapshot().Servers)
		return
	}
	result := o.ServerStats(id)
	status := http.StatusOK
	if result.Status == "not_found" {
		status = http.StatusNotFound
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
