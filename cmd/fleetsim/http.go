package main

import (
	"encoding/json"
	"net/http"

	"github.com/signalsfoundry/fleet-simulator/internal/deliverylog"
	"github.com/signalsfoundry/fleet-simulator/internal/engine"
	"github.com/signalsfoundry/fleet-simulator/internal/observability"
	"github.com/signalsfoundry/fleet-simulator/kb"
)

// monitor is the read side of the engine served over HTTP.
type monitor interface {
	Snapshot() *engine.FleetSnapshot
	Export() []deliverylog.Entry
}

type snapshotView struct {
	*engine.FleetSnapshot
	// Map rows are top to bottom, one glyph per cell, '?' for unknown.
	Map []string `json:"map,omitempty"`
}

func newMux(m monitor, collector *observability.FleetCollector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s := m.Snapshot()
		if s == nil {
			http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
			return
		}
		view := snapshotView{FleetSnapshot: s}
		if r.URL.Query().Get("map") != "" {
			view.Map = kb.Render(s.Knowledge)
		}
		writeJSON(w, view)
	})
	mux.HandleFunc("/deliveries", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, m.Export())
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
