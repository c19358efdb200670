package main

import (
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/phuslu/log"

	"lsan_threads/internal/config"
	"lsan_threads/internal/lsan"
)

// snapshotHandler serves the registry snapshot as JSON.
func snapshotHandler(rt *lsan.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := rt.TakeSnapshot()

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		if r.URL.Query().Has("pretty") {
			enc.SetIndent("", "  ")
		}
		if err := enc.Encode(snap); err != nil {
			log.Error().Err(err).Msg("Failed to encode thread snapshot")
		}
	}
}

func indexHandler(cfg config.ServerConfig) http.HandlerFunc {
	page := `<html>
            <head><title>LSan Thread Registry</title></head>
            <body>
            <h1>LSan Thread Registry v` + version + `</h1>
            <p><a href="` + cfg.MetricsPath + `">Metrics</a></p>
            <p><a href="` + cfg.SnapshotPath + `?pretty">Threads</a></p>
            </body>
            </html>`
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(page))
	}
}
