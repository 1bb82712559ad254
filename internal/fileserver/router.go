// Package fileserver assembles the cloud-mapper's local HTTP surface:
// health/metrics endpoints, the mounted C8Y HTTP Proxy (spec.md §4.E),
// and a small in-memory stand-in for tedge-agent's local file-transfer
// API that the operations package's Uploader/Downloader implementations
// stage artifacts through. Grounded on
// control-plane/internal/api/router.go's chi.NewRouter +
// chimw middleware chain + cors.Handler construction; the /metrics route
// follows jordigilh-kubernaut's direct promhttp.Handler() wiring.
package fileserver

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the cloud-mapper's local HTTP router.
//
// proxy is mounted under "/c8y/*" (the C8Y HTTP Proxy's stripped prefix
// matches what internal/c8yproxy.Proxy expects); it may be nil in tests
// that don't exercise proxying. store backs the file-transfer routes.
func Router(proxy http.Handler, store *Store) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseCORSOrigins(),
		AllowedMethods:   []string{"GET", "PUT", "POST", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	if proxy != nil {
		r.Mount("/c8y", http.StripPrefix("/c8y", proxy))
	}

	if store != nil {
		r.Route("/tedge/file-transfer", func(r chi.Router) {
			r.Put("/*", store.put)
			r.Get("/*", store.get)
			r.Delete("/*", store.delete)
		})
	}

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "up",
		"service": "cloud-mapper",
	})
}

func parseCORSOrigins() []string {
	originsEnv := os.Getenv("TEDGE_MAPPER_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
