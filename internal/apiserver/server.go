// Package apiserver exposes the Instance Manager, Model Puller, GPU
// Inventory, and Reconciler over the HTTP control surface described
// in spec.md §4.8/§6. Every handler validates input, delegates to one
// of those components, and maps the result to a status code per
// spec.md §7; no handler contains lifecycle logic of its own.
package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/ddunford/vllmmanager/internal/gpu"
	"github.com/ddunford/vllmmanager/internal/instance"
	"github.com/ddunford/vllmmanager/internal/puller"
	"github.com/ddunford/vllmmanager/internal/reconciler"
	"github.com/ddunford/vllmmanager/internal/types"
)

// defaultReconcileReadTimeout bounds how long a read-path handler will
// wait for a reconciliation pass before returning a stale view (spec.md
// §5's "must not block the response longer than a bounded time"), used
// when the caller does not override it via New.
const defaultReconcileReadTimeout = 3 * time.Second

// Server wires the control-plane components to an HTTP router.
type Server struct {
	instances        *instance.Manager
	puller           *puller.Puller
	gpus             *gpu.Inventory
	recon            *reconciler.Reconciler
	corsOrigin       string
	reconcileTimeout time.Duration
}

// New constructs a Server. corsOrigin, when non-empty, is reflected as
// Access-Control-Allow-Origin (spec.md §6's FRONTEND_URL). readTimeout
// bounds the read-path reconciliation budget (spec.md §4.2's
// RECONCILE_READ_TIMEOUT_MS); zero selects defaultReconcileReadTimeout.
func New(instances *instance.Manager, p *puller.Puller, gpus *gpu.Inventory, recon *reconciler.Reconciler, corsOrigin string, readTimeout time.Duration) *Server {
	if readTimeout <= 0 {
		readTimeout = defaultReconcileReadTimeout
	}
	return &Server{instances: instances, puller: p, gpus: gpus, recon: recon, corsOrigin: corsOrigin, reconcileTimeout: readTimeout}
}

// Router builds the full route table from spec.md §6.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	if s.corsOrigin != "" {
		r.Use(s.corsMiddleware)
	}

	r.HandleFunc("/health", s.getHealth).Methods(http.MethodGet)

	s.registerKindRoutes(r.PathPrefix("/containers").Subrouter(), types.KindVLLM)
	s.registerKindRoutes(r.PathPrefix("/ollama").Subrouter(), types.KindOllama)

	r.HandleFunc("/system/gpu", s.getGPUInventory).Methods(http.MethodGet)
	r.HandleFunc("/system/gpu/available", s.getGPUAvailable).Methods(http.MethodGet)
	r.HandleFunc("/system/gpu/stats", s.getGPUStats).Methods(http.MethodGet)
	r.HandleFunc("/system/refresh-gpu", s.postRefreshGPU).Methods(http.MethodPost)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("handled request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getHealth godoc
// @Summary     Liveness check
// @Tags        System
// @Produce     json
// @Success     200 {object} map[string]any
// @Router      /health [get]
func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
