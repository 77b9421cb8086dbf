package apiserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/instance"
	"github.com/ddunford/vllmmanager/internal/types"
)

// registerKindRoutes mounts the §6 container route table under prefix
// for one engine kind. /containers and /ollama are mirrors of each
// other except for the Ollama-only model sub-routes.
func (s *Server) registerKindRoutes(r *mux.Router, kind types.Kind) {
	r.HandleFunc("", s.listInstances(kind)).Methods(http.MethodGet)
	r.HandleFunc("/with-orphan-check", s.listWithOrphanCheck(kind)).Methods(http.MethodGet)
	r.HandleFunc("/orphans", s.listOrphans(kind)).Methods(http.MethodGet)
	r.HandleFunc("/orphans/import", s.importOrphans(kind)).Methods(http.MethodPost)
	r.HandleFunc("", s.createInstance(kind)).Methods(http.MethodPost)
	r.HandleFunc("/{id}", s.getInstance).Methods(http.MethodGet)
	r.HandleFunc("/{id}", s.updateInstance).Methods(http.MethodPut)
	r.HandleFunc("/{id}/start", s.lifecycle(s.instances.Start)).Methods(http.MethodPost)
	r.HandleFunc("/{id}/stop", s.lifecycle(s.instances.Stop)).Methods(http.MethodPost)
	r.HandleFunc("/{id}/restart", s.lifecycle(s.instances.Restart)).Methods(http.MethodPost)
	r.HandleFunc("/{id}", s.removeInstance).Methods(http.MethodDelete)
	r.HandleFunc("/{id}/logs", s.getLogs).Methods(http.MethodGet)

	if kind == types.KindOllama {
		r.HandleFunc("/{id}/models", s.listModels).Methods(http.MethodGet)
		r.HandleFunc("/{id}/models", s.pullModel).Methods(http.MethodPost)
		r.HandleFunc("/{id}/models/{name}", s.deleteModel).Methods(http.MethodDelete)
	}
}

// instanceResponse is the wire shape of an Instance, flattening the
// engine-specific config under whichever field is meaningful for Kind.
type instanceResponse struct {
	ID          uuid.UUID           `json:"id"`
	Kind        types.Kind          `json:"kind"`
	Name        string              `json:"name"`
	Port        int                 `json:"port"`
	ContainerID string              `json:"container_id"`
	Status      types.Status        `json:"status"`
	Running     bool                `json:"running"`
	GPUID       string              `json:"gpu_id"`
	VLLM        *types.VLLMConfig   `json:"vllm,omitempty"`
	Ollama      *types.OllamaConfig `json:"ollama,omitempty"`
	Imported    bool                `json:"imported"`
	// APIKey is the effective API key (spec.md §4.6 step 1): populated
	// only in the Create response, since it is the caller's only
	// chance to learn a server-synthesized key. Never set on Get/List,
	// which is why it isn't sourced from types.VLLMConfig (json:"-").
	APIKey string `json:"apiKey,omitempty"`
}

func toInstanceResponse(li instance.ListedInstance) instanceResponse {
	resp := instanceResponse{
		ID:          li.ID,
		Kind:        li.Kind,
		Name:        li.Name,
		Port:        li.Port,
		ContainerID: li.ContainerID,
		Status:      li.Status,
		Running:     li.LiveRunning,
		GPUID:       li.GPUID,
		Imported:    li.Import.Imported,
	}
	if li.Kind == types.KindVLLM {
		resp.VLLM = &li.VLLM
	} else {
		resp.Ollama = &li.Ollama
	}
	return resp
}

// listInstances godoc
// @Summary     List instances
// @Description Lists stored instances for one engine kind, each augmented with a live status pulled from the driver
// @Tags        Containers
// @Produce     json
// @Success     200 {array} instanceResponse
// @Router      /containers [get]
// @Router      /ollama [get]
func (s *Server) listInstances(kind types.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		listed, err := s.instances.List(r.Context(), kind)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]instanceResponse, 0, len(listed))
		for _, li := range listed {
			out = append(out, toInstanceResponse(li))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// listWithOrphanCheck godoc
// @Summary     Reconcile then list
// @Description Runs orphan detection and stale-reservation cleanup before listing
// @Tags        Containers
// @Produce     json
// @Success     200 {array} instanceResponse
// @Router      /containers/with-orphan-check [get]
// @Router      /ollama/with-orphan-check [get]
func (s *Server) listWithOrphanCheck(kind types.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := s.recon.RunBounded(r.Context(), s.reconcileTimeout)
		if report.Warning != "" {
			log.Warn().Str("warning", report.Warning).Msg("reconciliation before list incomplete, listing stale view")
		}
		listed, err := s.instances.List(r.Context(), kind)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]instanceResponse, 0, len(listed))
		for _, li := range listed {
			out = append(out, toInstanceResponse(li))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// listOrphans godoc
// @Summary     Detect orphaned containers
// @Description Lists containers owned by this process but absent from the Store, optionally importing them
// @Tags        Containers
// @Produce     json
// @Param       autoImport query bool false "import every detected orphan immediately"
// @Success     200 {object} map[string]any
// @Router      /containers/orphans [get]
// @Router      /ollama/orphans [get]
func (s *Server) listOrphans(kind types.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.reconcileTimeout)
		defer cancel()

		orphans, err := s.recon.Detect(ctx)
		if err != nil {
			writeError(w, err)
			return
		}

		filtered := make([]orphanResponse, 0, len(orphans))
		var ids []string
		for _, o := range orphans {
			if o.Kind != kind {
				continue
			}
			filtered = append(filtered, orphanResponse{
				ContainerID: o.ContainerID,
				Name:        o.Name,
				InstanceID:  o.InstanceID,
				HostPort:    o.HostPort,
			})
			ids = append(ids, o.ContainerID)
		}

		autoImport, _ := strconv.ParseBool(r.URL.Query().Get("autoImport"))
		if autoImport && len(ids) > 0 {
			report, err := s.recon.ImportSelected(ctx, ids)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"orphans": filtered, "imported": report.Imported})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"orphans": filtered})
	}
}

type orphanResponse struct {
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name"`
	InstanceID  uuid.UUID `json:"instance_id"`
	HostPort    int       `json:"host_port"`
}

// importOrphans godoc
// @Summary     Import a named subset of orphans
// @Description Imports only the orphaned containers named in the request body
// @Tags        Containers
// @Accept      json
// @Produce     json
// @Param       body body map[string][]string true "container ids to import, keyed \"containerIds\""
// @Success     200 {object} reconciler.Report
// @Router      /containers/orphans/import [post]
// @Router      /ollama/orphans/import [post]
func (s *Server) importOrphans(kind types.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ContainerIDs []string `json:"containerIds"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, apperr.Wrap(apperr.KindValidation, "decode request body", err))
			return
		}

		report, err := s.recon.ImportSelected(r.Context(), body.ContainerIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

type createInstanceRequest struct {
	Name                 string  `json:"name"`
	ModelName            string  `json:"modelName"`
	APIKey               string  `json:"apiKey"`
	RequireAuth          bool    `json:"requireAuth"`
	Hostname             string  `json:"hostname"`
	GPUSelection         string  `json:"gpuSelection"`
	MaxContextLength     int     `json:"maxContextLength"`
	GPUMemoryUtilization float64 `json:"gpuMemoryUtilization"`
	MaxNumSeqs           int     `json:"maxNumSeqs"`
	TrustRemoteCode      bool    `json:"trustRemoteCode"`
	Quantization         string  `json:"quantization"`
	TensorParallelSize   int     `json:"tensorParallelSize"`
}

func (req createInstanceRequest) toCreateRequest(kind types.Kind) instance.CreateRequest {
	pref, specificID := parseGPUSelection(req.GPUSelection)
	out := instance.CreateRequest{
		Name:          req.Name,
		Kind:          kind,
		GPUPreference: pref,
		GPUSpecificID: specificID,
	}
	if kind == types.KindVLLM {
		out.VLLM = types.VLLMConfig{
			ModelRef:             req.ModelName,
			RequireAuth:          req.RequireAuth,
			APIKeyHash:           req.APIKey,
			Hostname:             req.Hostname,
			MaxContextLength:     req.MaxContextLength,
			GPUMemoryUtilization: req.GPUMemoryUtilization,
			MaxNumSeqs:           req.MaxNumSeqs,
			TrustRemoteCode:      req.TrustRemoteCode,
			Quantization:         req.Quantization,
			TensorParallelSize:   req.TensorParallelSize,
		}
	} else {
		out.Ollama = types.OllamaConfig{Hostname: req.Hostname}
	}
	return out
}

// parseGPUSelection splits a wire value like "specific:2" into a
// preference and, for the specific case, the requested device id. A
// bare numeric/device id with no "specific:" prefix is also treated as
// a specific-device request — gpu.Inventory.Select only honors
// specificID when the preference itself is "specific".
func parseGPUSelection(raw string) (types.GPUSelection, string) {
	if raw == "" {
		return types.GPUAuto, ""
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			return types.GPUSelection(raw[:i]), raw[i+1:]
		}
	}
	switch types.GPUSelection(raw) {
	case types.GPUAuto, types.GPUCPU, types.GPUFirst, types.GPULeastUsed:
		return types.GPUSelection(raw), ""
	default:
		// anything else is a bare device id requesting that specific GPU
		return types.GPUSpecific, raw
	}
}

// createInstance godoc
// @Summary     Create an instance
// @Description Resolves a GPU, allocates a port, and creates+starts the container
// @Tags        Containers
// @Accept      json
// @Produce     json
// @Param       body body createInstanceRequest true "instance configuration"
// @Success     201 {object} instanceResponse
// @Failure     400 {object} errorResponse
// @Failure     503 {object} errorResponse
// @Router      /containers [post]
// @Router      /ollama [post]
func (s *Server) createInstance(kind types.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createInstanceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, apperr.Wrap(apperr.KindValidation, "decode request body", err))
			return
		}
		if req.Name == "" {
			writeError(w, apperr.New(apperr.KindValidation, "name is required"))
			return
		}
		if kind == types.KindVLLM && req.ModelName == "" {
			writeError(w, apperr.New(apperr.KindValidation, "modelName is required"))
			return
		}

		inst, err := s.instances.Create(r.Context(), req.toCreateRequest(kind))
		if err != nil {
			writeError(w, err)
			return
		}
		resp := toInstanceResponse(instance.ListedInstance{Instance: inst, LiveRunning: inst.Running()})
		if inst.Kind == types.KindVLLM && inst.VLLM.RequireAuth {
			resp.APIKey = inst.VLLM.APIKeyHash
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func parseIDVar(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.New(apperr.KindValidation, "invalid instance id")
	}
	return id, nil
}

// getInstance godoc
// @Summary     Get an instance
// @Tags        Containers
// @Produce     json
// @Param       id path string true "instance id"
// @Success     200 {object} instanceResponse
// @Failure     404 {object} errorResponse
// @Router      /containers/{id} [get]
// @Router      /ollama/{id} [get]
func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.instances.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(instance.ListedInstance{Instance: inst, LiveRunning: inst.Running()}))
}

// updateInstance godoc
// @Summary     Replace an instance's configuration
// @Description Stops and removes the old container, creates a new one with the same id and port
// @Tags        Containers
// @Accept      json
// @Produce     json
// @Param       id   path string                 true "instance id"
// @Param       body body createInstanceRequest  true "replacement configuration"
// @Success     200 {object} instanceResponse
// @Failure     404 {object} errorResponse
// @Router      /containers/{id} [put]
// @Router      /ollama/{id} [put]
func (s *Server) updateInstance(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeError(w, err)
		return
	}

	inst, err := s.instances.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "decode request body", err))
		return
	}

	update := req.toCreateRequest(inst.Kind)
	updated, err := s.instances.Update(r.Context(), id, update.VLLM, update.Ollama)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstanceResponse(instance.ListedInstance{Instance: updated, LiveRunning: updated.Running()}))
}

// lifecycle godoc
// @Summary     Start, stop, or restart an instance
// @Tags        Containers
// @Produce     json
// @Param       id path string true "instance id"
// @Success     200 {object} map[string]string
// @Failure     404 {object} errorResponse
// @Router      /containers/{id}/start [post]
// @Router      /containers/{id}/stop [post]
// @Router      /containers/{id}/restart [post]
// @Router      /ollama/{id}/start [post]
// @Router      /ollama/{id}/stop [post]
// @Router      /ollama/{id}/restart [post]
func (s *Server) lifecycle(op func(ctx context.Context, id uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDVar(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := op(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// removeInstance godoc
// @Summary     Remove an instance
// @Tags        Containers
// @Produce     json
// @Param       id path string true "instance id"
// @Success     200 {object} map[string]string
// @Failure     404 {object} errorResponse
// @Router      /containers/{id} [delete]
// @Router      /ollama/{id} [delete]
func (s *Server) removeInstance(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.instances.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getLogs godoc
// @Summary     Tail container logs
// @Tags        Containers
// @Produce     plain
// @Param       id   path  string true  "instance id"
// @Param       tail query int    false "number of trailing lines"
// @Success     200 {string} string
// @Failure     404 {object} errorResponse
// @Router      /containers/{id}/logs [get]
// @Router      /ollama/{id}/logs [get]
func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tail := 200
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}

	logs, err := s.instances.Logs(r.Context(), id, tail)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(logs)
}
