package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/types"
)

// ollamaBaseURL is where this process reaches an Ollama instance's API:
// the host port allocated for it at create time (spec.md §4.7).
func ollamaBaseURL(inst *types.Instance) string {
	return fmt.Sprintf("http://127.0.0.1:%d", inst.Port)
}

type modelResponse struct {
	Name       string            `json:"name"`
	Status     types.ModelStatus `json:"status"`
	Size       int64             `json:"size"`
	Digest     string            `json:"digest,omitempty"`
	ModifiedAt string            `json:"modified_at,omitempty"`
}

// listModels godoc
// @Summary     List pulled models
// @Tags        Ollama
// @Produce     json
// @Param       id path string true "instance id"
// @Success     200 {array} modelResponse
// @Failure     404 {object} errorResponse
// @Router      /ollama/{id}/models [get]
func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
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

	models, err := s.instances.ListModels(r.Context(), inst.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, modelResponse{Name: m.Name, Status: m.Status, Size: m.Size, Digest: m.Digest})
	}
	writeJSON(w, http.StatusOK, out)
}

// pullModel godoc
// @Summary     Pull a model, streaming progress
// @Description Streams progress events as server-sent events. The upstream
// @Description pull continues to completion even if the subscriber disconnects.
// @Tags        Ollama
// @Accept      json
// @Produce     text/event-stream
// @Param       id path string true "instance id"
// @Param       body body object true "modelName to pull"
// @Success     200 {string} string "text/event-stream of pull progress"
// @Failure     404 {object} errorResponse
// @Router      /ollama/{id}/models [post]
func (s *Server) pullModel(w http.ResponseWriter, r *http.Request) {
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

	var body struct {
		ModelName string `json:"modelName"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "decode request body", err))
		return
	}
	if body.ModelName == "" {
		writeError(w, apperr.New(apperr.KindValidation, "modelName is required"))
		return
	}

	// Detached from the request context: the pull must keep running
	// against the upstream even after the subscriber disconnects
	// (spec.md §5), so only the event-delivery loop below observes
	// r.Context() being cancelled.
	events, err := s.puller.Pull(context.Background(), inst.ID, ollamaBaseURL(inst), body.ModelName)
	if err != nil {
		writeError(w, err)
		return
	}
	// Whatever the delivery loop leaves unread is drained in the
	// background so the producer never blocks on a full channel.
	defer func() {
		go func() {
			for range events {
			}
		}()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
			if ev.Done {
				return
			}
		}
	}
}

// deleteModel godoc
// @Summary     Delete a pulled model
// @Tags        Ollama
// @Produce     json
// @Param       id path string true "instance id"
// @Param       name path string true "model name"
// @Success     200 {object} map[string]string
// @Failure     404 {object} errorResponse
// @Router      /ollama/{id}/models/{name} [delete]
func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
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

	name := mux.Vars(r)["name"]
	if err := s.puller.DeleteModel(r.Context(), inst.ID, ollamaBaseURL(inst), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
