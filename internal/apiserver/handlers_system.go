package apiserver

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/ddunford/vllmmanager/internal/gpu"
	"github.com/ddunford/vllmmanager/internal/types"
)

type deviceResponse struct {
	ID          int    `json:"id"`
	TotalMemMiB uint64 `json:"total_mem_mib"`
	FreeMemMiB  uint64 `json:"free_mem_mib"`
}

func toDeviceResponses(devices []gpu.Device) []deviceResponse {
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{ID: d.ID, TotalMemMiB: d.TotalMemMiB, FreeMemMiB: d.FreeMemMiB})
	}
	return out
}

// getGPUInventory godoc
// @Summary     List the full GPU inventory
// @Tags        System
// @Produce     json
// @Success     200 {array} deviceResponse
// @Router      /system/gpu [get]
func (s *Server) getGPUInventory(w http.ResponseWriter, r *http.Request) {
	devices, err := s.gpus.Devices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponses(devices))
}

// getGPUAvailable godoc
// @Summary     List GPUs not currently bound to any running instance
// @Description Returns devices not currently bound to any running instance,
// @Description per spec.md §3's derived usage view.
// @Tags        System
// @Produce     json
// @Success     200 {array} deviceResponse
// @Router      /system/gpu/available [get]
func (s *Server) getGPUAvailable(w http.ResponseWriter, r *http.Request) {
	devices, err := s.gpus.Devices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	usage, err := s.gpuUsage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var available []gpu.Device
	for _, d := range devices {
		if usage[strconv.Itoa(d.ID)] == 0 {
			available = append(available, d)
		}
	}
	writeJSON(w, http.StatusOK, toDeviceResponses(available))
}

type gpuStatsResponse struct {
	GPUID   string `json:"gpu_id"`
	Running int    `json:"running"`
}

// getGPUStats godoc
// @Summary     Count running instances per GPU
// @Tags        System
// @Produce     json
// @Success     200 {array} gpuStatsResponse
// @Router      /system/gpu/stats [get]
func (s *Server) getGPUStats(w http.ResponseWriter, r *http.Request) {
	usage, err := s.gpuUsage(r)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]gpuStatsResponse, 0, len(usage))
	for gpuID, n := range usage {
		out = append(out, gpuStatsResponse{GPUID: gpuID, Running: n})
	}
	writeJSON(w, http.StatusOK, out)
}

// gpuUsage builds spec.md §3's derived GPU Usage View by counting
// running instances of both kinds per gpu_id.
func (s *Server) gpuUsage(r *http.Request) (map[string]int, error) {
	usage := map[string]int{}
	for _, kind := range []types.Kind{types.KindVLLM, types.KindOllama} {
		listed, err := s.instances.List(r.Context(), kind)
		if err != nil {
			return nil, err
		}
		for _, li := range listed {
			if li.Status == types.StatusRunning {
				usage[li.GPUID]++
			}
		}
	}
	return usage, nil
}

// postRefreshGPU godoc
// @Summary     Force a GPU inventory refresh
// @Tags        System
// @Produce     json
// @Success     200 {array} deviceResponse
// @Router      /system/refresh-gpu [post]
func (s *Server) postRefreshGPU(w http.ResponseWriter, r *http.Request) {
	if err := s.gpus.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	devices, err := s.gpus.Devices(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("refreshed GPU inventory but failed to read it back")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponses(devices))
}
