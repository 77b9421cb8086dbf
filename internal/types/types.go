// Package types holds the data model shared across the instance lifecycle
// and reconciliation engine: instances, port reservations, and the
// engine-specific records attached to them.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the two supported engine families.
type Kind string

const (
	KindVLLM   Kind = "vllm"
	KindOllama Kind = "ollama"
)

// Status is the lifecycle state of an Instance. Removed is terminal.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusRemoved  Status = "removed"
)

// GPUSelection is the user-facing preference passed to the GPU Inventory.
type GPUSelection string

const (
	GPUAuto      GPUSelection = "auto"
	GPUCPU       GPUSelection = "cpu"
	GPUFirst     GPUSelection = "first"
	GPULeastUsed GPUSelection = "least_used"
	GPUSpecific  GPUSelection = "specific"
)

// CPUSentinel is the gpu_id value meaning "no GPU attached".
const CPUSentinel = "cpu"

// AutoSentinel is the gpu_id value meaning "let the driver pick all devices".
const AutoSentinel = "auto"

// VLLMConfig is the engine-specific structured configuration for a vLLM
// instance (spec.md §4.4).
type VLLMConfig struct {
	ModelRef               string  `json:"model_ref"`
	RequireAuth            bool    `json:"require_auth"`
	APIKeyHash             string  `json:"-"`
	Hostname               string  `json:"hostname,omitempty"`
	MaxContextLength       int     `json:"max_context_length,omitempty"`
	GPUMemoryUtilization   float64 `json:"gpu_memory_utilization,omitempty"`
	MaxNumSeqs             int     `json:"max_num_seqs,omitempty"`
	TrustRemoteCode        bool    `json:"trust_remote_code,omitempty"`
	Quantization           string  `json:"quantization,omitempty"`
	TensorParallelSize     int     `json:"tensor_parallel_size,omitempty"`
}

// OllamaConfig is the engine-specific structured configuration for an
// Ollama instance. Models are attached separately via OllamaModel records.
type OllamaConfig struct {
	Hostname string `json:"hostname,omitempty"`
}

// ImportInfo marks an Instance as having been reconstructed by the
// reconciler from an orphaned container (spec.md §4.5 step 3).
type ImportInfo struct {
	Imported          bool      `json:"imported"`
	OriginalContainer string    `json:"original_container,omitempty"`
	ImportedAt        time.Time `json:"imported_at,omitempty"`
}

// Instance is the primary entity, polymorphic over Kind. Exactly one of
// VLLM/Ollama is meaningful depending on Kind.
type Instance struct {
	ID          uuid.UUID
	Kind        Kind
	Name        string
	Port        int
	ContainerID string
	Status      Status
	GPUID       string // CPUSentinel, AutoSentinel, a numeric id, or "" (unset)
	VLLM        VLLMConfig
	Ollama      OllamaConfig
	Import      ImportInfo
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Running reports whether the instance's last-observed state is running.
func (i Instance) Running() bool {
	return i.Status == StatusRunning
}

// PortReservation is a row in the reservations table: "this system
// believes port P is in use by instance I" (spec.md §3, GLOSSARY).
type PortReservation struct {
	Port        int
	InstanceID  uuid.UUID
	AllocatedAt time.Time
}

// ModelStatus is the lifecycle of a pulled Ollama model.
type ModelStatus string

const (
	ModelDownloading ModelStatus = "downloading"
	ModelReady       ModelStatus = "ready"
	ModelFailed      ModelStatus = "failed"
)

// OllamaModel is a model pulled into a specific Ollama instance.
type OllamaModel struct {
	ID         uuid.UUID
	InstanceID uuid.UUID
	Name       string
	Status     ModelStatus
	Size       int64
	Digest     string
	ModifiedAt time.Time
}

// GPUUsage is the derived view described in spec.md §3: for each GPU id,
// the count of running instances bound to it.
type GPUUsage struct {
	GPUID   string
	Running int
}
