// Package engine translates a validated instance specification into a
// container daemon request and drives container lifecycle transitions
// for the two supported engine families (spec.md §4.4).
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ddunford/vllmmanager/internal/types"
)

// CreateSpec is the engine-agnostic input to CreateAndStart. Each
// driver maps it onto its own container.Config/container.HostConfig.
type CreateSpec struct {
	InstanceID uuid.UUID
	Name       string
	Port       int // host port
	GPUID      string
	VLLM       types.VLLMConfig
	Ollama     types.OllamaConfig
}

// CreateResult is what the caller needs to persist after a successful
// create+start (spec.md §4.4's createAndStart).
type CreateResult struct {
	ContainerID string
	DeviceInfo  string
	GPUID       string
}

// InspectResult is the live state of a container.
type InspectResult struct {
	Status     types.Status
	Running    bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// OwnedContainer is one entry of Driver.ListOwnedContainers.
type OwnedContainer struct {
	ContainerID    string
	Name           string
	State          string
	Created        time.Time
	HostPort       int
	Env            []string
	Command        []string
	GPUDeviceIDs   []string // "all", a specific id, or empty for none
}

// Driver is the engine-agnostic container lifecycle contract. The vLLM
// and Ollama drivers each implement this against the same Docker
// client but construct different container specs.
type Driver interface {
	CreateAndStart(ctx context.Context, spec CreateSpec) (CreateResult, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	// Remove is idempotent: removing an absent container is success.
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (InspectResult, error)
	// Logs returns up to tailLines of combined stdout/stderr.
	Logs(ctx context.Context, containerID string, tailLines int) ([]byte, error)
	// ListOwnedContainers returns containers whose name carries this
	// driver's engine prefix, regardless of Store membership.
	ListOwnedContainers(ctx context.Context) ([]OwnedContainer, error)
}

const (
	createAndStartTimeout = 30 * time.Second
	stopTimeout           = 30 * time.Second
	inspectTimeout        = 5 * time.Second
	logsTimeout           = 10 * time.Second
)
