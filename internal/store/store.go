// Package store is the single source of truth for Instances, Port
// Reservations, Ollama Model records, and settings (spec.md §4.1). Every
// operation here either commits atomically or returns an error with no
// side effects; no caller ever observes a partial multi-row write.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/ddunford/vllmmanager/internal/types"
)

// InstancePatch is a partial update applied by UpdateInstance. Nil fields
// are left unchanged.
type InstancePatch struct {
	Name        *string
	Port        *int
	ContainerID *string
	Status      *types.Status
	GPUID       *string
	VLLM        *types.VLLMConfig
	Ollama      *types.OllamaConfig
	Import      *types.ImportInfo
}

// Store is the persistence contract used by every other component.
// Implementations must serialize concurrent writes at least to the row
// grain (spec.md §4.1).
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, inst *types.Instance) error
	UpdateInstance(ctx context.Context, id uuid.UUID, patch InstancePatch) error
	DeleteInstance(ctx context.Context, id uuid.UUID) error
	GetInstance(ctx context.Context, id uuid.UUID) (*types.Instance, error)
	ListInstances(ctx context.Context, kind types.Kind, status types.Status) ([]*types.Instance, error)

	// Port reservations
	ReservePort(ctx context.Context, port int, instanceID uuid.UUID) error
	ReleasePort(ctx context.Context, port int) error
	ListReservations(ctx context.Context) ([]*types.PortReservation, error)
	LookupPort(ctx context.Context, instanceID uuid.UUID) (int, bool, error)

	// Ollama model records
	ListModels(ctx context.Context, instanceID uuid.UUID) ([]*types.OllamaModel, error)
	UpsertModel(ctx context.Context, m *types.OllamaModel) error
	DeleteModel(ctx context.Context, instanceID uuid.UUID, name string) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	// Close releases the underlying connection pool.
	Close() error
}
