package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ddunford/vllmmanager/internal/types"
)

// The schema keeps two per-kind instance tables — instances (vLLM) and
// ollama_instances — instead of one polymorphic table. spec.md §6 names
// both tables explicitly as part of the persistence contract; §9 flags
// this table split as a historical artifact worth noting but does not
// direct collapsing it, so it is kept. Both row types convert to and from
// the same unified types.Instance domain value; callers of Store never
// see the split.

// vllmInstanceRow is the gorm row for the instances table (kind=vllm).
type vllmInstanceRow struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"not null"`
	Port        int       `gorm:"uniqueIndex:idx_instances_port,where:status != 'removed'"`
	ContainerID string
	Status      string `gorm:"index;not null"`
	GPUID       string
	ConfigJSON  []byte `gorm:"column:config_json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (vllmInstanceRow) TableName() string { return "instances" }

type vllmConfigBlob struct {
	VLLM   types.VLLMConfig `json:"vllm,omitempty"`
	Import types.ImportInfo `json:"import,omitempty"`
}

func vllmRowFromInstance(inst *types.Instance) (*vllmInstanceRow, error) {
	raw, err := json.Marshal(vllmConfigBlob{VLLM: inst.VLLM, Import: inst.Import})
	if err != nil {
		return nil, err
	}
	return &vllmInstanceRow{
		ID:          inst.ID,
		Name:        inst.Name,
		Port:        inst.Port,
		ContainerID: inst.ContainerID,
		Status:      string(inst.Status),
		GPUID:       inst.GPUID,
		ConfigJSON:  raw,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}, nil
}

func instanceFromVLLMRow(r *vllmInstanceRow) (*types.Instance, error) {
	var blob vllmConfigBlob
	if len(r.ConfigJSON) > 0 {
		if err := json.Unmarshal(r.ConfigJSON, &blob); err != nil {
			return nil, err
		}
	}
	return &types.Instance{
		ID:          r.ID,
		Kind:        types.KindVLLM,
		Name:        r.Name,
		Port:        r.Port,
		ContainerID: r.ContainerID,
		Status:      types.Status(r.Status),
		GPUID:       r.GPUID,
		VLLM:        blob.VLLM,
		Import:      blob.Import,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// ollamaInstanceRow is the gorm row for the ollama_instances table.
type ollamaInstanceRow struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"not null"`
	Port        int       `gorm:"uniqueIndex:idx_ollama_instances_port,where:status != 'removed'"`
	ContainerID string
	Status      string `gorm:"index;not null"`
	GPUID       string
	ConfigJSON  []byte `gorm:"column:config_json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ollamaInstanceRow) TableName() string { return "ollama_instances" }

type ollamaConfigBlob struct {
	Ollama types.OllamaConfig `json:"ollama,omitempty"`
	Import types.ImportInfo   `json:"import,omitempty"`
}

func ollamaRowFromInstance(inst *types.Instance) (*ollamaInstanceRow, error) {
	raw, err := json.Marshal(ollamaConfigBlob{Ollama: inst.Ollama, Import: inst.Import})
	if err != nil {
		return nil, err
	}
	return &ollamaInstanceRow{
		ID:          inst.ID,
		Name:        inst.Name,
		Port:        inst.Port,
		ContainerID: inst.ContainerID,
		Status:      string(inst.Status),
		GPUID:       inst.GPUID,
		ConfigJSON:  raw,
		CreatedAt:   inst.CreatedAt,
		UpdatedAt:   inst.UpdatedAt,
	}, nil
}

func instanceFromOllamaRow(r *ollamaInstanceRow) (*types.Instance, error) {
	var blob ollamaConfigBlob
	if len(r.ConfigJSON) > 0 {
		if err := json.Unmarshal(r.ConfigJSON, &blob); err != nil {
			return nil, err
		}
	}
	return &types.Instance{
		ID:          r.ID,
		Kind:        types.KindOllama,
		Name:        r.Name,
		Port:        r.Port,
		ContainerID: r.ContainerID,
		Status:      types.Status(r.Status),
		GPUID:       r.GPUID,
		Ollama:      blob.Ollama,
		Import:      blob.Import,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// portReservationRow is the gorm row for allocated_ports. Port is the
// primary key per spec.md §3.
type portReservationRow struct {
	Port        int       `gorm:"primaryKey"`
	InstanceID  uuid.UUID `gorm:"type:uuid;index;not null"`
	AllocatedAt time.Time
}

func (portReservationRow) TableName() string { return "allocated_ports" }

// ollamaModelRow is the gorm row for ollama_models, cascade-deleted with
// its parent instance (spec.md §3 invariant 4).
type ollamaModelRow struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	InstanceID uuid.UUID `gorm:"type:uuid;index:idx_ollama_models_instance;not null"`
	Name       string    `gorm:"index:idx_ollama_models_instance;not null"`
	Status     string    `gorm:"not null"`
	Size       int64
	Digest     string
	ModifiedAt time.Time
}

func (ollamaModelRow) TableName() string { return "ollama_models" }

func modelFromRow(r *ollamaModelRow) *types.OllamaModel {
	return &types.OllamaModel{
		ID:         r.ID,
		InstanceID: r.InstanceID,
		Name:       r.Name,
		Status:     types.ModelStatus(r.Status),
		Size:       r.Size,
		Digest:     r.Digest,
		ModifiedAt: r.ModifiedAt,
	}
}

func rowFromModel(m *types.OllamaModel) *ollamaModelRow {
	return &ollamaModelRow{
		ID:         m.ID,
		InstanceID: m.InstanceID,
		Name:       m.Name,
		Status:     string(m.Status),
		Size:       m.Size,
		Digest:     m.Digest,
		ModifiedAt: m.ModifiedAt,
	}
}

// settingRow is the gorm row for the settings table (spec.md §6).
type settingRow struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (settingRow) TableName() string { return "settings" }
