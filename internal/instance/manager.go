// Package instance implements the state machine for an Instance:
// sequencing, rollback, and error mapping across the Port Allocator,
// GPU Inventory, Engine Driver, and Store (spec.md §4.6).
package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/engine"
	"github.com/ddunford/vllmmanager/internal/gpu"
	"github.com/ddunford/vllmmanager/internal/portalloc"
	"github.com/ddunford/vllmmanager/internal/reconciler"
	"github.com/ddunford/vllmmanager/internal/store"
	"github.com/ddunford/vllmmanager/internal/types"
)

// settingDefaultHostname and settingDefaultAPIKey are the runtime-
// configurable Settings keys Create merges into a request before
// resolving a GPU (spec.md §4.6 step 1). Unset keys are no-ops.
const (
	settingDefaultHostname = "default_hostname"
	settingDefaultAPIKey   = "default_api_key"
)

// CreateRequest is the validated, caller-supplied shape of a new
// instance, before defaults are merged in.
type CreateRequest struct {
	Name          string
	Kind          types.Kind
	GPUPreference types.GPUSelection
	GPUSpecificID string
	VLLM          types.VLLMConfig
	Ollama        types.OllamaConfig
}

// Manager is the Instance state machine. One Manager serves both
// engine kinds; per-kind Drivers are looked up by Kind.
type Manager struct {
	db      store.Store
	ports   *portalloc.Allocator
	gpus    *gpu.Inventory
	drivers map[types.Kind]engine.Driver
	recon   *reconciler.Reconciler

	// apiKeyPrefix and defaultAPIKey back the effective-API-key
	// derivation in Create's step 1 (spec.md §4.6); apiKeyPrefix
	// matches the prefix the vLLM driver expects on its --api-key flag.
	apiKeyPrefix string
	defaultAPIKey string

	// locks serializes operations per instance id (spec.md §5: "one
	// create/start/stop/remove at a time" per id), a striped map of
	// mutexes rather than one global lock so unrelated instances never
	// contend with each other.
	locks *xsync.MapOf[uuid.UUID, *sync.Mutex]
}

// New constructs a Manager. apiKeyPrefix and defaultAPIKey configure the
// effective-API-key derivation used by Create (spec.md §4.6 step 1).
func New(db store.Store, ports *portalloc.Allocator, gpus *gpu.Inventory, drivers map[types.Kind]engine.Driver, recon *reconciler.Reconciler, apiKeyPrefix, defaultAPIKey string) *Manager {
	return &Manager{
		db:            db,
		ports:         ports,
		gpus:          gpus,
		drivers:       drivers,
		recon:         recon,
		apiKeyPrefix:  apiKeyPrefix,
		defaultAPIKey: defaultAPIKey,
		locks:         xsync.NewMapOf[uuid.UUID, *sync.Mutex](),
	}
}

func (m *Manager) lockFor(id uuid.UUID) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return lock
}

func (m *Manager) driverFor(kind types.Kind) (engine.Driver, error) {
	drv, ok := m.drivers[kind]
	if !ok {
		return nil, apperr.New(apperr.KindValidation, fmt.Sprintf("unsupported engine kind %q", kind))
	}
	return drv, nil
}

func (m *Manager) runningCounter() gpu.RunningCounter {
	return func(ctx context.Context, gpuID string) (int, error) {
		instances, err := m.db.ListInstances(ctx, "", types.StatusRunning)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, inst := range instances {
			if inst.GPUID == gpuID {
				n++
			}
		}
		return n, nil
	}
}

// mergeSettingsDefaults fills unset fields from the runtime-configurable
// Settings table and, for a vLLM instance requiring auth, derives the
// effective API key: the caller-supplied key, else the "default_api_key"
// setting, else the process-wide DEFAULT_API_KEY, else a synthesized
// one — always normalized with the standard key prefix (spec.md §4.6
// step 1, scenario S2).
func (m *Manager) mergeSettingsDefaults(ctx context.Context, req *CreateRequest) error {
	if req.Kind != types.KindVLLM {
		return nil
	}

	if req.VLLM.Hostname == "" {
		v, ok, err := m.db.GetSetting(ctx, settingDefaultHostname)
		if err != nil {
			return fmt.Errorf("instance: load %s setting: %w", settingDefaultHostname, err)
		}
		if ok {
			req.VLLM.Hostname = v
		}
	}

	if !req.VLLM.RequireAuth {
		return nil
	}

	key := req.VLLM.APIKeyHash
	if key == "" {
		v, ok, err := m.db.GetSetting(ctx, settingDefaultAPIKey)
		if err != nil {
			return fmt.Errorf("instance: load %s setting: %w", settingDefaultAPIKey, err)
		}
		if ok {
			key = v
		}
	}
	if key == "" {
		key = m.defaultAPIKey
	}
	if key == "" {
		key = uuid.NewString()
	}
	if m.apiKeyPrefix != "" && !strings.HasPrefix(key, m.apiKeyPrefix) {
		key = m.apiKeyPrefix + key
	}
	req.VLLM.APIKeyHash = key
	return nil
}

// Create implements spec.md §4.6's six-step create sequence.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Instance, error) {
	if req.Name == "" {
		return nil, apperr.New(apperr.KindValidation, "name is required")
	}
	drv, err := m.driverFor(req.Kind)
	if err != nil {
		return nil, err
	}

	// Step 1: merge settings defaults, derive the effective API key.
	if err := m.mergeSettingsDefaults(ctx, &req); err != nil {
		return nil, err
	}

	id := uuid.New()
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	// Step 2: resolve GPU.
	gpuID, err := m.gpus.Select(ctx, req.GPUPreference, req.GPUSpecificID, m.runningCounter())
	if err != nil {
		return nil, err
	}

	// Step 3: allocate port.
	port, err := m.ports.Allocate(ctx, id)
	if err != nil {
		return nil, err
	}

	// Step 4: create+start via the driver.
	result, err := drv.CreateAndStart(ctx, engine.CreateSpec{
		InstanceID: id,
		Name:       req.Name,
		Port:       port,
		GPUID:      gpuID,
		VLLM:       req.VLLM,
		Ollama:     req.Ollama,
	})
	if err != nil {
		// Step 6: release the port on any failure after step 3.
		if relErr := m.ports.Release(ctx, port); relErr != nil {
			log.Error().Err(relErr).Msg("failed to release port after failed create")
		}
		return nil, err
	}

	inst := &types.Instance{
		ID:          id,
		Kind:        req.Kind,
		Name:        req.Name,
		Port:        port,
		ContainerID: result.ContainerID,
		Status:      types.StatusRunning,
		GPUID:       result.GPUID,
		VLLM:        req.VLLM,
		Ollama:      req.Ollama,
	}

	// Step 5: insert the record. If this fails, never leave a
	// container without a record: ask the driver to remove it.
	if err := m.db.CreateInstance(ctx, inst); err != nil {
		if rmErr := drv.Remove(ctx, result.ContainerID); rmErr != nil {
			log.Error().Err(rmErr).Msg("failed to remove container after failed record insert")
		}
		if relErr := m.ports.Release(ctx, port); relErr != nil {
			log.Error().Err(relErr).Msg("failed to release port after failed record insert")
		}
		return nil, err
	}

	return inst, nil
}

// Start proxies to the driver and updates status. It never fails the
// call on a Store write error once the driver succeeded; it logs and
// relies on the Reconciler to catch up later.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, err := m.db.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	drv, err := m.driverFor(inst.Kind)
	if err != nil {
		return err
	}

	if err := drv.Start(ctx, inst.ContainerID); err != nil {
		return err
	}

	running := types.StatusRunning
	if err := m.db.UpdateInstance(ctx, id, store.InstancePatch{Status: &running}); err != nil {
		log.Error().Err(err).Str("instance_id", id.String()).Msg("driver started but store update failed")
	}
	return nil
}

// Stop proxies to the driver and updates status.
func (m *Manager) Stop(ctx context.Context, id uuid.UUID) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, err := m.db.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	drv, err := m.driverFor(inst.Kind)
	if err != nil {
		return err
	}

	if err := drv.Stop(ctx, inst.ContainerID); err != nil {
		return err
	}

	stopped := types.StatusStopped
	if err := m.db.UpdateInstance(ctx, id, store.InstancePatch{Status: &stopped}); err != nil {
		log.Error().Err(err).Str("instance_id", id.String()).Msg("driver stopped but store update failed")
	}
	return nil
}

// Restart proxies to the driver and updates status.
func (m *Manager) Restart(ctx context.Context, id uuid.UUID) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, err := m.db.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	drv, err := m.driverFor(inst.Kind)
	if err != nil {
		return err
	}

	if err := drv.Restart(ctx, inst.ContainerID); err != nil {
		return err
	}

	running := types.StatusRunning
	if err := m.db.UpdateInstance(ctx, id, store.InstancePatch{Status: &running}); err != nil {
		log.Error().Err(err).Str("instance_id", id.String()).Msg("driver restarted but store update failed")
	}
	return nil
}

// Remove asks the driver to remove the container (idempotent),
// releases the port, and deletes the record. A non-gone driver
// failure aborts and leaves the record intact (spec.md §4.6).
func (m *Manager) Remove(ctx context.Context, id uuid.UUID) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	defer m.locks.Delete(id)

	inst, err := m.db.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	drv, err := m.driverFor(inst.Kind)
	if err != nil {
		return err
	}

	if err := drv.Remove(ctx, inst.ContainerID); err != nil && !apperr.Is(err, apperr.KindGone) {
		return err
	}

	if err := m.ports.Release(ctx, inst.Port); err != nil {
		log.Error().Err(err).Str("instance_id", id.String()).Msg("failed to release port during remove")
	}

	return m.db.DeleteInstance(ctx, id)
}

// Update replaces an instance's container in place: stop+remove the
// old one, create a new one with the same id and port (spec.md §4.6).
// Rollback to the prior configuration is best-effort only.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, vllm types.VLLMConfig, ollama types.OllamaConfig) (*types.Instance, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	inst, err := m.db.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	drv, err := m.driverFor(inst.Kind)
	if err != nil {
		return nil, err
	}

	_ = drv.Stop(ctx, inst.ContainerID)
	if err := drv.Remove(ctx, inst.ContainerID); err != nil && !apperr.Is(err, apperr.KindGone) {
		errStatus := types.StatusError
		_ = m.db.UpdateInstance(ctx, id, store.InstancePatch{Status: &errStatus})
		return nil, err
	}

	result, err := drv.CreateAndStart(ctx, engine.CreateSpec{
		InstanceID: id,
		Name:       inst.Name,
		Port:       inst.Port,
		GPUID:      inst.GPUID,
		VLLM:       vllm,
		Ollama:     ollama,
	})
	if err != nil {
		errStatus := types.StatusError
		_ = m.db.UpdateInstance(ctx, id, store.InstancePatch{Status: &errStatus})
		return nil, err
	}

	running := types.StatusRunning
	patch := store.InstancePatch{
		Status:      &running,
		ContainerID: &result.ContainerID,
		VLLM:        &vllm,
		Ollama:      &ollama,
	}
	if err := m.db.UpdateInstance(ctx, id, patch); err != nil {
		return nil, err
	}

	return m.db.GetInstance(ctx, id)
}

// ListedInstance augments a stored record with a live status pulled
// from the driver.
type ListedInstance struct {
	*types.Instance
	LiveRunning bool
}

// List returns stored records for kind, each augmented with live
// status; a per-record driver error maps to status=error without
// failing the whole call (spec.md §4.6).
func (m *Manager) List(ctx context.Context, kind types.Kind) ([]ListedInstance, error) {
	instances, err := m.db.ListInstances(ctx, kind, "")
	if err != nil {
		return nil, err
	}

	drv, err := m.driverFor(kind)
	if err != nil {
		return nil, err
	}

	out := make([]ListedInstance, 0, len(instances))
	for _, inst := range instances {
		live, err := drv.Inspect(ctx, inst.ContainerID)
		if err != nil {
			inst.Status = types.StatusError
			out = append(out, ListedInstance{Instance: inst, LiveRunning: false})
			continue
		}
		out = append(out, ListedInstance{Instance: inst, LiveRunning: live.Running})
	}
	return out, nil
}

// ListWithReconcile runs the Reconciler before listing.
func (m *Manager) ListWithReconcile(ctx context.Context, kind types.Kind) ([]ListedInstance, error) {
	if _, err := m.recon.Run(ctx); err != nil {
		log.Warn().Err(err).Msg("reconciliation before list failed")
	}
	return m.List(ctx, kind)
}

// Get returns one stored record by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*types.Instance, error) {
	return m.db.GetInstance(ctx, id)
}

// ListModels returns the Ollama Model Records attached to an instance.
func (m *Manager) ListModels(ctx context.Context, id uuid.UUID) ([]*types.OllamaModel, error) {
	return m.db.ListModels(ctx, id)
}

// Logs returns the last tailLines of combined stdout/stderr for an
// instance's container.
func (m *Manager) Logs(ctx context.Context, id uuid.UUID, tailLines int) ([]byte, error) {
	inst, err := m.db.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	drv, err := m.driverFor(inst.Kind)
	if err != nil {
		return nil, err
	}
	return drv.Logs(ctx, inst.ContainerID, tailLines)
}
