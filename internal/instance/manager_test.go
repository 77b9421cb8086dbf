package instance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ddunford/vllmmanager/internal/engine"
	"github.com/ddunford/vllmmanager/internal/gpu"
	"github.com/ddunford/vllmmanager/internal/portalloc"
	"github.com/ddunford/vllmmanager/internal/reconciler"
	"github.com/ddunford/vllmmanager/internal/store"
	"github.com/ddunford/vllmmanager/internal/types"
)

type fakeDriver struct {
	createErr    error
	removeErr    error
	nextID       string
	removedCalls []string
}

func (f *fakeDriver) CreateAndStart(ctx context.Context, spec engine.CreateSpec) (engine.CreateResult, error) {
	if f.createErr != nil {
		return engine.CreateResult{}, f.createErr
	}
	id := f.nextID
	if id == "" {
		id = "container-" + spec.Name
	}
	return engine.CreateResult{ContainerID: id, GPUID: spec.GPUID}, nil
}
func (f *fakeDriver) Start(ctx context.Context, containerID string) error   { return nil }
func (f *fakeDriver) Stop(ctx context.Context, containerID string) error   { return nil }
func (f *fakeDriver) Restart(ctx context.Context, containerID string) error { return nil }
func (f *fakeDriver) Remove(ctx context.Context, containerID string) error {
	f.removedCalls = append(f.removedCalls, containerID)
	return f.removeErr
}
func (f *fakeDriver) Inspect(ctx context.Context, containerID string) (engine.InspectResult, error) {
	return engine.InspectResult{Running: true, Status: types.StatusRunning}, nil
}
func (f *fakeDriver) Logs(ctx context.Context, containerID string, tailLines int) ([]byte, error) {
	return nil, nil
}
func (f *fakeDriver) ListOwnedContainers(ctx context.Context) ([]engine.OwnedContainer, error) {
	return nil, nil
}

func newTestManager(t *testing.T, drv engine.Driver) (*Manager, store.Store) {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	ports, err := portalloc.New(ctx, db, 9500, 9510)
	require.NoError(t, err)

	inv, err := gpu.New()
	require.NoError(t, err)

	drivers := map[types.Kind]engine.Driver{types.KindVLLM: drv, types.KindOllama: drv}
	recon := reconciler.New(db, drivers)

	return New(db, ports, inv, drivers, recon, "sk-", ""), db
}

func TestCreateInsertsRunningInstance(t *testing.T) {
	ctx := context.Background()
	mgr, db := newTestManager(t, &fakeDriver{})

	inst, err := mgr.Create(ctx, CreateRequest{
		Name: "my-model",
		Kind: types.KindVLLM,
		VLLM: types.VLLMConfig{ModelRef: "org/model"},
	})
	require.NoError(t, err)
	require.Equal(t, types.StatusRunning, inst.Status)
	require.NotZero(t, inst.Port)

	stored, err := db.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, inst.ContainerID, stored.ContainerID)
}

func TestCreateReleasesPortOnDriverFailure(t *testing.T) {
	ctx := context.Background()
	mgr, db := newTestManager(t, &fakeDriver{createErr: errors.New("boom")})

	before, err := db.ListReservations(ctx)
	require.NoError(t, err)
	require.Empty(t, before)

	_, err = mgr.Create(ctx, CreateRequest{Name: "fails", Kind: types.KindVLLM, VLLM: types.VLLMConfig{ModelRef: "x"}})
	require.Error(t, err)

	after, err := db.ListReservations(ctx)
	require.NoError(t, err)
	require.Empty(t, after)
}

func TestRemoveReleasesPortAndDeletesRecord(t *testing.T) {
	ctx := context.Background()
	mgr, db := newTestManager(t, &fakeDriver{})

	inst, err := mgr.Create(ctx, CreateRequest{Name: "to-remove", Kind: types.KindVLLM, VLLM: types.VLLMConfig{ModelRef: "x"}})
	require.NoError(t, err)

	require.NoError(t, mgr.Remove(ctx, inst.ID))

	_, err = db.GetInstance(ctx, inst.ID)
	require.Error(t, err)

	_, ok, err := db.LookupPort(ctx, inst.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListAugmentsWithLiveStatus(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, &fakeDriver{})

	_, err := mgr.Create(ctx, CreateRequest{Name: "listed", Kind: types.KindVLLM, VLLM: types.VLLMConfig{ModelRef: "x"}})
	require.NoError(t, err)

	listed, err := mgr.List(ctx, types.KindVLLM)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.True(t, listed[0].LiveRunning)
}

func TestCreateDerivesEffectiveAPIKeyFromSuppliedKey(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, &fakeDriver{})

	inst, err := mgr.Create(ctx, CreateRequest{
		Name: "y",
		Kind: types.KindVLLM,
		VLLM: types.VLLMConfig{ModelRef: "org/model", RequireAuth: true, APIKeyHash: "k"},
	})
	require.NoError(t, err)
	require.Equal(t, "sk-k", inst.VLLM.APIKeyHash)
}

func TestCreateSynthesizesAPIKeyWhenAuthRequiredAndNoneSupplied(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, &fakeDriver{})

	inst, err := mgr.Create(ctx, CreateRequest{
		Name: "z",
		Kind: types.KindVLLM,
		VLLM: types.VLLMConfig{ModelRef: "org/model", RequireAuth: true},
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(inst.VLLM.APIKeyHash, "sk-"))
	require.Greater(t, len(inst.VLLM.APIKeyHash), len("sk-"))
}

func TestCreateMergesSettingsDefaults(t *testing.T) {
	ctx := context.Background()
	mgr, db := newTestManager(t, &fakeDriver{})

	require.NoError(t, db.SetSetting(ctx, settingDefaultHostname, "gpu-box-1"))
	require.NoError(t, db.SetSetting(ctx, settingDefaultAPIKey, "team-default"))

	inst, err := mgr.Create(ctx, CreateRequest{
		Name: "w",
		Kind: types.KindVLLM,
		VLLM: types.VLLMConfig{ModelRef: "org/model", RequireAuth: true},
	})
	require.NoError(t, err)
	require.Equal(t, "gpu-box-1", inst.VLLM.Hostname)
	require.Equal(t, "sk-team-default", inst.VLLM.APIKeyHash)
}
