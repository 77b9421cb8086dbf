package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ddunford/vllmmanager/internal/engine"
	"github.com/ddunford/vllmmanager/internal/store"
	"github.com/ddunford/vllmmanager/internal/types"
)

type fakeDriver struct {
	owned []engine.OwnedContainer
}

func (f *fakeDriver) CreateAndStart(ctx context.Context, spec engine.CreateSpec) (engine.CreateResult, error) {
	return engine.CreateResult{}, nil
}
func (f *fakeDriver) Start(ctx context.Context, containerID string) error   { return nil }
func (f *fakeDriver) Stop(ctx context.Context, containerID string) error   { return nil }
func (f *fakeDriver) Restart(ctx context.Context, containerID string) error { return nil }
func (f *fakeDriver) Remove(ctx context.Context, containerID string) error { return nil }
func (f *fakeDriver) Inspect(ctx context.Context, containerID string) (engine.InspectResult, error) {
	return engine.InspectResult{Running: true, Status: types.StatusRunning}, nil
}
func (f *fakeDriver) Logs(ctx context.Context, containerID string, tailLines int) ([]byte, error) {
	return nil, nil
}
func (f *fakeDriver) ListOwnedContainers(ctx context.Context) ([]engine.OwnedContainer, error) {
	return f.owned, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunImportsOrphan(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	id := uuid.New()
	name := engine.ContainerName(types.KindVLLM, "orphaned", id)
	drv := &fakeDriver{owned: []engine.OwnedContainer{
		{
			ContainerID:  "c1",
			Name:         name,
			State:        "running",
			HostPort:     8500,
			Command:      []string{"--model", "org/model", "--port", "8000"},
			GPUDeviceIDs: []string{"all"},
		},
	}}

	r := New(db, map[types.Kind]engine.Driver{types.KindVLLM: drv})
	report, err := r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Imported, 1)
	require.Equal(t, id, report.Imported[0])

	inst, err := db.GetInstance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "orphaned", inst.Name)
	require.Equal(t, 8500, inst.Port)
	require.Equal(t, types.StatusRunning, inst.Status)
	require.Equal(t, types.AutoSentinel, inst.GPUID)
	require.Equal(t, "org/model", inst.VLLM.ModelRef)
	require.True(t, inst.Import.Imported)

	port, ok, err := db.LookupPort(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 8500, port)
}

func TestRunSkipsOrphanOnPortConflict(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	liveID := uuid.New()
	require.NoError(t, db.CreateInstance(ctx, &types.Instance{ID: liveID, Kind: types.KindVLLM, Name: "live", Port: 9100, Status: types.StatusRunning}))
	require.NoError(t, db.ReservePort(ctx, 9100, liveID))

	orphanID := uuid.New()
	name := engine.ContainerName(types.KindVLLM, "orphaned", orphanID)
	drv := &fakeDriver{owned: []engine.OwnedContainer{
		{ContainerID: "c2", Name: name, HostPort: 9100},
	}}

	r := New(db, map[types.Kind]engine.Driver{types.KindVLLM: drv})
	report, err := r.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Imported)
	require.Contains(t, report.SkippedConflict, "c2")

	_, err = db.GetInstance(ctx, orphanID)
	require.Error(t, err)
}

func TestRunReleasesStaleReservation(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	staleID := uuid.New()
	require.NoError(t, db.ReservePort(ctx, 9200, staleID))

	r := New(db, map[types.Kind]engine.Driver{types.KindVLLM: &fakeDriver{}})
	report, err := r.Run(ctx)
	require.NoError(t, err)
	require.Contains(t, report.StaleReleased, 9200)

	_, ok, err := db.LookupPort(ctx, staleID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunBoundedReturnsWarningOnTimeout(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	r := New(db, map[types.Kind]engine.Driver{types.KindVLLM: &fakeDriver{}})
	report := r.RunBounded(ctx, time.Nanosecond)
	require.NotEmpty(t, report.Warning)
}
