package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ddunford/vllmmanager/internal/engine"
	"github.com/ddunford/vllmmanager/internal/gpu"
	"github.com/ddunford/vllmmanager/internal/instance"
	"github.com/ddunford/vllmmanager/internal/portalloc"
	"github.com/ddunford/vllmmanager/internal/puller"
	"github.com/ddunford/vllmmanager/internal/reconciler"
	"github.com/ddunford/vllmmanager/internal/store"
	"github.com/ddunford/vllmmanager/internal/types"
)

type fakeDriver struct{}

func (f *fakeDriver) CreateAndStart(ctx context.Context, spec engine.CreateSpec) (engine.CreateResult, error) {
	return engine.CreateResult{ContainerID: "container-" + spec.Name, GPUID: spec.GPUID}, nil
}
func (f *fakeDriver) Start(ctx context.Context, containerID string) error   { return nil }
func (f *fakeDriver) Stop(ctx context.Context, containerID string) error   { return nil }
func (f *fakeDriver) Restart(ctx context.Context, containerID string) error { return nil }
func (f *fakeDriver) Remove(ctx context.Context, containerID string) error { return nil }
func (f *fakeDriver) Inspect(ctx context.Context, containerID string) (engine.InspectResult, error) {
	return engine.InspectResult{Running: true, Status: types.StatusRunning}, nil
}
func (f *fakeDriver) Logs(ctx context.Context, containerID string, tailLines int) ([]byte, error) {
	return []byte("log line\n"), nil
}
func (f *fakeDriver) ListOwnedContainers(ctx context.Context) ([]engine.OwnedContainer, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	ports, err := portalloc.New(ctx, db, 9600, 9610)
	require.NoError(t, err)

	inv, err := gpu.New()
	require.NoError(t, err)

	drivers := map[types.Kind]engine.Driver{types.KindVLLM: &fakeDriver{}, types.KindOllama: &fakeDriver{}}
	recon := reconciler.New(db, drivers)
	mgr := instance.New(db, ports, inv, drivers, recon, "sk-", "")
	p := puller.New(db)

	srv := New(mgr, p, inv, recon, "", 0)
	return httptest.NewServer(srv.Router())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateListGetRemoveContainer(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	createBody := `{"name":"x","modelName":"org/model","requireAuth":false}`
	resp, err := http.Post(ts.URL+"/containers", "application/json", bytes.NewBufferString(createBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created instanceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, 9600, created.Port)
	require.Equal(t, types.StatusRunning, created.Status)

	listResp, err := http.Get(ts.URL + "/containers")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list []instanceResponse
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 1)

	getResp, err := http.Get(ts.URL + "/containers/" + created.ID.String())
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/containers/"+created.ID.String(), nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	missingResp, err := http.Get(ts.URL + "/containers/" + created.ID.String())
	require.NoError(t, err)
	defer missingResp.Body.Close()
	require.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

func TestCreateSurfacesEffectiveAPIKeyOnce(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	createBody := `{"name":"y","modelName":"org/model","requireAuth":true,"apiKey":"k"}`
	resp, err := http.Post(ts.URL+"/containers", "application/json", bytes.NewBufferString(createBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created instanceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, 9600, created.Port)
	require.Equal(t, "sk-k", created.APIKey)

	getResp, err := http.Get(ts.URL + "/containers/" + created.ID.String())
	require.NoError(t, err)
	defer getResp.Body.Close()
	var fetched instanceResponse
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&fetched))
	require.Empty(t, fetched.APIKey)
}

func TestCreateRejectsMissingModelName(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/containers", "application/json", bytes.NewBufferString(`{"name":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGPUInventoryEndpoints(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/system/gpu")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statsResp, err := http.Get(ts.URL + "/system/gpu/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
}
