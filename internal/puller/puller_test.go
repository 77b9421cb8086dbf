package puller

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ddunford/vllmmanager/internal/store"
	"github.com/ddunford/vllmmanager/internal/types"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func ndjsonPullServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			fmt.Fprintln(w, line)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
}

func TestPullSucceedsAndMarksModelReady(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	instanceID := uuid.New()

	srv := ndjsonPullServer(t, []string{
		`{"status":"pulling manifest"}`,
		`{"status":"downloading","completed":50,"total":100}`,
		`{"status":"success","completed":100,"total":100}`,
	})
	defer srv.Close()

	p := New(db)
	events, err := p.Pull(ctx, instanceID, srv.URL, "llama3:8b")
	require.NoError(t, err)

	var last Progress
	for ev := range events {
		last = ev
	}
	require.True(t, last.Done)
	require.NoError(t, last.Err)
	require.Equal(t, "success", last.Status)

	models, err := db.ListModels(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, types.ModelReady, models[0].Status)
}

func TestPullWithoutSuccessMarksModelFailed(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	instanceID := uuid.New()

	srv := ndjsonPullServer(t, []string{
		`{"status":"pulling manifest"}`,
	})
	defer srv.Close()

	p := New(db)
	events, err := p.Pull(ctx, instanceID, srv.URL, "llama3:8b")
	require.NoError(t, err)

	var last Progress
	for ev := range events {
		last = ev
	}
	require.True(t, last.Done)
	require.Error(t, last.Err)

	models, err := db.ListModels(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, types.ModelFailed, models[0].Status)
}

func TestPullRejectsEmptyModelName(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	p := New(db)
	_, err := p.Pull(ctx, uuid.New(), "http://localhost", "")
	require.Error(t, err)
}
