package portalloc

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAllocatePicksSmallestFree(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	a, err := New(ctx, db, 9000, 9002)
	require.NoError(t, err)

	id1 := uuid.New()
	port, err := a.Allocate(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, 9000, port)

	id2 := uuid.New()
	port2, err := a.Allocate(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, 9001, port2)

	require.NoError(t, a.Release(ctx, 9000))

	id3 := uuid.New()
	port3, err := a.Allocate(ctx, id3)
	require.NoError(t, err)
	require.Equal(t, 9000, port3)
}

func TestAllocateExhausted(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	a, err := New(ctx, db, 9100, 9101)
	require.NoError(t, err)

	_, err = a.Allocate(ctx, uuid.New())
	require.NoError(t, err)
	_, err = a.Allocate(ctx, uuid.New())
	require.NoError(t, err)

	_, err = a.Allocate(ctx, uuid.New())
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindExhausted))
}

func TestNewReloadsExistingReservations(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	existing := uuid.New()
	require.NoError(t, db.ReservePort(ctx, 9200, existing))

	a, err := New(ctx, db, 9200, 9201)
	require.NoError(t, err)
	require.True(t, a.InUse(9200))

	port, err := a.Allocate(ctx, uuid.New())
	require.NoError(t, err)
	require.Equal(t, 9201, port)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)

	a, err := New(ctx, db, 9300, 9300)
	require.NoError(t, err)

	id := uuid.New()
	_, ok, err := a.Lookup(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	port, err := a.Allocate(ctx, id)
	require.NoError(t, err)

	got, ok, err := a.Lookup(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, port, got)
}
