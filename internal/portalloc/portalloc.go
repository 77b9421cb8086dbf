// Package portalloc hands out host TCP ports to new instances from a
// configured range, backed by the store's allocated_ports table so
// reservations survive a restart (spec.md §4.2).
package portalloc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/store"
)

// Allocator hands out ports in [Min, Max], keeping an in-memory cache of
// the reserved set in sync with the store so repeated allocations don't
// round-trip the database to find the next free slot.
type Allocator struct {
	db  store.Store
	min int
	max int

	mu       sync.Mutex
	reserved map[int]uuid.UUID
}

// New constructs an Allocator and loads the currently reserved ports
// from db. min and max are inclusive.
func New(ctx context.Context, db store.Store, min, max int) (*Allocator, error) {
	if min <= 0 || max <= 0 || min > max {
		return nil, fmt.Errorf("portalloc: invalid range [%d, %d]", min, max)
	}

	a := &Allocator{
		db:       db,
		min:      min,
		max:      max,
		reserved: make(map[int]uuid.UUID),
	}

	if err := a.reload(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allocator) reload(ctx context.Context) error {
	reservations, err := a.db.ListReservations(ctx)
	if err != nil {
		return fmt.Errorf("portalloc: reload: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.reserved = make(map[int]uuid.UUID, len(reservations))
	for _, r := range reservations {
		a.reserved[r.Port] = r.InstanceID
	}
	return nil
}

// Allocate reserves the smallest free port in the configured range for
// instanceID and persists the reservation. It returns apperr.KindExhausted
// when the range is full (spec.md §4.2 edge case).
func (a *Allocator) Allocate(ctx context.Context, instanceID uuid.UUID) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if _, taken := a.reserved[port]; taken {
			continue
		}

		if err := a.db.ReservePort(ctx, port, instanceID); err != nil {
			if apperr.Is(err, apperr.KindConflict) {
				// Lost a race with another process sharing the same
				// store; remember it and keep scanning.
				a.reserved[port] = uuid.Nil
				continue
			}
			return 0, fmt.Errorf("portalloc: allocate: %w", err)
		}

		a.reserved[port] = instanceID
		log.Debug().Int("port", port).Str("instance_id", instanceID.String()).Msg("port allocated")
		return port, nil
	}

	return 0, apperr.New(apperr.KindExhausted, fmt.Sprintf("no free port in [%d, %d]", a.min, a.max))
}

// Release frees port, making it eligible for reuse.
func (a *Allocator) Release(ctx context.Context, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.db.ReleasePort(ctx, port); err != nil {
		return fmt.Errorf("portalloc: release: %w", err)
	}
	delete(a.reserved, port)
	return nil
}

// Lookup returns the port currently reserved for instanceID, if any.
func (a *Allocator) Lookup(ctx context.Context, instanceID uuid.UUID) (int, bool, error) {
	port, ok, err := a.db.LookupPort(ctx, instanceID)
	if err != nil {
		return 0, false, fmt.Errorf("portalloc: lookup: %w", err)
	}
	return port, ok, nil
}

// InUse reports whether port is within the managed range and currently
// reserved by anyone.
func (a *Allocator) InUse(port int) bool {
	if port < a.min || port > a.max {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[port]
	return ok
}
