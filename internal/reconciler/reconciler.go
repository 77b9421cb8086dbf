// Package reconciler keeps the Store and the container daemon coherent
// in the face of out-of-band changes: crashes mid-create, a user
// running `docker rm`, or stale port reservations (spec.md §4.5).
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/ddunford/vllmmanager/internal/engine"
	"github.com/ddunford/vllmmanager/internal/store"
	"github.com/ddunford/vllmmanager/internal/types"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Imported        []uuid.UUID
	SkippedConflict []string // container ids skipped for port conflict
	StaleReleased   []int    // ports whose reservation was dropped
	Warning         string   // set when the pass hit its read-path budget
}

// Reconciler runs orphan detection/import and stale reservation
// cleanup against the per-kind Drivers and one Store. A coarse write lock keeps
// the pass mutually exclusive with create/remove on the same id
// (spec.md §5).
type Reconciler struct {
	db      store.Store
	drivers map[types.Kind]engine.Driver
	mu      sync.Mutex
}

// New constructs a Reconciler over the given Store and per-kind Engine
// Drivers.
func New(db store.Store, drivers map[types.Kind]engine.Driver) *Reconciler {
	return &Reconciler{db: db, drivers: drivers}
}

// Run executes one full reconciliation pass: orphan import followed by
// stale reservation cleanup, independent of what orphan import did.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report Report

	for kind, drv := range r.drivers {
		owned, err := drv.ListOwnedContainers(ctx)
		if err != nil {
			return report, fmt.Errorf("reconciler: list owned containers (%s): %w", kind, err)
		}

		orphans := r.findOrphans(ctx, owned)

		var wg conc.WaitGroup
		var mu sync.Mutex
		for _, orphan := range orphans {
			orphan := orphan
			wg.Go(func() {
				imported, skipReason, err := r.importOrphan(ctx, kind, drv, orphan)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					log.Warn().Err(err).Str("container_id", orphan.ContainerID).Msg("failed to import orphaned container")
					return
				}
				if skipReason != "" {
					report.SkippedConflict = append(report.SkippedConflict, orphan.ContainerID)
					return
				}
				report.Imported = append(report.Imported, imported)
			})
		}
		wg.Wait()
	}

	released, err := r.releaseStaleReservations(ctx)
	if err != nil {
		return report, fmt.Errorf("reconciler: stale reservations: %w", err)
	}
	report.StaleReleased = released

	return report, nil
}

// RunBounded runs Run but gives up after budget, returning the partial
// report and a warning instead of blocking a read-path caller
// indefinitely (spec.md §4.5).
func (r *Reconciler) RunBounded(ctx context.Context, budget time.Duration) Report {
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		report Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := r.Run(cctx)
		done <- result{report, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			res.report.Warning = res.err.Error()
		}
		return res.report
	case <-cctx.Done():
		return Report{Warning: "reconciliation did not complete within budget, returning stale view"}
	}
}

// OrphanInfo describes one detected-but-not-yet-imported orphan, for
// the Control API's orphan-listing endpoint (spec.md §6).
type OrphanInfo struct {
	ContainerID string
	Name        string
	InstanceID  uuid.UUID
	Kind        types.Kind
	HostPort    int
}

// Detect lists orphaned containers across all drivers without
// importing them (spec.md §6's GET /containers/orphans).
func (r *Reconciler) Detect(ctx context.Context) ([]OrphanInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []OrphanInfo
	for kind, drv := range r.drivers {
		owned, err := drv.ListOwnedContainers(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconciler: list owned containers (%s): %w", kind, err)
		}
		for _, orphan := range r.findOrphans(ctx, owned) {
			out = append(out, OrphanInfo{
				ContainerID: orphan.ContainerID,
				Name:        orphan.name,
				InstanceID:  orphan.id,
				Kind:        kind,
				HostPort:    orphan.HostPort,
			})
		}
	}
	return out, nil
}

// ImportSelected imports only the named subset of detected orphans
// (spec.md §6's POST /containers/orphans/import).
func (r *Reconciler) ImportSelected(ctx context.Context, containerIDs []string) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool, len(containerIDs))
	for _, id := range containerIDs {
		want[id] = true
	}

	var report Report
	for kind, drv := range r.drivers {
		owned, err := drv.ListOwnedContainers(ctx)
		if err != nil {
			return report, fmt.Errorf("reconciler: list owned containers (%s): %w", kind, err)
		}
		for _, orphan := range r.findOrphans(ctx, owned) {
			if !want[orphan.ContainerID] {
				continue
			}
			imported, skipReason, err := r.importOrphan(ctx, kind, drv, orphan)
			if err != nil {
				log.Warn().Err(err).Str("container_id", orphan.ContainerID).Msg("failed to import orphaned container")
				continue
			}
			if skipReason != "" {
				report.SkippedConflict = append(report.SkippedConflict, orphan.ContainerID)
				continue
			}
			report.Imported = append(report.Imported, imported)
		}
	}
	return report, nil
}

type orphanCandidate struct {
	engine.OwnedContainer
	name string
	id   uuid.UUID
}

func (r *Reconciler) findOrphans(ctx context.Context, owned []engine.OwnedContainer) []orphanCandidate {
	var orphans []orphanCandidate
	for _, c := range owned {
		_, name, id, ok := engine.ParseContainerName(c.Name)
		if !ok {
			continue
		}
		if _, err := r.db.GetInstance(ctx, id); err == nil {
			continue // already tracked
		}
		orphans = append(orphans, orphanCandidate{OwnedContainer: c, name: name, id: id})
	}
	return orphans
}

// importOrphan implements spec.md §4.5's orphan-import steps 1-4. It
// returns a non-empty skipReason instead of an error when the orphan's
// port is legitimately held by a different live instance.
func (r *Reconciler) importOrphan(ctx context.Context, kind types.Kind, drv engine.Driver, orphan orphanCandidate) (uuid.UUID, string, error) {
	if orphan.HostPort == 0 {
		return uuid.Nil, "", fmt.Errorf("no host port binding found for %s", orphan.ContainerID)
	}

	// Step 1: drop any stale reservation for this port before checking
	// for a live conflict.
	reservations, err := r.db.ListReservations(ctx)
	if err != nil {
		return uuid.Nil, "", err
	}
	for _, res := range reservations {
		if res.Port != orphan.HostPort {
			continue
		}
		if _, err := r.db.GetInstance(ctx, res.InstanceID); err != nil {
			_ = r.db.ReleasePort(ctx, res.Port)
		}
	}

	// Step 2: if the port is still reserved by a live instance, skip.
	reservations, err = r.db.ListReservations(ctx)
	if err != nil {
		return uuid.Nil, "", err
	}
	for _, res := range reservations {
		if res.Port == orphan.HostPort {
			return uuid.Nil, "port conflict", nil
		}
	}

	inspect, err := drv.Inspect(ctx, orphan.ContainerID)
	if err != nil {
		return uuid.Nil, "", err
	}

	gpuID := gpuIDFromOrphan(orphan)

	inst := &types.Instance{
		ID:          orphan.id,
		Kind:        kind,
		Name:        orphan.name,
		Port:        orphan.HostPort,
		ContainerID: orphan.ContainerID,
		Status:      types.StatusStopped,
		GPUID:       gpuID,
		Import: types.ImportInfo{
			Imported:          true,
			OriginalContainer: orphan.Name,
			ImportedAt:        time.Now(),
		},
	}
	if inspect.Running {
		inst.Status = types.StatusRunning
	}
	if kind == types.KindVLLM {
		inst.VLLM.ModelRef = modelRefFromOrphan(orphan)
	}

	// Steps 3 and 4 go together: insert the record, then reserve the
	// port. If the reservation fails, the record is deleted again so the
	// container stays an orphan and the next pass retries the import.
	if err := r.db.CreateInstance(ctx, inst); err != nil {
		return uuid.Nil, "", err
	}
	if err := r.db.ReservePort(ctx, orphan.HostPort, orphan.id); err != nil {
		if delErr := r.db.DeleteInstance(ctx, orphan.id); delErr != nil {
			log.Error().Err(delErr).Str("instance_id", orphan.id.String()).Msg("failed to roll back imported record")
		}
		return uuid.Nil, "", fmt.Errorf("import of %s rolled back, port reservation failed: %w", orphan.id, err)
	}

	return orphan.id, "", nil
}

func gpuIDFromOrphan(orphan orphanCandidate) string {
	if len(orphan.GPUDeviceIDs) == 0 {
		return types.CPUSentinel
	}
	if orphan.GPUDeviceIDs[0] == "all" {
		return types.AutoSentinel
	}
	return orphan.GPUDeviceIDs[0]
}

func modelRefFromOrphan(orphan orphanCandidate) string {
	for i, arg := range orphan.Command {
		if arg == "--model" && i+1 < len(orphan.Command) {
			return orphan.Command[i+1]
		}
	}
	for _, e := range orphan.Env {
		if len(e) > len("MODEL_NAME=") && e[:len("MODEL_NAME=")] == "MODEL_NAME=" {
			return e[len("MODEL_NAME="):]
		}
	}
	return ""
}

// releaseStaleReservations deletes any reservation whose instance_id
// does not exist in Store, independent of orphan import (spec.md
// §4.5's "Stale reservation cleanup").
func (r *Reconciler) releaseStaleReservations(ctx context.Context) ([]int, error) {
	reservations, err := r.db.ListReservations(ctx)
	if err != nil {
		return nil, err
	}

	var released []int
	for _, res := range reservations {
		if _, err := r.db.GetInstance(ctx, res.InstanceID); err == nil {
			continue
		}
		if err := r.db.ReleasePort(ctx, res.Port); err != nil {
			return released, err
		}
		released = append(released, res.Port)
	}
	return released, nil
}
