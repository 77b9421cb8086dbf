// Package gpu discovers local GPUs via the NVIDIA query utility, caches
// the topology, and selects a device for a new instance by policy
// (spec.md §4.3).
package gpu

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/types"
)

// Device describes one discovered GPU.
type Device struct {
	ID          int
	TotalMemMiB uint64
	FreeMemMiB  uint64
}

// RunningCounter reports, for a GPU id, how many instances the Store
// currently has in status=running targeting that device (spec.md §3's
// derived GPU Usage View).
type RunningCounter func(ctx context.Context, gpuID string) (int, error)

const topologyCacheKey = "topology"

// Inventory discovers and caches GPU topology, and resolves a
// GPUSelection preference to a concrete device id or the CPU sentinel.
type Inventory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, []Device]
}

// New constructs an Inventory. Discovery happens lazily on first
// selection, not here, so constructing an Inventory never shells out.
func New() (*Inventory, error) {
	cache, err := lru.New[string, []Device](1)
	if err != nil {
		return nil, fmt.Errorf("gpu: %w", err)
	}
	return &Inventory{cache: cache}, nil
}

// Refresh re-queries the vendor tool, replacing whatever topology is
// cached. Callers invoke this explicitly (e.g. an admin refresh
// endpoint); normal selection reuses whatever was last discovered.
func (inv *Inventory) Refresh(ctx context.Context) error {
	devices, err := discover(ctx)
	if err != nil {
		return err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.cache.Add(topologyCacheKey, devices)
	return nil
}

func (inv *Inventory) ensureDiscovered(ctx context.Context) error {
	inv.mu.Lock()
	_, ok := inv.cache.Get(topologyCacheKey)
	inv.mu.Unlock()

	if ok {
		return nil
	}
	return inv.Refresh(ctx)
}

func (inv *Inventory) snapshot() ([]Device, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	devices, ok := inv.cache.Get(topologyCacheKey)
	return devices, ok && len(devices) == 0
}

// Select resolves preference to a concrete device id (as a string) or
// types.CPUSentinel. For auto/least_used, count supplies the
// running-instance count that orders the candidates first.
func (inv *Inventory) Select(ctx context.Context, preference types.GPUSelection, specificID string, count RunningCounter) (string, error) {
	if err := inv.ensureDiscovered(ctx); err != nil {
		return "", err
	}

	devicesSnap, cpuOnly := inv.snapshot()
	devices := append([]Device(nil), devicesSnap...)

	if cpuOnly || preference == types.GPUCPU {
		return types.CPUSentinel, nil
	}

	switch preference {
	case types.GPUFirst:
		for _, d := range devices {
			if d.ID == 0 {
				return strconv.Itoa(d.ID), nil
			}
		}
		return "", apperr.New(apperr.KindNotFound, "no GPU with id 0")
	default:
		if specificID != "" && preference != types.GPUAuto && preference != types.GPULeastUsed {
			for _, d := range devices {
				if strconv.Itoa(d.ID) == specificID {
					return specificID, nil
				}
			}
			return "", apperr.New(apperr.KindNotFound, fmt.Sprintf("no GPU with id %s", specificID))
		}
	}

	// auto / least_used: sort ascending by running-instance count, then
	// descending by free memory, tie-break by lowest id.
	type candidate struct {
		dev     Device
		running int
	}
	candidates := make([]candidate, 0, len(devices))
	for _, d := range devices {
		n := 0
		if count != nil {
			var err error
			n, err = count(ctx, strconv.Itoa(d.ID))
			if err != nil {
				return "", fmt.Errorf("gpu: select: %w", err)
			}
		}
		candidates = append(candidates, candidate{dev: d, running: n})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].running != candidates[j].running {
			return candidates[i].running < candidates[j].running
		}
		if candidates[i].dev.FreeMemMiB != candidates[j].dev.FreeMemMiB {
			return candidates[i].dev.FreeMemMiB > candidates[j].dev.FreeMemMiB
		}
		return candidates[i].dev.ID < candidates[j].dev.ID
	})

	if len(candidates) == 0 {
		return types.CPUSentinel, nil
	}
	return strconv.Itoa(candidates[0].dev.ID), nil
}

// Devices returns the last-discovered topology, triggering discovery if
// it has never run.
func (inv *Inventory) Devices(ctx context.Context) ([]Device, error) {
	if err := inv.ensureDiscovered(ctx); err != nil {
		return nil, err
	}
	devices, _ := inv.snapshot()
	return append([]Device(nil), devices...), nil
}

func discover(ctx context.Context) ([]Device, error) {
	var out string
	err := retry.Do(
		func() error {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			cmd := exec.CommandContext(cctx, "nvidia-smi",
				"--query-gpu=index,memory.total,memory.free",
				"--format=csv,noheader,nounits")
			b, err := cmd.Output()
			if err != nil {
				return err
			}
			out = string(b)
			return nil
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n).Msg("nvidia-smi query failed, retrying")
		}),
	)
	if err != nil {
		// No vendor tool, or no devices: CPU-only mode, not an error.
		log.Info().Err(err).Msg("GPU discovery found no devices, entering CPU-only mode")
		return nil, nil
	}

	return parseDevices(out)
}

func parseDevices(out string) ([]Device, error) {
	var devices []Device
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		total, _ := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		free, _ := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
		devices = append(devices, Device{ID: id, TotalMemMiB: total, FreeMemMiB: free})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("gpu: parse: %w", err)
	}
	return devices, nil
}
