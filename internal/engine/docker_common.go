package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/types"
)

func parseDockerTime(s string) (time.Time, error) {
	if s == "" || s == "0001-01-01T00:00:00Z" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

// restartPolicy is shared by both drivers: "restart unless explicitly
// stopped" (spec.md §4.4).
func restartPolicy() container.RestartPolicy {
	return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
}

// applyDeviceConfig wires NVIDIA device access onto hostConfig for
// gpuID, which is either the CPU sentinel (no-op), types.AutoSentinel
// (all devices visible), or a specific device id. The device block
// always wins over any prior Runtime/DeviceRequests on hostConfig
// (spec.md §4.4).
func applyDeviceConfig(hostConfig *container.HostConfig, gpuID string) {
	if gpuID == "" || gpuID == types.CPUSentinel {
		return
	}

	hostConfig.Runtime = "nvidia"
	deviceIDs := []string{gpuID}
	if gpuID == types.AutoSentinel {
		deviceIDs = []string{"all"}
	}
	hostConfig.Resources.DeviceRequests = []container.DeviceRequest{
		{
			DeviceIDs:    deviceIDs,
			Capabilities: [][]string{{"gpu"}},
		},
	}
}

// deviceVisibilityEnv returns the vendor environment variables a
// container needs to see the devices selected by gpuID.
func deviceVisibilityEnv(gpuID string) []string {
	if gpuID == "" || gpuID == types.CPUSentinel {
		return nil
	}
	visible := gpuID
	if gpuID == types.AutoSentinel {
		visible = "all"
	}
	return []string{
		"NVIDIA_VISIBLE_DEVICES=" + visible,
		"NVIDIA_DRIVER_CAPABILITIES=all",
	}
}

func stopContainer(ctx context.Context, cli *client.Client, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	timeoutSec := 10
	if err := cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSec}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindDriver, "stop container", err)
	}
	return nil
}

func removeContainer(ctx context.Context, cli *client.Client, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindDriver, "remove container", err)
	}
	return nil
}

func startContainer(ctx context.Context, cli *client.Client, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, createAndStartTimeout)
	defer cancel()

	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return apperr.New(apperr.KindGone, "container no longer exists")
		}
		return apperr.Wrap(apperr.KindDriver, "start container", err)
	}
	return nil
}

func restartContainer(ctx context.Context, cli *client.Client, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	timeoutSec := 10
	if err := cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeoutSec}); err != nil {
		if errdefs.IsNotFound(err) {
			return apperr.New(apperr.KindGone, "container no longer exists")
		}
		return apperr.Wrap(apperr.KindDriver, "restart container", err)
	}
	return nil
}

func inspectContainer(ctx context.Context, cli *client.Client, containerID string) (InspectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	info, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return InspectResult{}, apperr.New(apperr.KindGone, "container no longer exists")
		}
		return InspectResult{}, apperr.Wrap(apperr.KindDriver, "inspect container", err)
	}

	result := InspectResult{Running: info.State.Running}
	switch {
	case info.State.Running:
		result.Status = types.StatusRunning
	case info.State.Dead || info.State.ExitCode != 0:
		result.Status = types.StatusError
	default:
		result.Status = types.StatusStopped
	}
	if t, err := parseDockerTime(info.State.StartedAt); err == nil {
		result.StartedAt = t
	}
	if t, err := parseDockerTime(info.State.FinishedAt); err == nil {
		result.FinishedAt = t
	}
	return result, nil
}

func fetchLogs(ctx context.Context, cli *client.Client, containerID string, tailLines int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, logsTimeout)
	defer cancel()

	if tailLines <= 0 {
		tailLines = 200
	}

	reader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tailLines),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, apperr.New(apperr.KindGone, "container no longer exists")
		}
		return nil, apperr.Wrap(apperr.KindDriver, "container logs", err)
	}
	defer reader.Close()

	var stdout, stderr pipeBuffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return nil, apperr.Wrap(apperr.KindDriver, "demultiplex container logs", err)
	}
	return append(stdout.b, stderr.b...), nil
}

// pipeBuffer is a minimal io.Writer sink for stdcopy.StdCopy.
type pipeBuffer struct{ b []byte }

func (p *pipeBuffer) Write(b []byte) (int, error) {
	p.b = append(p.b, b...)
	return len(b), nil
}

// listOwnedContainers lists every container (running or not) whose
// name starts with prefix+"-", inspecting each to recover the fields
// the Reconciler needs (spec.md §4.5).
func listOwnedContainers(ctx context.Context, cli *client.Client, prefix string) ([]OwnedContainer, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	summaries, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDriver, "list containers", err)
	}

	var owned []OwnedContainer
	for _, c := range summaries {
		var name string
		for _, n := range c.Names {
			trimmed := n
			if len(trimmed) > 0 && trimmed[0] == '/' {
				trimmed = trimmed[1:]
			}
			if len(trimmed) > len(prefix)+1 && trimmed[:len(prefix)+1] == prefix+"-" {
				name = trimmed
				break
			}
		}
		if name == "" {
			continue
		}

		info, err := cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}

		oc := OwnedContainer{
			ContainerID: c.ID,
			Name:        name,
			State:       c.State,
			Command:     info.Config.Cmd,
			Env:         info.Config.Env,
		}
		for _, binding := range c.Ports {
			if binding.PublicPort != 0 {
				oc.HostPort = int(binding.PublicPort)
				break
			}
		}
		if info.HostConfig != nil {
			for _, dr := range info.HostConfig.DeviceRequests {
				oc.GPUDeviceIDs = append(oc.GPUDeviceIDs, dr.DeviceIDs...)
			}
		}
		owned = append(owned, oc)
	}
	return owned, nil
}

// ulimitsNoFile mirrors the teacher's dev container resource limits;
// applied to both drivers' HostConfig so a busy inference server
// doesn't hit the default file-descriptor ceiling.
func ulimitsNoFile() []*units.Ulimit {
	return []*units.Ulimit{{Name: "nofile", Soft: 65536, Hard: 65536}}
}
