package engine

import (
	"context"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/nat"
	"github.com/docker/docker/client"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/types"
)

const (
	ollamaContainerPort = "11434/tcp"
	ollamaDataMount     = "/root/.ollama"
)

// OllamaDriver drives the single shared Ollama container. At most one
// container exists per host for this engine family; CreateAndStart
// attaches a new Instance to the existing container when present
// instead of creating another (spec.md §4.4).
type OllamaDriver struct {
	docker     *client.Client
	image      string
	volumeName string
}

// NewOllamaDriver constructs an OllamaDriver.
func NewOllamaDriver(docker *client.Client, image, volumeName string) *OllamaDriver {
	return &OllamaDriver{docker: docker, image: image, volumeName: volumeName}
}

// existingContainerID returns the container id of the host's Ollama
// container, if one is already running or stopped, detected by name
// prefix.
func (d *OllamaDriver) existingContainerID(ctx context.Context) (string, bool, error) {
	owned, err := listOwnedContainers(ctx, d.docker, ollamaPrefix)
	if err != nil {
		return "", false, err
	}
	if len(owned) == 0 {
		return "", false, nil
	}
	return owned[0].ContainerID, true, nil
}

// CreateAndStart implements Driver. If an Ollama container already
// exists on the host, its id is returned without creating a new
// container; the caller attaches the new Instance record to it.
func (d *OllamaDriver) CreateAndStart(ctx context.Context, spec CreateSpec) (CreateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, createAndStartTimeout)
	defer cancel()

	if existingID, ok, err := d.existingContainerID(ctx); err != nil {
		return CreateResult{}, err
	} else if ok {
		if err := startContainer(ctx, d.docker, existingID); err != nil {
			return CreateResult{}, err
		}
		return CreateResult{ContainerID: existingID, GPUID: spec.GPUID, DeviceInfo: deviceInfoString(spec.GPUID)}, nil
	}

	containerConfig := &container.Config{
		Image:        d.image,
		Hostname:     spec.Ollama.Hostname,
		Env:          deviceVisibilityEnv(spec.GPUID),
		ExposedPorts: nat.PortSet{nat.Port(ollamaContainerPort): struct{}{}},
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: restartPolicy(),
		PortBindings: nat.PortMap{
			nat.Port(ollamaContainerPort): []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: d.volumeName, Target: ollamaDataMount},
		},
		Resources: container.Resources{Ulimits: ulimitsNoFile()},
	}
	applyDeviceConfig(hostConfig, spec.GPUID)

	name := ContainerName(types.KindOllama, spec.Name, spec.InstanceID)
	resp, err := d.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return CreateResult{}, apperr.Wrap(apperr.KindDriver, "create ollama container", err)
	}

	if err := startContainer(ctx, d.docker, resp.ID); err != nil {
		return CreateResult{}, err
	}

	return CreateResult{ContainerID: resp.ID, GPUID: spec.GPUID, DeviceInfo: deviceInfoString(spec.GPUID)}, nil
}

func (d *OllamaDriver) Start(ctx context.Context, containerID string) error {
	return startContainer(ctx, d.docker, containerID)
}

func (d *OllamaDriver) Stop(ctx context.Context, containerID string) error {
	return stopContainer(ctx, d.docker, containerID)
}

func (d *OllamaDriver) Restart(ctx context.Context, containerID string) error {
	return restartContainer(ctx, d.docker, containerID)
}

func (d *OllamaDriver) Remove(ctx context.Context, containerID string) error {
	return removeContainer(ctx, d.docker, containerID)
}

func (d *OllamaDriver) Inspect(ctx context.Context, containerID string) (InspectResult, error) {
	return inspectContainer(ctx, d.docker, containerID)
}

func (d *OllamaDriver) Logs(ctx context.Context, containerID string, tailLines int) ([]byte, error) {
	return fetchLogs(ctx, d.docker, containerID, tailLines)
}

func (d *OllamaDriver) ListOwnedContainers(ctx context.Context) ([]OwnedContainer, error) {
	return listOwnedContainers(ctx, d.docker, ollamaPrefix)
}

var _ Driver = (*OllamaDriver)(nil)
