package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/nat"
	"github.com/docker/docker/client"

	"github.com/ddunford/vllmmanager/internal/apperr"
	"github.com/ddunford/vllmmanager/internal/types"
)

const vllmContainerPort = "8000/tcp"

// VLLMDriver drives one container per vLLM instance (spec.md §4.4).
type VLLMDriver struct {
	docker             *client.Client
	image              string
	huggingFaceToken   string
	defaultGPUMemUtil  float64
	defaultMaxNumSeqs  int
	apiKeyPrefix       string
	gpuCount           func(ctx context.Context) int
}

// NewVLLMDriver constructs a VLLMDriver. gpuCount reports the number of
// discovered GPUs, used to clamp a requested tensor-parallel size.
func NewVLLMDriver(docker *client.Client, image, hfToken string, defaultGPUMemUtil float64, defaultMaxNumSeqs int, apiKeyPrefix string, gpuCount func(ctx context.Context) int) *VLLMDriver {
	return &VLLMDriver{
		docker:            docker,
		image:             image,
		huggingFaceToken:  hfToken,
		defaultGPUMemUtil: defaultGPUMemUtil,
		defaultMaxNumSeqs: defaultMaxNumSeqs,
		apiKeyPrefix:      apiKeyPrefix,
		gpuCount:          gpuCount,
	}
}

func (d *VLLMDriver) buildArgs(cfg types.VLLMConfig) []string {
	args := []string{"--model", cfg.ModelRef, "--port", "8000", "--host", "0.0.0.0"}

	if cfg.RequireAuth {
		key := cfg.APIKeyHash
		if key != "" && !strings.HasPrefix(key, d.apiKeyPrefix) {
			key = d.apiKeyPrefix + key
		}
		args = append(args, "--api-key", key)
	}

	gpuMemUtil := cfg.GPUMemoryUtilization
	if gpuMemUtil <= 0 {
		gpuMemUtil = d.defaultGPUMemUtil
	}
	args = append(args, "--gpu-memory-utilization", fmt.Sprintf("%v", gpuMemUtil))

	maxNumSeqs := cfg.MaxNumSeqs
	if maxNumSeqs <= 0 {
		maxNumSeqs = d.defaultMaxNumSeqs
	}
	args = append(args, "--max-num-seqs", strconv.Itoa(maxNumSeqs))

	if cfg.MaxContextLength > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(cfg.MaxContextLength))
	}
	if cfg.TrustRemoteCode {
		args = append(args, "--trust-remote-code")
	}
	if cfg.Quantization != "" {
		args = append(args, "--quantization", cfg.Quantization)
	}

	return args
}

func (d *VLLMDriver) tensorParallelSize(requested int, gpuID string) int {
	n := d.gpuCount(context.Background())
	multiDevice := gpuID == types.AutoSentinel && n > 1
	if requested < 2 && !multiDevice {
		return 0
	}
	k := requested
	if k < 2 {
		k = n
	}
	if n > 0 && k > n {
		k = n
	}
	if k < 2 {
		return 0
	}
	return k
}

// CreateAndStart implements Driver.
func (d *VLLMDriver) CreateAndStart(ctx context.Context, spec CreateSpec) (CreateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, createAndStartTimeout)
	defer cancel()

	args := d.buildArgs(spec.VLLM)
	if k := d.tensorParallelSize(spec.VLLM.TensorParallelSize, spec.GPUID); k > 0 {
		args = append(args, "--tensor-parallel-size", strconv.Itoa(k))
	}

	env := deviceVisibilityEnv(spec.GPUID)
	if d.huggingFaceToken != "" {
		env = append(env, "HUGGING_FACE_HUB_TOKEN="+d.huggingFaceToken)
	}

	containerConfig := &container.Config{
		Image:        d.image,
		Hostname:     spec.VLLM.Hostname,
		Cmd:          args,
		Env:          env,
		ExposedPorts: nat.PortSet{nat.Port(vllmContainerPort): struct{}{}},
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: restartPolicy(),
		PortBindings: nat.PortMap{
			nat.Port(vllmContainerPort): []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.Port)}},
		},
		Resources: container.Resources{Ulimits: ulimitsNoFile()},
	}
	applyDeviceConfig(hostConfig, spec.GPUID)

	name := ContainerName(types.KindVLLM, spec.Name, spec.InstanceID)
	resp, err := d.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return CreateResult{}, apperr.Wrap(apperr.KindDriver, "create vllm container", err)
	}

	if err := startContainer(ctx, d.docker, resp.ID); err != nil {
		return CreateResult{}, err
	}

	return CreateResult{ContainerID: resp.ID, GPUID: spec.GPUID, DeviceInfo: deviceInfoString(spec.GPUID)}, nil
}

func deviceInfoString(gpuID string) string {
	if gpuID == "" || gpuID == types.CPUSentinel {
		return "cpu"
	}
	return "nvidia:" + gpuID
}

func (d *VLLMDriver) Start(ctx context.Context, containerID string) error {
	return startContainer(ctx, d.docker, containerID)
}

func (d *VLLMDriver) Stop(ctx context.Context, containerID string) error {
	return stopContainer(ctx, d.docker, containerID)
}

func (d *VLLMDriver) Restart(ctx context.Context, containerID string) error {
	return restartContainer(ctx, d.docker, containerID)
}

func (d *VLLMDriver) Remove(ctx context.Context, containerID string) error {
	return removeContainer(ctx, d.docker, containerID)
}

func (d *VLLMDriver) Inspect(ctx context.Context, containerID string) (InspectResult, error) {
	return inspectContainer(ctx, d.docker, containerID)
}

func (d *VLLMDriver) Logs(ctx context.Context, containerID string, tailLines int) ([]byte, error) {
	return fetchLogs(ctx, d.docker, containerID, tailLines)
}

func (d *VLLMDriver) ListOwnedContainers(ctx context.Context) ([]OwnedContainer, error) {
	return listOwnedContainers(ctx, d.docker, vllmPrefix)
}

var _ Driver = (*VLLMDriver)(nil)
