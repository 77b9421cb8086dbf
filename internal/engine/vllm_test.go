package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ddunford/vllmmanager/internal/types"
)

func newTestVLLMDriver(gpuCount int) *VLLMDriver {
	return NewVLLMDriver(nil, "vllm/vllm-openai:latest", "", 0.85, 256, "sk-", func(context.Context) int { return gpuCount })
}

func TestBuildArgsDefaults(t *testing.T) {
	d := newTestVLLMDriver(1)
	args := d.buildArgs(types.VLLMConfig{ModelRef: "meta/llama3-8b"})

	require.Equal(t, []string{
		"--model", "meta/llama3-8b",
		"--port", "8000",
		"--host", "0.0.0.0",
		"--gpu-memory-utilization", "0.85",
		"--max-num-seqs", "256",
	}, args)
}

func TestBuildArgsWithAuthAddsPrefix(t *testing.T) {
	d := newTestVLLMDriver(1)
	args := d.buildArgs(types.VLLMConfig{ModelRef: "m", RequireAuth: true, APIKeyHash: "abc123"})

	require.Contains(t, args, "--api-key")
	idx := indexOf(args, "--api-key")
	require.Equal(t, "sk-abc123", args[idx+1])
}

func TestBuildArgsWithAuthKeepsExistingPrefix(t *testing.T) {
	d := newTestVLLMDriver(1)
	args := d.buildArgs(types.VLLMConfig{ModelRef: "m", RequireAuth: true, APIKeyHash: "sk-already"})

	idx := indexOf(args, "--api-key")
	require.Equal(t, "sk-already", args[idx+1])
}

func TestBuildArgsOptionalFlags(t *testing.T) {
	d := newTestVLLMDriver(1)
	args := d.buildArgs(types.VLLMConfig{
		ModelRef:         "m",
		MaxContextLength: 4096,
		TrustRemoteCode:  true,
		Quantization:     "awq",
	})

	require.Contains(t, args, "--max-model-len")
	require.Contains(t, args, "--trust-remote-code")
	require.Contains(t, args, "--quantization")
}

func TestTensorParallelSizeBelowTwoIsOmitted(t *testing.T) {
	d := newTestVLLMDriver(4)
	require.Equal(t, 0, d.tensorParallelSize(1, "0"))
}

func TestTensorParallelSizeClampedToGPUCount(t *testing.T) {
	d := newTestVLLMDriver(2)
	require.Equal(t, 2, d.tensorParallelSize(8, "0"))
}

func TestTensorParallelSizeAutoOverMultipleDevices(t *testing.T) {
	d := newTestVLLMDriver(3)
	require.Equal(t, 3, d.tensorParallelSize(0, types.AutoSentinel))
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
