package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ddunford/vllmmanager/internal/types"
)

func TestContainerNameRoundTrip(t *testing.T) {
	id := uuid.New()
	name := ContainerName(types.KindVLLM, "my-model", id)
	require.Equal(t, "vllm-my-model-"+id.String(), name)

	kind, parsedName, parsedID, ok := ParseContainerName(name)
	require.True(t, ok)
	require.Equal(t, types.KindVLLM, kind)
	require.Equal(t, "my-model", parsedName)
	require.Equal(t, id, parsedID)
}

func TestContainerNameRoundTripOllama(t *testing.T) {
	id := uuid.New()
	name := ContainerName(types.KindOllama, "shared", id)

	kind, parsedName, parsedID, ok := ParseContainerName(name)
	require.True(t, ok)
	require.Equal(t, types.KindOllama, kind)
	require.Equal(t, "shared", parsedName)
	require.Equal(t, id, parsedID)
}

func TestParseContainerNameRejectsUnrelatedNames(t *testing.T) {
	_, _, _, ok := ParseContainerName("some-other-container")
	require.False(t, ok)
}

func TestParseContainerNameRejectsMalformedUUID(t *testing.T) {
	_, _, _, ok := ParseContainerName("vllm-foo-not-a-uuid")
	require.False(t, ok)
}
