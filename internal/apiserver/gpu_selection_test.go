package apiserver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ddunford/vllmmanager/internal/types"
)

func TestParseGPUSelectionEmptyIsAuto(t *testing.T) {
	pref, id := parseGPUSelection("")
	require.Equal(t, types.GPUAuto, pref)
	require.Empty(t, id)
}

func TestParseGPUSelectionNamedPreference(t *testing.T) {
	pref, id := parseGPUSelection("least_used")
	require.Equal(t, types.GPULeastUsed, pref)
	require.Empty(t, id)
}

func TestParseGPUSelectionExplicitPrefix(t *testing.T) {
	pref, id := parseGPUSelection("specific:2")
	require.Equal(t, types.GPUSpecific, pref)
	require.Equal(t, "2", id)
}

func TestParseGPUSelectionBareDeviceID(t *testing.T) {
	pref, id := parseGPUSelection("2")
	require.Equal(t, types.GPUSpecific, pref)
	require.Equal(t, "2", id)
}
