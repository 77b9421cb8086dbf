package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 8001, cfg.Ports.Min)
	require.Equal(t, 9000, cfg.Ports.Max)
	require.Equal(t, "/var/run/docker.sock", cfg.Docker.SocketPath)
	require.True(t, cfg.Store.AutoMigrate)
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MIN_PORT", "8500")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 8500, cfg.Ports.Min)
}
