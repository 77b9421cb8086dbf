package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSetupAppliesValidLevel(t *testing.T) {
	Setup("warn")
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestSetupFallsBackToInfoOnInvalidLevel(t *testing.T) {
	Setup("not-a-level")
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
