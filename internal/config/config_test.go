package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 3, cfg.MaxConnectionsPerUser)
	require.Equal(t, 10000, cfg.MaxTotalConnections)
	require.Equal(t, 1000, cfg.MaxQueueSize)
	require.Equal(t, 80.0, cfg.CPUThreshold)
	require.Equal(t, 80.0, cfg.MemoryThreshold)
	require.Equal(t, 64*1024, cfg.MaxMessageSize)
	require.Empty(t, cfg.BroadcastSharedSecret)
}

func TestLoadMissingEnvFileIsNotAnError(t *testing.T) {
	_, err := Load("/nonexistent/path/.env")
	require.NoError(t, err)
}
