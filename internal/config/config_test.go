package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, int64(1024), cfg.Forwarder.MaxInFlight)
	require.Equal(t, uint64(1), cfg.ConnPool.MinConnections)
}

func TestLoad_RejectsMaxBelowMin(t *testing.T) {
	t.Setenv("MAX_THREADS", "1")
	t.Setenv("MIN_THREADS", "8")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsBadLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	_, err := Load()
	require.Error(t, err)
	os.Unsetenv("LOG_LEVEL")
}
