package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/lighthouse/internal/common"
	"github.com/dreamware/lighthouse/internal/lighthouse"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lighthouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultGRPCAddr, cfg.GRPCAddr)
	assert.Equal(t, lighthouse.DefaultConfig(), cfg.Lighthouse())
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
}

func TestLoadServerConfigFile(t *testing.T) {
	path := writeConfig(t, `
http_addr: ":9000"
heartbeat_timeout_ms: 2000
failure_tick_ms: 250
quorum_tick_ms: 50
join_timeout_ms: 3000
min_replicas: 2
`)
	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	lc := cfg.Lighthouse()
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, DefaultGRPCAddr, cfg.GRPCAddr)
	assert.Equal(t, 2*time.Second, lc.HeartbeatTimeout)
	assert.Equal(t, 250*time.Millisecond, lc.FailureTick)
	assert.Equal(t, 50*time.Millisecond, lc.QuorumTick)
	assert.Equal(t, 3*time.Second, lc.JoinTimeout)
	assert.Equal(t, 2, lc.MinReplicas)
	// unset fields keep their defaults
	assert.Equal(t, lighthouse.DefaultConfig().MaxJoinWait, lc.MaxJoinWait)
	assert.Equal(t, lighthouse.DefaultConfig().SubscriberBuffer, lc.SubscriberBuffer)
}

func TestLoadServerConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "http_addr: \":9000\"\n")
	t.Setenv(common.ENVConfigFilePath, path)
	t.Setenv(EnvHTTPAddr, ":9100")
	t.Setenv(EnvGRPCAddr, ":9101")

	cfg, err := LoadServerConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTPAddr)
	assert.Equal(t, ":9101", cfg.GRPCAddr)
}

func TestLoadServerConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := LoadServerConfig(writeConfig(t, "heartbeat_timeout_ms: [1, 2"))
		assert.Error(t, err)
	})

	t.Run("tick not shorter than timeout", func(t *testing.T) {
		_, err := LoadServerConfig(writeConfig(t, "heartbeat_timeout_ms: 1000\nfailure_tick_ms: 1000\n"))
		assert.ErrorIs(t, err, ErrInvalid)
		assert.ErrorIs(t, err, lighthouse.ErrInvalidConfig)
	})

	t.Run("negative duration", func(t *testing.T) {
		_, err := LoadServerConfig(writeConfig(t, "quorum_tick_ms: -5\n"))
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestLoadReplicaConfig(t *testing.T) {
	t.Setenv("REPLICA_ID", "trainer")
	t.Setenv("LIGHTHOUSE_ADDR", "lighthouse:29511")
	t.Setenv("LIGHTHOUSE_TRANSPORT", "grpc")
	t.Setenv("TARGET_WORLD_SIZE", "4")
	t.Setenv("HEARTBEAT_INTERVAL", "250ms")
	t.Setenv("SHRINK_ONLY", "true")

	cfg, err := LoadReplicaConfig()
	require.NoError(t, err)
	assert.Equal(t, "trainer", cfg.ReplicaName)
	assert.Equal(t, "lighthouse:29511", cfg.LighthouseAddr)
	assert.Equal(t, "grpc", cfg.Transport)
	assert.Equal(t, 4, cfg.TargetWorldSize)
	assert.Equal(t, 1, cfg.TargetMinWorldSize)
	assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.PollTimeout)
	assert.True(t, cfg.ShrinkOnly)
}

func TestLoadReplicaConfigErrors(t *testing.T) {
	tests := map[string][2]string{
		"bad transport": {"LIGHTHOUSE_TRANSPORT", "carrier-pigeon"},
		"bad duration":  {"LISTENER_POLL_TIMEOUT", "soon"},
		"bad int":       {"TARGET_WORLD_SIZE", "four"},
		"bad bool":      {"SHRINK_ONLY", "sometimes"},
		"zero capacity": {"FAILURE_QUEUE_CAPACITY", "0"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := LoadReplicaConfig()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
