package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/nebulafs/internal/transport/rdma"
)

func writeConfigFile(t *testing.T, content map[string]any) string {
	t.Helper()

	data, err := yaml.Marshal(content)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nebulafs.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, 9101, cfg.MetricsPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, rdma.TransportAuto, cfg.RDMA.Transport)
	assert.Equal(t, 3, cfg.RDMA.MaxResolveRetries)
	assert.True(t, cfg.RDMA.Simulated)
	assert.Empty(t, cfg.Peers)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"node_name": "client-7",
		"peers":     []string{"10.0.0.1:9700", "10.0.0.2:9700"},
		"log_level": "debug",
		"rdma": map[string]any{
			"device_name":         "mlx5_1",
			"transport":           "roce",
			"max_resolve_retries": 5,
			"connect_timeout":     "3s",
			"accept_backlog":      32,
		},
	})

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "client-7", cfg.NodeName)
	assert.Equal(t, []string{"10.0.0.1:9700", "10.0.0.2:9700"}, cfg.Peers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "mlx5_1", cfg.RDMA.DeviceName)
	assert.Equal(t, rdma.TransportRoCEv2, cfg.RDMA.Transport)
	assert.Equal(t, 5, cfg.RDMA.MaxResolveRetries)
	assert.Equal(t, 3*time.Second, cfg.RDMA.ConnectTimeout)
	assert.Equal(t, 32, cfg.RDMA.AcceptBacklog)
}

func TestLoadOptionsOverrideFile(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"peers":        []string{"10.0.0.1:9700"},
		"metrics_port": 9200,
		"log_level":    "warn",
	})

	cfg, err := Load(path, Options{
		Peers:       []string{"10.0.0.5:9700"},
		MetricsPort: 9300,
		LogLevel:    "trace",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.5:9700"}, cfg.Peers)
	assert.Equal(t, 9300, cfg.MetricsPort)
	assert.Equal(t, "trace", cfg.LogLevel)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NEBULAFS_LOG_LEVEL", "error")
	t.Setenv("NEBULAFS_RDMA_DEVICE_NAME", "mlx5_0")

	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "mlx5_0", cfg.RDMA.DeviceName)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content map[string]any
	}{
		{
			name:    "metrics port out of range",
			content: map[string]any{"metrics_port": 70000},
		},
		{
			name:    "peer without port",
			content: map[string]any{"peers": []string{"10.0.0.1"}},
		},
		{
			name:    "negative resolve retries",
			content: map[string]any{"rdma": map[string]any{"max_resolve_retries": -1}},
		},
		{
			name:    "zero accept backlog",
			content: map[string]any{"rdma": map[string]any{"accept_backlog": 0}},
		},
		{
			name:    "unknown transport",
			content: map[string]any{"rdma": map[string]any{"transport": "tcp"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.content)

			_, err := Load(path, Options{})
			assert.Error(t, err)
		})
	}
}

func TestRDMAManagerConfig(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"rdma": map[string]any{
			"send_queue_depth":     64,
			"recv_queue_depth":     64,
			"memory_region_size":   4096,
			"pre_allocate_regions": 4,
			"drain_timeout":        "2s",
		},
	})

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	mc := cfg.RDMAManagerConfig()
	assert.Equal(t, 64, mc.SendQueueDepth)
	assert.Equal(t, 64, mc.RecvQueueDepth)
	assert.Equal(t, 4096, mc.MemoryRegionSize)
	assert.Equal(t, 4, mc.PreAllocateRegions)
	assert.Equal(t, 2*time.Second, mc.DrainTimeout)
}
