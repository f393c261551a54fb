package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/flexrate/internal/netclass"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Engine.GraceWindow)
	assert.Equal(t, 0.99, cfg.Engine.FullyBufferedRatio)
	assert.Equal(t, 0.8, cfg.Engine.SweepBufferedRatio)
	assert.Empty(t, cfg.Cluster.LogLevel)
	assert.Equal(t, []string{"h264", "vp09"}, cfg.Engine.CodecPriority)
	assert.Equal(t, []int{50, 200, 1000, 2500, 5000}, cfg.Engine.Tiers)
	assert.Equal(t, "fast", cfg.Engine.NetworkClass)
	assert.Equal(t, "json", cfg.Fetch.Format)
	assert.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  port: 9090
engine:
  grace_window: 250ms
  fully_buffered_ratio: 0.95
  sweep_buffered_ratio: 0.7
  codec_priority: [vp09, h264]
  tiers: [100, 300, 800, 2000, 6000]
  network_class: 3g
  max_bitrate_kbps: 4000
fetch:
  format: hls
  timeout: 2s
  max_retries: 5
cluster:
  enabled: true
  raft_id: node1
  bind_addr: 127.0.0.1:7000
  peers: [127.0.0.1:7000, 127.0.0.1:7001]
  log_level: warn
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.GraceWindow)
	assert.Equal(t, 0.95, cfg.Engine.FullyBufferedRatio)
	assert.Equal(t, []string{"vp09", "h264"}, cfg.Engine.CodecPriority)
	assert.Equal(t, "3g", cfg.Engine.NetworkClass)
	assert.Equal(t, 4000, cfg.Engine.MaxBitrateKbps)
	assert.Equal(t, "hls", cfg.Fetch.Format)
	assert.Equal(t, 2*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 5, cfg.Fetch.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Fetch.RetryBackoff)
	assert.True(t, cfg.Cluster.Enabled)
	assert.Equal(t, []string{"127.0.0.1:7000", "127.0.0.1:7001"}, cfg.Cluster.Peers)
	assert.Equal(t, "warn", cfg.Cluster.LogLevel)

	table, err := cfg.Engine.Table()
	require.NoError(t, err)
	assert.Equal(t, netclass.Table{100, 300, 800, 2000, 6000}, table)

	ctrl := cfg.Engine.Controller()
	assert.Equal(t, 250*time.Millisecond, ctrl.GraceWindow)
	assert.Equal(t, 0.95, ctrl.FullyBufferedRatio)
	assert.Equal(t, 0.7, ctrl.SweepBufferedRatio)
	assert.Equal(t, []string{"vp09", "h264"}, ctrl.CodecPriority)

	opts := cfg.Fetch.HTTPOptions()
	assert.Equal(t, 2*time.Second, opts.Timeout)
	assert.Equal(t, 5, opts.MaxRetries)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "engine:\n  grace: 1s\n"},
		{"negative grace window", "engine:\n  grace_window: -1s\n"},
		{"ratio above one", "engine:\n  fully_buffered_ratio: 1.5\n"},
		{"sweep ratio above one", "engine:\n  sweep_buffered_ratio: 1.2\n"},
		{"unknown raft log level", "cluster:\n  log_level: chatty\n"},
		{"too few tiers", "engine:\n  tiers: [100, 200]\n"},
		{"tiers not increasing", "engine:\n  tiers: [100, 300, 300, 2000, 6000]\n"},
		{"unknown network class", "engine:\n  network_class: 6g\n"},
		{"negative cap", "engine:\n  max_bitrate_kbps: -1\n"},
		{"unknown format", "fetch:\n  format: dash\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"multiple documents", "server:\n  port: 1\n---\nserver:\n  port: 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "flexrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	txt := filepath.Join(dir, "flexrate.toml")
	require.NoError(t, os.WriteFile(txt, []byte("port = 1\n"), 0o600))
	_, err = Load(txt)
	assert.ErrorContains(t, err, "unsupported config format")
}
