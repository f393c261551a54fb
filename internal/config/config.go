// Package config loads the flexrate configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/agleyzer/flexrate/internal/abr"
	"github.com/agleyzer/flexrate/internal/fetcher"
	"github.com/agleyzer/flexrate/internal/netclass"
	"github.com/agleyzer/flexrate/internal/variant"
)

// Config is the root of the configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Cluster ClusterConfig `yaml:"cluster"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// EngineConfig configures the ranking and downgrade engine.
type EngineConfig struct {
	// GraceWindow is how long a stall may last before it counts as non-trivial.
	GraceWindow time.Duration `yaml:"grace_window"`
	// FullyBufferedRatio is the buffered fraction above which stalls are ignored.
	FullyBufferedRatio float64 `yaml:"fully_buffered_ratio"`
	// SweepBufferedRatio is the buffered fraction above which an idle sibling is not reloaded.
	SweepBufferedRatio float64 `yaml:"sweep_buffered_ratio"`
	// CodecPriority lists codec families in ascending preference.
	CodecPriority []string `yaml:"codec_priority"`
	// Tiers maps each network class, slowest first, to its acceptable bitrate in kbps.
	Tiers []int `yaml:"tiers"`
	// NetworkClass is the effective connection type reported to the estimator.
	NetworkClass string `yaml:"network_class"`
	// MaxBitrateKbps caps the catalog at load time; zero disables the cap.
	MaxBitrateKbps int `yaml:"max_bitrate_kbps"`
}

// FetchConfig configures catalog retrieval.
type FetchConfig struct {
	Format       string        `yaml:"format"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// ClusterConfig enables ceiling replication across processes.
type ClusterConfig struct {
	Enabled  bool     `yaml:"enabled"`
	RaftID   string   `yaml:"raft_id"`
	BindAddr string   `yaml:"bind_addr"`
	Peers    []string `yaml:"peers"`
	// LogLevel routes Raft's own logging at this hclog level; empty keeps it silent.
	LogLevel string `yaml:"log_level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file. Unknown fields are rejected; missing fields take defaults.
func Load(path string) (*Config, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config contains multiple documents or trailing content")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Engine.GraceWindow < 0 {
		return fmt.Errorf("grace_window must not be negative, got %s", c.Engine.GraceWindow)
	}
	if c.Engine.FullyBufferedRatio <= 0 || c.Engine.FullyBufferedRatio > 1 {
		return fmt.Errorf("fully_buffered_ratio must be within (0,1], got %v", c.Engine.FullyBufferedRatio)
	}
	if c.Engine.SweepBufferedRatio <= 0 || c.Engine.SweepBufferedRatio > 1 {
		return fmt.Errorf("sweep_buffered_ratio must be within (0,1], got %v", c.Engine.SweepBufferedRatio)
	}
	if _, err := c.Engine.Table(); err != nil {
		return err
	}
	if _, ok := netclass.ParseClass(c.Engine.NetworkClass); !ok {
		return fmt.Errorf("unknown network_class %q", c.Engine.NetworkClass)
	}
	if c.Engine.MaxBitrateKbps < 0 {
		return fmt.Errorf("max_bitrate_kbps must not be negative, got %d", c.Engine.MaxBitrateKbps)
	}
	switch c.Fetch.Format {
	case "json", "hls":
	default:
		return fmt.Errorf("unknown fetch format %q (want json or hls)", c.Fetch.Format)
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Fetch.MaxRetries)
	}
	if c.Cluster.LogLevel != "" && hclog.LevelFromString(c.Cluster.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("unknown cluster log_level %q", c.Cluster.LogLevel)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Engine.GraceWindow == 0 {
		c.Engine.GraceWindow = abr.DefaultGraceWindow
	}
	if c.Engine.FullyBufferedRatio == 0 {
		c.Engine.FullyBufferedRatio = abr.DefaultFullyBufferedRatio
	}
	if c.Engine.SweepBufferedRatio == 0 {
		c.Engine.SweepBufferedRatio = abr.DefaultSweepBufferedRatio
	}
	if len(c.Engine.CodecPriority) == 0 {
		c.Engine.CodecPriority = append([]string(nil), variant.DefaultCodecPriority...)
	}
	if len(c.Engine.Tiers) == 0 {
		c.Engine.Tiers = append([]int(nil), netclass.DefaultTable[:]...)
	}
	if c.Engine.NetworkClass == "" {
		c.Engine.NetworkClass = netclass.Default.String()
	}
	if c.Fetch.Format == "" {
		c.Fetch.Format = "json"
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = 10 * time.Second
	}
	if c.Fetch.MaxRetries == 0 {
		c.Fetch.MaxRetries = 3
	}
	if c.Fetch.RetryBackoff == 0 {
		c.Fetch.RetryBackoff = 250 * time.Millisecond
	}
}

// Table returns the tier table, one entry per network class.
func (e EngineConfig) Table() (netclass.Table, error) {
	var t netclass.Table
	if len(e.Tiers) != len(t) {
		return t, fmt.Errorf("tiers must list %d bitrates, got %d", len(t), len(e.Tiers))
	}
	copy(t[:], e.Tiers)
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("invalid tiers: %w", err)
	}
	return t, nil
}

// Controller returns the controller settings derived from the engine section.
func (e EngineConfig) Controller() abr.Config {
	return abr.Config{
		GraceWindow:        e.GraceWindow,
		FullyBufferedRatio: e.FullyBufferedRatio,
		SweepBufferedRatio: e.SweepBufferedRatio,
		CodecPriority:      e.CodecPriority,
	}
}

// HTTPOptions returns the request settings for the catalog fetchers.
func (f FetchConfig) HTTPOptions() fetcher.HTTPOptions {
	return fetcher.HTTPOptions{
		Timeout:      f.Timeout,
		MaxRetries:   f.MaxRetries,
		RetryBackoff: f.RetryBackoff,
	}
}
