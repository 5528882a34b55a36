// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that accepts YAML strings like "10m" as
// well as raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all ReplayFlow configuration.
type Config struct {
	Version int `yaml:"version"`

	Engine     EngineConfig     `yaml:"engine"`
	Extract    ExtractConfig    `yaml:"extract"`
	Batch      BatchConfig      `yaml:"batch"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Watch      WatchConfig      `yaml:"watch"`
	Upload     UploadConfig     `yaml:"upload"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// EngineConfig controls the replay engine bridge subprocess.
type EngineConfig struct {
	// Bridge is the path to the engine bridge executable.
	Bridge string `yaml:"bridge"`

	// Args are extra arguments passed to the bridge.
	Args []string `yaml:"args"`

	// RestartEvery restarts a worker's engine after this many matches.
	RestartEvery int `yaml:"restart_every"`
}

// ExtractConfig controls per-match extraction defaults.
type ExtractConfig struct {
	Mode        string `yaml:"mode"`   // two_pass | single_pass
	Stride      int    `yaml:"stride"` // game loops between sampled rows
	Output      string `yaml:"output"`
	Compression string `yaml:"compression"` // zstd | snappy | gzip | none
	BatchSize   int    `yaml:"batch_size"`  // rows per parquet flush
}

// BatchConfig controls the multi-match orchestrator.
type BatchConfig struct {
	Workers      int      `yaml:"workers"`
	MatchTimeout Duration `yaml:"match_timeout"`
	RetryPasses  int      `yaml:"retry_passes"`
}

// CheckpointConfig controls batch resume state.
type CheckpointConfig struct {
	// Backend selects the store: "file" or "redis".
	Backend string `yaml:"backend"`

	// Dir is the file backend's directory.
	Dir string `yaml:"dir"`

	// Redis backend settings.
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	RedisTTL      Duration `yaml:"redis_ttl"`
}

// WatchConfig controls the drop-directory watcher.
type WatchConfig struct {
	// Debounce is how long a new file must sit quiet before it counts
	// as arrived.
	Debounce Duration `yaml:"debounce"`

	// StableInterval is the spacing of size checks while waiting for a
	// file still being copied in.
	StableInterval Duration `yaml:"stable_interval"`

	// StableChecks is how many consecutive identical sizes mark a file
	// complete.
	StableChecks int `yaml:"stable_checks"`
}

// UploadConfig controls dataset publishing to S3.
type UploadConfig struct {
	Region   string `yaml:"region"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"` // custom endpoint for MinIO and friends
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	replayflowDir := filepath.Join(homeDir, ".replayflow")

	return &Config{
		Version: 1,
		Engine: EngineConfig{
			Bridge:       "sc2bridge",
			RestartEvery: 1,
		},
		Extract: ExtractConfig{
			Mode:        "two_pass",
			Stride:      8,
			Output:      "out",
			Compression: "zstd",
			BatchSize:   512,
		},
		Batch: BatchConfig{
			Workers:      4,
			MatchTimeout: Duration(10 * time.Minute),
			RetryPasses:  1,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     filepath.Join(replayflowDir, "checkpoints"),
		},
		Watch: WatchConfig{
			Debounce:       Duration(2 * time.Second),
			StableInterval: Duration(500 * time.Millisecond),
			StableChecks:   3,
		},
		Upload: UploadConfig{
			Region: "us-east-1",
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			Sample:  1.0,
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()
	m.paths = nil

	// Load from paths in order (later overrides earlier)
	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but surface errors for existing ones
			if !os.IsNotExist(err) {
				return fmt.Errorf("loading %s: %w", path, err)
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	// Override with environment variables
	m.loadEnv()

	return nil
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/replayflow/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".replayflow", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".replayflow.yaml"))
	}

	return paths
}

// loadFile loads a single config file and merges it.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var partial Config
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return err
	}

	m.merge(&partial)
	return nil
}

// merge merges non-zero values from src into config.
func (m *Manager) merge(src *Config) {
	// Engine
	if src.Engine.Bridge != "" {
		m.config.Engine.Bridge = src.Engine.Bridge
	}
	if len(src.Engine.Args) > 0 {
		m.config.Engine.Args = src.Engine.Args
	}
	if src.Engine.RestartEvery != 0 {
		m.config.Engine.RestartEvery = src.Engine.RestartEvery
	}

	// Extract
	if src.Extract.Mode != "" {
		m.config.Extract.Mode = src.Extract.Mode
	}
	if src.Extract.Stride != 0 {
		m.config.Extract.Stride = src.Extract.Stride
	}
	if src.Extract.Output != "" {
		m.config.Extract.Output = src.Extract.Output
	}
	if src.Extract.Compression != "" {
		m.config.Extract.Compression = src.Extract.Compression
	}
	if src.Extract.BatchSize != 0 {
		m.config.Extract.BatchSize = src.Extract.BatchSize
	}

	// Batch
	if src.Batch.Workers != 0 {
		m.config.Batch.Workers = src.Batch.Workers
	}
	if src.Batch.MatchTimeout != 0 {
		m.config.Batch.MatchTimeout = src.Batch.MatchTimeout
	}
	if src.Batch.RetryPasses != 0 {
		m.config.Batch.RetryPasses = src.Batch.RetryPasses
	}

	// Checkpoint
	if src.Checkpoint.Backend != "" {
		m.config.Checkpoint.Backend = src.Checkpoint.Backend
	}
	if src.Checkpoint.Dir != "" {
		m.config.Checkpoint.Dir = src.Checkpoint.Dir
	}
	if src.Checkpoint.RedisAddr != "" {
		m.config.Checkpoint.RedisAddr = src.Checkpoint.RedisAddr
	}
	if src.Checkpoint.RedisPassword != "" {
		m.config.Checkpoint.RedisPassword = src.Checkpoint.RedisPassword
	}
	if src.Checkpoint.RedisDB != 0 {
		m.config.Checkpoint.RedisDB = src.Checkpoint.RedisDB
	}
	if src.Checkpoint.RedisTTL != 0 {
		m.config.Checkpoint.RedisTTL = src.Checkpoint.RedisTTL
	}

	// Watch
	if src.Watch.Debounce != 0 {
		m.config.Watch.Debounce = src.Watch.Debounce
	}
	if src.Watch.StableInterval != 0 {
		m.config.Watch.StableInterval = src.Watch.StableInterval
	}
	if src.Watch.StableChecks != 0 {
		m.config.Watch.StableChecks = src.Watch.StableChecks
	}

	// Upload
	if src.Upload.Region != "" {
		m.config.Upload.Region = src.Upload.Region
	}
	if src.Upload.Bucket != "" {
		m.config.Upload.Bucket = src.Upload.Bucket
	}
	if src.Upload.Prefix != "" {
		m.config.Upload.Prefix = src.Upload.Prefix
	}
	if src.Upload.Endpoint != "" {
		m.config.Upload.Endpoint = src.Upload.Endpoint
	}

	// Telemetry
	if src.Telemetry.Enabled {
		m.config.Telemetry.Enabled = true
	}
	if src.Telemetry.Endpoint != "" {
		m.config.Telemetry.Endpoint = src.Telemetry.Endpoint
	}
	if src.Telemetry.Sample != 0 {
		m.config.Telemetry.Sample = src.Telemetry.Sample
	}
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() {
	if v := os.Getenv("REPLAYFLOW_BRIDGE"); v != "" {
		m.config.Engine.Bridge = v
	}
	if v := os.Getenv("REPLAYFLOW_OUTPUT"); v != "" {
		m.config.Extract.Output = v
	}
	if v := os.Getenv("REPLAYFLOW_MODE"); v != "" {
		m.config.Extract.Mode = v
	}
	if v := os.Getenv("REPLAYFLOW_COMPRESSION"); v != "" {
		m.config.Extract.Compression = v
	}
	if v := os.Getenv("REPLAYFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			m.config.Batch.Workers = n
		}
	}
	if v := os.Getenv("REPLAYFLOW_REDIS_ADDR"); v != "" {
		m.config.Checkpoint.Backend = "redis"
		m.config.Checkpoint.RedisAddr = v
	}
	if v := os.Getenv("REPLAYFLOW_S3_BUCKET"); v != "" {
		m.config.Upload.Bucket = v
	}
	if v := os.Getenv("REPLAYFLOW_OTLP_ENDPOINT"); v != "" {
		m.config.Telemetry.Enabled = true
		m.config.Telemetry.Endpoint = v
	}
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to the user config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configDir := filepath.Join(home, ".replayflow")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0644)
}

// Global instance
var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Global returns the global configuration manager.
func Global() *Manager {
	globalOnce.Do(func() {
		globalManager = NewManager()
		globalManager.Load()
	})
	return globalManager
}
