package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Engine.Bridge != "sc2bridge" {
		t.Errorf("bridge = %q", cfg.Engine.Bridge)
	}
	if cfg.Engine.RestartEvery != 1 {
		t.Errorf("restart_every = %d", cfg.Engine.RestartEvery)
	}
	if cfg.Extract.Mode != "two_pass" || cfg.Extract.Stride != 8 {
		t.Errorf("extract defaults = %s/%d", cfg.Extract.Mode, cfg.Extract.Stride)
	}
	if cfg.Extract.Compression != "zstd" || cfg.Extract.BatchSize != 512 {
		t.Errorf("sink defaults = %s/%d", cfg.Extract.Compression, cfg.Extract.BatchSize)
	}
	if cfg.Batch.Workers != 4 || cfg.Batch.MatchTimeout.Std() != 10*time.Minute || cfg.Batch.RetryPasses != 1 {
		t.Errorf("batch defaults = %+v", cfg.Batch)
	}
	if cfg.Checkpoint.Backend != "file" || cfg.Checkpoint.Dir == "" {
		t.Errorf("checkpoint defaults = %+v", cfg.Checkpoint)
	}
	if cfg.Watch.Debounce.Std() != 2*time.Second || cfg.Watch.StableChecks != 3 {
		t.Errorf("watch defaults = %+v", cfg.Watch)
	}
	if cfg.Telemetry.Enabled || cfg.Telemetry.Sample != 1.0 {
		t.Errorf("telemetry defaults = %+v", cfg.Telemetry)
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	var out struct {
		D Duration `yaml:"d"`
	}

	if err := yaml.Unmarshal([]byte("d: 10m"), &out); err != nil {
		t.Fatalf("string form: %v", err)
	}
	if out.D.Std() != 10*time.Minute {
		t.Errorf("10m parsed to %v", out.D.Std())
	}

	if err := yaml.Unmarshal([]byte("d: 1h30m"), &out); err != nil {
		t.Fatalf("compound form: %v", err)
	}
	if out.D.Std() != 90*time.Minute {
		t.Errorf("1h30m parsed to %v", out.D.Std())
	}

	if err := yaml.Unmarshal([]byte("d: 5000000000"), &out); err != nil {
		t.Fatalf("integer form: %v", err)
	}
	if out.D.Std() != 5*time.Second {
		t.Errorf("5000000000ns parsed to %v", out.D.Std())
	}

	if err := yaml.Unmarshal([]byte("d: soon"), &out); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	in := struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Second)}

	data, err := yaml.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), "1m30s") {
		t.Errorf("marshaled as %q, want the duration string form", data)
	}

	var out struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.D != in.D {
		t.Errorf("round trip %v != %v", out.D.Std(), in.D.Std())
	}
}

func TestManager_LoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
extract:
  output: /data/wide
  stride: 16
batch:
  workers: 12
  match_timeout: 20m
checkpoint:
  backend: redis
  redis_addr: cache:6379
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewManager()
	if err := m.loadFile(path); err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	cfg := m.Get()

	if cfg.Extract.Output != "/data/wide" || cfg.Extract.Stride != 16 {
		t.Errorf("extract not merged: %+v", cfg.Extract)
	}
	if cfg.Batch.Workers != 12 || cfg.Batch.MatchTimeout.Std() != 20*time.Minute {
		t.Errorf("batch not merged: %+v", cfg.Batch)
	}
	if cfg.Checkpoint.Backend != "redis" || cfg.Checkpoint.RedisAddr != "cache:6379" {
		t.Errorf("checkpoint not merged: %+v", cfg.Checkpoint)
	}

	// Fields the file does not mention keep their defaults.
	if cfg.Extract.Mode != "two_pass" {
		t.Errorf("mode clobbered to %q", cfg.Extract.Mode)
	}
	if cfg.Engine.Bridge != "sc2bridge" {
		t.Errorf("bridge clobbered to %q", cfg.Engine.Bridge)
	}
	if cfg.Batch.RetryPasses != 1 {
		t.Errorf("retry passes clobbered to %d", cfg.Batch.RetryPasses)
	}
}

func TestManager_LoadFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("extract: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager()
	if err := m.loadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestManager_LoadEnv(t *testing.T) {
	t.Setenv("REPLAYFLOW_BRIDGE", "/opt/sc2/bridge")
	t.Setenv("REPLAYFLOW_WORKERS", "9")
	t.Setenv("REPLAYFLOW_REDIS_ADDR", "localhost:6379")
	t.Setenv("REPLAYFLOW_OTLP_ENDPOINT", "collector:4317")

	m := NewManager()
	m.loadEnv()
	cfg := m.Get()

	if cfg.Engine.Bridge != "/opt/sc2/bridge" {
		t.Errorf("bridge = %q", cfg.Engine.Bridge)
	}
	if cfg.Batch.Workers != 9 {
		t.Errorf("workers = %d", cfg.Batch.Workers)
	}
	if cfg.Checkpoint.Backend != "redis" || cfg.Checkpoint.RedisAddr != "localhost:6379" {
		t.Errorf("redis env not applied: %+v", cfg.Checkpoint)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "collector:4317" {
		t.Errorf("telemetry env not applied: %+v", cfg.Telemetry)
	}
}

func TestManager_LoadEnvIgnoresBadWorkerCount(t *testing.T) {
	t.Setenv("REPLAYFLOW_WORKERS", "many")
	m := NewManager()
	m.loadEnv()
	if got := m.Get().Batch.Workers; got != 4 {
		t.Errorf("workers = %d, want default 4", got)
	}
}

func TestManager_SaveWritesUserConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	m := NewManager()
	m.Get().Extract.Output = "/data/wide"
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path := filepath.Join(home, ".replayflow", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("saved config missing: %v", err)
	}
	if !strings.Contains(string(data), "/data/wide") {
		t.Errorf("saved config does not carry the output setting:\n%s", data)
	}

	fresh := NewManager()
	if err := fresh.loadFile(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.Get().Extract.Output != "/data/wide" {
		t.Errorf("reloaded output = %q", fresh.Get().Extract.Output)
	}
}
