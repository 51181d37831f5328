package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type ControllerConfig struct {
	Addr           string `yaml:"addr"`
	DBPath         string `yaml:"db_path"`
	SharedLogsRoot string `yaml:"shared_logs_root"`

	// Reconciliation thresholds. Zero means "use default".
	AgentTimeoutSec  int `yaml:"agent_timeout_sec"`  // heartbeat silence before an agent is marked down
	ReportTimeoutSec int `yaml:"report_timeout_sec"` // report silence before a run's live view is flagged stale
	ViewerTTLSec     int `yaml:"viewer_ttl_sec"`     // embedded-panel viewer sessions older than this are reclaimed
	ReconcileSec     int `yaml:"reconcile_sec"`

	// Agent command dispatch.
	DispatchRetries   int `yaml:"dispatch_retries"`
	DispatchBackoffMS int `yaml:"dispatch_backoff_ms"`

	LogTailLines int `yaml:"log_tail_lines"` // per-run buffered log tail
}

func (c *ControllerConfig) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "kiln.db"
	}
	if c.SharedLogsRoot == "" {
		c.SharedLogsRoot = "/srv/kiln/runs"
	}
	if c.AgentTimeoutSec == 0 {
		c.AgentTimeoutSec = 60
	}
	if c.ReportTimeoutSec == 0 {
		c.ReportTimeoutSec = 120
	}
	if c.ViewerTTLSec == 0 {
		c.ViewerTTLSec = 90
	}
	if c.ReconcileSec == 0 {
		c.ReconcileSec = 10
	}
	if c.DispatchRetries == 0 {
		c.DispatchRetries = 3
	}
	if c.DispatchBackoffMS == 0 {
		c.DispatchBackoffMS = 500
	}
	if c.LogTailLines == 0 {
		c.LogTailLines = 500
	}
}

type AgentConfig struct {
	ControllerURL string            `yaml:"controller_url"`
	AgentName     string            `yaml:"agent_name"`
	Addr          string            `yaml:"addr"`
	Labels        map[string]string `yaml:"labels"`
	LogRoot       string            `yaml:"log_root"`
	HeartbeatSec  int               `yaml:"heartbeat_sec"`
	FakeGPUs      int               `yaml:"fake_gpus"` // >0 uses a fake provider instead of nvidia-smi
}

func (c *AgentConfig) ApplyDefaults() {
	if c.ControllerURL == "" {
		c.ControllerURL = "http://localhost:8080"
	}
	if c.Addr == "" {
		c.Addr = ":7070"
	}
	if c.LogRoot == "" {
		c.LogRoot = "/var/log/kiln"
	}
	if c.HeartbeatSec == 0 {
		c.HeartbeatSec = 5
	}
}

func LoadControllerConfig(path string) (*ControllerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg ControllerConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func LoadAgentConfig(path string) (*AgentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg AgentConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
