package models

import (
	"time"
)

type Agent struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Host            string            `json:"host"`
	Labels          map[string]string `json:"labels,omitempty"`
	Status          string            `json:"status"`
	APIVersion      string            `json:"api_version"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
}

const (
	AgentStatusUp   = "up"
	AgentStatusDown = "down"
)

type GPU struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agent_id"`
	Index             int       `json:"index"`
	UUID              string    `json:"uuid"`
	Name              string    `json:"name"`
	TotalMemMB        int       `json:"total_mem_mb"`
	ComputeCapability string    `json:"compute_capability"`
	Allocated         bool      `json:"allocated"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCanceled  RunState = "canceled"
)

// Terminal reports whether no further transitions may leave the state.
func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed || s == RunStateCanceled
}

type MonitorMode string

const (
	MonitorModeMax MonitorMode = "max"
	MonitorModeMin MonitorMode = "min"
)

type Run struct {
	ID            string      `json:"id"`
	ProjectID     string      `json:"project_id"`
	ConfigID      string      `json:"config_id"`
	GroupID       string      `json:"group_id,omitempty"`
	Name          string      `json:"name"`
	State         RunState    `json:"state"`
	MonitorMetric string      `json:"monitor_metric"`
	MonitorMode   MonitorMode `json:"monitor_mode"`
	BestValue     *float64    `json:"best_value,omitempty"`
	Epoch         int         `json:"epoch"`
	Step          int         `json:"step"`
	TotalEpochs   int         `json:"total_epochs"`
	AgentID       string      `json:"agent_id,omitempty"`
	GPUIndices    []int       `json:"gpu_indices"`
	DockerImage   string      `json:"docker_image,omitempty"`
	Priority      int         `json:"priority"`
	Seed          *int        `json:"seed,omitempty"`
	LogDir        string      `json:"log_dir"`
	CkptDir       string      `json:"ckpt_dir"`
	Reason        *string     `json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
	LastReportAt  *time.Time  `json:"last_report_at,omitempty"`
}

// Bound reports whether the run holds an agent + GPU binding.
func (r *Run) Bound() bool {
	return r.AgentID != "" && len(r.GPUIndices) > 0
}

type LogLine struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

type Event struct {
	ID          int64     `json:"id"`
	At          time.Time `json:"at"`
	Type        string    `json:"type"`
	RunID       *string   `json:"run_id,omitempty"`
	AgentID     *string   `json:"agent_id,omitempty"`
	PayloadJSON *string   `json:"payload_json,omitempty"`
}

// ConfigSnapshot holds the few typed fields the scheduling core reads out of
// a training config blob. Everything else in the blob is passed through
// untouched.
type ConfigSnapshot struct {
	ModelFlavour   string      `json:"model_flavour"`
	LossName       string      `json:"loss_name"`
	LoadPretrained *bool       `json:"load_pretrained"`
	ModelSuffix    string      `json:"model_suffix"`
	MonitorMetric  string      `json:"monitor_metric"`
	MonitorMode    MonitorMode `json:"monitor_mode"`
	Epochs         int         `json:"epochs"`
	Seed           *int        `json:"seed"`
	Command        string      `json:"command"`
	TBRoot         string      `json:"tb_root"`
	CkptDir        string      `json:"ckpt_dir"`
}
