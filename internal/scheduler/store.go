package scheduler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kilnd/kiln/internal/models"
)

const runColumns = `id, project_id, config_id, group_id, name, state, monitor_metric, monitor_mode,
	best_value, epoch, step, total_epochs, agent_id, gpu_indices, docker_image, priority, seed,
	log_dir, ckpt_dir, reason, created_at, started_at, finished_at, last_report_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (models.Run, error) {
	var r models.Run
	var groupID, monitorMetric, monitorMode, agentID, dockerImage, reason sql.NullString
	var bestValue sql.NullFloat64
	var seed sql.NullInt64
	var gpuJSON string
	var startedAt, finishedAt, lastReportAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.ProjectID, &r.ConfigID, &groupID, &r.Name, &r.State, &monitorMetric, &monitorMode,
		&bestValue, &r.Epoch, &r.Step, &r.TotalEpochs, &agentID, &gpuJSON, &dockerImage, &r.Priority, &seed,
		&r.LogDir, &r.CkptDir, &reason, &r.CreatedAt, &startedAt, &finishedAt, &lastReportAt,
	)
	if err != nil {
		return models.Run{}, err
	}

	r.GroupID = groupID.String
	r.MonitorMetric = monitorMetric.String
	r.MonitorMode = models.MonitorMode(monitorMode.String)
	r.AgentID = agentID.String
	r.DockerImage = dockerImage.String
	if bestValue.Valid {
		v := bestValue.Float64
		r.BestValue = &v
	}
	if seed.Valid {
		v := int(seed.Int64)
		r.Seed = &v
	}
	if reason.Valid {
		v := reason.String
		r.Reason = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	if lastReportAt.Valid {
		t := lastReportAt.Time
		r.LastReportAt = &t
	}
	if err := json.Unmarshal([]byte(gpuJSON), &r.GPUIndices); err != nil {
		return models.Run{}, fmt.Errorf("decoding gpu_indices for run %s: %w", r.ID, err)
	}
	return r, nil
}

// GetRun loads one run by id.
func (s *Scheduler) GetRun(runID string) (models.Run, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

// ListRuns returns runs newest first, optionally filtered by project and state.
func (s *Scheduler) ListRuns(projectID string, state models.RunState) ([]models.Run, error) {
	query := "SELECT " + runColumns + " FROM runs"
	var clauses []string
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, projectID)
	}
	if state != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, state)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func indicesJSON(indices []int) string {
	if len(indices) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(indices)
	return string(b)
}

func (s *Scheduler) agentHost(agentID string) (string, error) {
	var host sql.NullString
	err := s.db.QueryRow("SELECT host FROM agents WHERE id = ?", agentID).Scan(&host)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if host.String == "" {
		return "", fmt.Errorf("agent %s has no host address: %w", agentID, ErrAgentUnreachable)
	}
	return host.String, nil
}

type storedConfig struct {
	ID        string
	ProjectID string
	GroupID   string
	Raw       string
	Snapshot  models.ConfigSnapshot
}

func (s *Scheduler) loadConfig(configID string) (storedConfig, error) {
	var cfg storedConfig
	var groupID sql.NullString
	err := s.db.QueryRow("SELECT id, project_id, group_id, config_json FROM configs WHERE id = ?", configID).
		Scan(&cfg.ID, &cfg.ProjectID, &groupID, &cfg.Raw)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, fmt.Errorf("config %s: %w", configID, ErrNotFound)
	}
	if err != nil {
		return cfg, err
	}
	cfg.GroupID = groupID.String

	if err := json.Unmarshal([]byte(cfg.Raw), &cfg.Snapshot); err != nil {
		return cfg, fmt.Errorf("decoding config %s: %w", configID, err)
	}
	if cfg.Snapshot.MonitorMetric == "" {
		cfg.Snapshot.MonitorMetric = "val_acc@1"
	}
	if cfg.Snapshot.MonitorMode == "" {
		cfg.Snapshot.MonitorMode = models.MonitorModeMax
	}
	return cfg, nil
}
