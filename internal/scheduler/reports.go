package scheduler

import (
	"fmt"
	"time"

	"github.com/kilnd/kiln/internal/db"
	"github.com/kilnd/kiln/internal/events"
	"github.com/kilnd/kiln/internal/lifecycle"
	"github.com/kilnd/kiln/internal/models"
)

// ProgressReport is what an agent posts after each training epoch.
type ProgressReport struct {
	Epoch       int      `json:"epoch"`
	Step        int      `json:"step"`
	TotalEpochs int      `json:"total_epochs"`
	MetricValue *float64 `json:"metric_value,omitempty"`
}

// LogReport is a single log line forwarded by an agent.
type LogReport struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// TerminalReport closes out a run from the agent's side.
type TerminalReport struct {
	Success bool    `json:"success"`
	Reason  *string `json:"reason,omitempty"`
}

// ReportProgress folds an epoch report into the run. Reports against a
// terminal run are stale: they are journaled and rejected, never applied.
func (s *Scheduler) ReportProgress(runID string, rep ProgressReport) (models.Run, error) {
	unlock := s.lockRun(runID)
	defer unlock()

	run, err := s.GetRun(runID)
	if err != nil {
		return models.Run{}, err
	}
	if run.State.Terminal() {
		return run, s.staleReport(run, "progress")
	}

	change, err := lifecycle.Apply(run, lifecycle.Progress(rep.Epoch, rep.TotalEpochs, rep.MetricValue))
	if err != nil {
		return run, err
	}

	updated, err := s.applyChange(run, change, nil)
	if err != nil {
		return run, err
	}
	if rep.Step > updated.Step {
		updated.Step = rep.Step
	}
	now := time.Now().UTC()
	updated.LastReportAt = &now
	_, err = s.db.Exec(`UPDATE runs SET step = ?, last_report_at = ? WHERE id = ?`,
		updated.Step, db.FormatTime(now), runID)
	if err != nil {
		return updated, fmt.Errorf("recording report time for run %s: %w", runID, err)
	}
	return updated, nil
}

// ReportLog forwards a log line to live subscribers and the bounded tail.
// Lines for terminal runs are dropped as stale.
func (s *Scheduler) ReportLog(runID string, rep LogReport) error {
	unlock := s.lockRun(runID)
	defer unlock()

	run, err := s.GetRun(runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return s.staleReport(run, "log")
	}

	s.bus.PublishLog(models.LogLine{
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Level:     rep.Level,
		Source:    rep.Source,
		Message:   rep.Message,
	})
	s.touchReportTime(runID)
	return nil
}

// ReportTerminal applies an agent-side completion. When the run is already
// terminal (controller-side cancel or halt won the race) this is a no-op.
func (s *Scheduler) ReportTerminal(runID string, rep TerminalReport) (models.Run, error) {
	unlock := s.lockRun(runID)
	defer unlock()

	run, err := s.GetRun(runID)
	if err != nil {
		return models.Run{}, err
	}
	if run.State.Terminal() {
		return run, s.staleReport(run, "terminal")
	}
	return s.finishLocked(run, rep.Success, rep.Reason)
}

func (s *Scheduler) staleReport(run models.Run, kind string) error {
	s.journal.Emit(events.TypeStaleReport, &run.ID, nil, map[string]any{
		"kind": kind, "state": string(run.State),
	})
	return fmt.Errorf("%w: run %s is %s", ErrStaleReport, run.ID, run.State)
}

func (s *Scheduler) touchReportTime(runID string) {
	_, _ = s.db.Exec(`UPDATE runs SET last_report_at = ? WHERE id = ?`,
		db.FormatTime(time.Now().UTC()), runID)
}

// Status is the live snapshot served to dashboards.
type Status struct {
	Run           models.Run       `json:"run"`
	ElapsedSec    float64          `json:"elapsed_sec"`
	ETASec        *float64         `json:"eta_sec,omitempty"`
	Stale         bool             `json:"stale"`
	ActiveViewers int              `json:"active_viewers"`
	LogTail       []models.LogLine `json:"log_tail"`
	LogTruncated  bool             `json:"log_truncated"`
}

// StatusOf assembles the snapshot for one run. ETA extrapolates linearly
// from completed epochs and is absent until the first epoch finishes.
func (s *Scheduler) StatusOf(runID string, tailLines int) (Status, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return Status{}, err
	}

	st := Status{Run: run, ActiveViewers: s.bus.ActiveViewers(runID)}
	st.LogTail, st.LogTruncated = s.bus.LogTail(runID, tailLines)

	if run.StartedAt != nil {
		end := time.Now().UTC()
		if run.FinishedAt != nil {
			end = *run.FinishedAt
		}
		st.ElapsedSec = end.Sub(*run.StartedAt).Seconds()
	}
	if run.State == models.RunStateRunning && run.Epoch > 0 && run.TotalEpochs > 0 {
		eta := st.ElapsedSec * (float64(run.TotalEpochs)/float64(run.Epoch) - 1)
		if eta < 0 {
			eta = 0
		}
		st.ETASec = &eta
	}
	if run.State == models.RunStateRunning && run.LastReportAt != nil {
		st.Stale = time.Since(*run.LastReportAt) > s.reportTimeout
	}
	return st, nil
}
