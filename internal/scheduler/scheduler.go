// Package scheduler admits queued runs onto agent GPUs, drives the run
// state machine, and fans the resulting events out to the bus and the
// journal. All mutation of a run goes through the per-run lock, so each
// run's event stream has a total order.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilnd/kiln/internal/bus"
	"github.com/kilnd/kiln/internal/config"
	"github.com/kilnd/kiln/internal/db"
	"github.com/kilnd/kiln/internal/events"
	"github.com/kilnd/kiln/internal/inventory"
	"github.com/kilnd/kiln/internal/lifecycle"
	"github.com/kilnd/kiln/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrBadRequest       = errors.New("bad request")
	ErrStaleReport      = errors.New("stale report for terminal run")
	ErrAgentUnreachable = errors.New("agent unreachable")
)

type Scheduler struct {
	db       *db.DB
	inv      *inventory.Inventory
	bus      *bus.Bus
	journal  *events.Journal
	dispatch Dispatcher

	sharedLogsRoot  string
	agentTimeout    time.Duration
	reportTimeout   time.Duration
	viewerTTL       time.Duration
	dispatchRetries int
	dispatchBackoff time.Duration

	mu       sync.Mutex
	runLocks map[string]*runLock

	// nameMu spans the name probe and the insert so two concurrent queues
	// cannot claim the same name under one log namespace.
	nameMu sync.Mutex
}

func New(database *db.DB, inv *inventory.Inventory, b *bus.Bus, journal *events.Journal, dispatch Dispatcher, cfg *config.ControllerConfig) *Scheduler {
	return &Scheduler{
		db:              database,
		inv:             inv,
		bus:             b,
		journal:         journal,
		dispatch:        dispatch,
		sharedLogsRoot:  cfg.SharedLogsRoot,
		agentTimeout:    time.Duration(cfg.AgentTimeoutSec) * time.Second,
		reportTimeout:   time.Duration(cfg.ReportTimeoutSec) * time.Second,
		viewerTTL:       time.Duration(cfg.ViewerTTLSec) * time.Second,
		dispatchRetries: cfg.DispatchRetries,
		dispatchBackoff: time.Duration(cfg.DispatchBackoffMS) * time.Millisecond,
		runLocks:        make(map[string]*runLock),
	}
}

// runLock is a keyed mutex entry. The waiter count, guarded by the
// scheduler's mu, tells the pruner whether anyone holds or is about to
// hold the lock.
type runLock struct {
	sync.Mutex
	waiters int
}

// lockRun serializes all writers for one run id.
func (s *Scheduler) lockRun(runID string) func() {
	s.mu.Lock()
	l, ok := s.runLocks[runID]
	if !ok {
		l = &runLock{}
		s.runLocks[runID] = l
	}
	l.waiters++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.waiters--
		s.mu.Unlock()
	}
}

// pruneRunLocks drops lock entries of terminal runs so the map does not
// grow with every run ever scheduled.
func (s *Scheduler) pruneRunLocks(live map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, l := range s.runLocks {
		if _, ok := live[id]; ok {
			continue
		}
		if l.waiters == 0 {
			delete(s.runLocks, id)
		}
	}
}

type QueueOptions struct {
	AgentID     string
	GPUIndices  []int
	DockerImage string
	Priority    int
}

// QueueRun creates a run in queued state from a config snapshot. When a GPU
// set is requested it is reserved atomically with the insert: either the
// whole set binds or the request fails with no trace.
func (s *Scheduler) QueueRun(configID string, opts QueueOptions) (models.Run, error) {
	if len(opts.GPUIndices) > 0 && opts.AgentID == "" {
		return models.Run{}, fmt.Errorf("%w: agent_id is required when specifying gpu_indices", ErrBadRequest)
	}

	cfg, err := s.loadConfig(configID)
	if err != nil {
		return models.Run{}, err
	}
	snap := cfg.Snapshot

	logDir := underShared(s.sharedLogsRoot, snap.TBRoot, "runs")
	ckptDir := underShared(s.sharedLogsRoot, snap.CkptDir, "checkpoints")

	s.nameMu.Lock()
	defer s.nameMu.Unlock()

	name, err := s.uniqueRunName(logDir, runBaseName(snap))
	if err != nil {
		return models.Run{}, err
	}

	now := time.Now().UTC()
	run := models.Run{
		ID:            uuid.New().String(),
		ProjectID:     cfg.ProjectID,
		ConfigID:      cfg.ID,
		GroupID:       cfg.GroupID,
		Name:          name,
		State:         models.RunStateQueued,
		MonitorMetric: snap.MonitorMetric,
		MonitorMode:   snap.MonitorMode,
		TotalEpochs:   snap.Epochs,
		AgentID:       opts.AgentID,
		GPUIndices:    opts.GPUIndices,
		DockerImage:   opts.DockerImage,
		Priority:      opts.Priority,
		Seed:          snap.Seed,
		LogDir:        logDir,
		CkptDir:       ckptDir,
		CreatedAt:     now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return models.Run{}, err
	}
	defer tx.Rollback()

	if len(opts.GPUIndices) > 0 {
		if err := s.inv.ReserveSetTx(tx, opts.AgentID, opts.GPUIndices); err != nil {
			return models.Run{}, err
		}
	}

	_, err = tx.Exec(`
		INSERT INTO runs (id, project_id, config_id, group_id, name, state, monitor_metric, monitor_mode,
			total_epochs, agent_id, gpu_indices, docker_image, priority, seed, log_dir, ckpt_dir, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ProjectID, run.ConfigID, nullable(run.GroupID), run.Name, run.State, run.MonitorMetric,
		string(run.MonitorMode), run.TotalEpochs, nullable(run.AgentID), indicesJSON(run.GPUIndices),
		nullable(run.DockerImage), run.Priority, run.Seed, run.LogDir, run.CkptDir, db.FormatTime(now))
	if err != nil {
		return models.Run{}, fmt.Errorf("inserting run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Run{}, err
	}

	s.journal.Emit(events.TypeRunQueued, &run.ID, nil, map[string]any{
		"name": run.Name, "config_id": run.ConfigID, "priority": run.Priority,
	})
	s.bus.PublishRun(bus.TypeRunCreated, run)
	return run, nil
}

// StartRun moves a queued run to running on the given binding. A run bound
// at queue time keeps that binding and the arguments are ignored.
func (s *Scheduler) StartRun(runID, agentID string, gpuIndices []int) (models.Run, error) {
	unlock := s.lockRun(runID)
	defer unlock()

	run, err := s.GetRun(runID)
	if err != nil {
		return models.Run{}, err
	}

	reserved := false
	if run.Bound() {
		agentID, gpuIndices, reserved = run.AgentID, run.GPUIndices, true
	} else if agentID == "" || len(gpuIndices) == 0 {
		return run, fmt.Errorf("%w: unbound run needs agent_id and gpu_indices to start", ErrBadRequest)
	}

	change, err := lifecycle.Apply(run, lifecycle.Start(agentID, gpuIndices, reserved))
	if err != nil {
		return run, err
	}

	updated, err := s.applyChange(run, change, nil)
	if err != nil {
		return run, err
	}
	s.journal.Emit(events.TypeRunStarted, &run.ID, &agentID, map[string]any{"gpu_indices": gpuIndices})

	host, err := s.agentHost(agentID)
	if err == nil {
		cmd := s.launchCommand(updated)
		err = s.withRetry(func() error { return s.dispatch.Launch(cmd, host) })
	}
	if err != nil {
		reason := fmt.Sprintf("launch dispatch failed: %v", err)
		log.Printf("Scheduler: %s for run %s, marking failed", reason, runID)
		if failed, ferr := s.finishLocked(updated, false, &reason); ferr == nil {
			updated = failed
		}
		return updated, fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}

	return updated, nil
}

// CancelRun cancels a queued run immediately; for a running run the state
// changes now and the agent is told to stop best-effort, so a late terminal
// report from it lands as a stale no-op.
func (s *Scheduler) CancelRun(runID string) (models.Run, error) {
	unlock := s.lockRun(runID)
	defer unlock()

	run, err := s.GetRun(runID)
	if err != nil {
		return models.Run{}, err
	}

	change, err := lifecycle.Apply(run, lifecycle.Cancel())
	if err != nil {
		return run, err
	}

	wasRunning := run.State == models.RunStateRunning
	agentID := run.AgentID

	updated, err := s.applyChange(run, change, nil)
	if err != nil {
		return run, err
	}
	s.journal.Emit(events.TypeRunCanceled, &run.ID, nil, nil)

	if wasRunning && agentID != "" {
		go s.notifyStop(runID, agentID, false)
	}
	return updated, nil
}

// HaltRun requests a graceful stop and finalizes per the externally supplied
// checkpoint predicate: with a usable checkpoint the run counts as succeeded,
// without one as failed.
func (s *Scheduler) HaltRun(runID string, hasCheckpoint bool) (models.Run, error) {
	unlock := s.lockRun(runID)
	defer unlock()

	run, err := s.GetRun(runID)
	if err != nil {
		return models.Run{}, err
	}

	change, err := lifecycle.Apply(run, lifecycle.Halt(hasCheckpoint))
	if err != nil {
		return run, err
	}

	agentID := run.AgentID
	updated, err := s.applyChange(run, change, nil)
	if err != nil {
		return run, err
	}
	s.journal.Emit(events.TypeRunHalted, &run.ID, nil, map[string]any{"has_checkpoint": hasCheckpoint})

	if agentID != "" {
		go s.notifyStop(runID, agentID, true)
	}
	return updated, nil
}

// FinishRun finalizes a running run.
func (s *Scheduler) FinishRun(runID string, success bool) (models.Run, error) {
	unlock := s.lockRun(runID)
	defer unlock()

	run, err := s.GetRun(runID)
	if err != nil {
		return models.Run{}, err
	}
	return s.finishLocked(run, success, nil)
}

// finishLocked applies the finish edge; the caller holds the run lock.
func (s *Scheduler) finishLocked(run models.Run, success bool, reason *string) (models.Run, error) {
	change, err := lifecycle.Apply(run, lifecycle.Finish(success))
	if err != nil {
		return run, err
	}
	updated, err := s.applyChange(run, change, reason)
	if err != nil {
		return run, err
	}
	s.journal.Emit(events.TypeRunFinished, &run.ID, nil, map[string]any{"success": success})
	return updated, nil
}

// applyChange persists a state machine change. Inventory mutation and the
// run row update commit together or not at all.
func (s *Scheduler) applyChange(run models.Run, change lifecycle.Change, reason *string) (models.Run, error) {
	updated := run
	updated.State = change.State
	if change.AgentID != "" {
		updated.AgentID = change.AgentID
	}
	if change.GPUIndices != nil {
		updated.GPUIndices = change.GPUIndices
	}
	now := time.Now().UTC()
	if change.SetStartedAt && updated.StartedAt == nil {
		updated.StartedAt = &now
	}
	if change.SetFinishedAt && updated.FinishedAt == nil {
		updated.FinishedAt = &now
	}
	if change.Epoch != nil {
		updated.Epoch = *change.Epoch
	}
	if change.TotalEpochs != nil && *change.TotalEpochs > 0 {
		updated.TotalEpochs = *change.TotalEpochs
	}
	if change.BestValue != nil {
		updated.BestValue = change.BestValue
	}
	if reason != nil {
		updated.Reason = reason
	}

	tx, err := s.db.Begin()
	if err != nil {
		return run, err
	}
	defer tx.Rollback()

	if change.Has(lifecycle.EffectReserveGPUs) {
		if err := s.inv.ReserveSetTx(tx, updated.AgentID, updated.GPUIndices); err != nil {
			return run, err
		}
	}
	if change.Has(lifecycle.EffectReleaseGPUs) && run.Bound() {
		if err := s.inv.ReleaseSetTx(tx, run.AgentID, run.GPUIndices); err != nil {
			return run, err
		}
	}
	if updated.State.Terminal() {
		// The binding is cleared exactly once, at the terminal transition.
		updated.GPUIndices = nil
	}

	_, err = tx.Exec(`
		UPDATE runs SET state = ?, agent_id = ?, gpu_indices = ?, epoch = ?, total_epochs = ?,
			best_value = ?, started_at = ?, finished_at = ?, reason = ?
		WHERE id = ?
	`, updated.State, nullable(updated.AgentID), indicesJSON(updated.GPUIndices), updated.Epoch,
		updated.TotalEpochs, updated.BestValue, timePtr(updated.StartedAt), timePtr(updated.FinishedAt),
		updated.Reason, updated.ID)
	if err != nil {
		return run, fmt.Errorf("persisting run %s: %w", run.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return run, err
	}

	if change.Has(lifecycle.EffectEmitUpdated) {
		s.bus.PublishRun(bus.TypeRunUpdated, updated)
	}
	return updated, nil
}

func (s *Scheduler) launchCommand(run models.Run) LaunchCommand {
	cmd := LaunchCommand{Run: run}
	if cfg, err := s.loadConfig(run.ConfigID); err == nil {
		cmd.Command = cfg.Snapshot.Command
		cmd.ConfigJSON = json.RawMessage(cfg.Raw)
	}
	return cmd
}

// notifyStop delivers cancel/halt to the agent. The run is already terminal
// locally; delivery failures only mean the process dies later via the agent
// timeout.
func (s *Scheduler) notifyStop(runID, agentID string, graceful bool) {
	host, err := s.agentHost(agentID)
	if err != nil {
		log.Printf("Scheduler: cannot notify agent %s about run %s: %v", agentID, runID, err)
		return
	}
	op := func() error { return s.dispatch.RequestCancel(runID, host) }
	if graceful {
		op = func() error { return s.dispatch.RequestHalt(runID, host) }
	}
	if err := s.withRetry(op); err != nil {
		log.Printf("Scheduler: stop notify failed for run %s on %s: %v", runID, agentID, err)
	}
}

func (s *Scheduler) withRetry(op func() error) error {
	backoff := s.dispatchBackoff
	var err error
	for attempt := 0; attempt <= s.dispatchRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return db.FormatTime(*t)
}
