package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/kilnd/kiln/internal/db"
	"github.com/kilnd/kiln/internal/events"
	"github.com/kilnd/kiln/internal/models"
)

// Run drives the periodic reconciliation loop until the context ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Scheduler: reconciliation loop started (every %s)", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Scheduler: reconciliation loop stopped")
			return
		case <-ticker.C:
			s.Reconcile()
		}
	}
}

// Reconcile repairs drift between the desired and observed world: silent
// agents go down and take their running runs with them, and any GPU still
// marked allocated without a live run holding it is freed.
func (s *Scheduler) Reconcile() {
	s.detectOfflineAgents()

	if n, err := s.inv.ReleaseOrphaned(); err != nil {
		log.Printf("Scheduler: orphan release failed: %v", err)
	} else if n > 0 {
		log.Printf("Scheduler: released %d orphaned GPU(s)", n)
	}

	for _, v := range s.bus.ReapStaleViewers(s.viewerTTL) {
		log.Printf("Scheduler: viewer %s expired for run %s", v.ViewerID, v.RunID)
	}

	s.dropColdLogTails()
	s.pruneRunLocks(s.liveRunIDs())
}

func (s *Scheduler) liveRunIDs() map[string]struct{} {
	live := make(map[string]struct{})
	rows, err := s.db.Query(`SELECT id FROM runs WHERE state IN (?, ?)`,
		models.RunStateQueued, models.RunStateRunning)
	if err != nil {
		log.Printf("Scheduler: live run query failed: %v", err)
		return live
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			live[id] = struct{}{}
		}
	}
	return live
}

// dropColdLogTails frees log buffers of runs that finished long enough ago
// that no viewer session can still be watching them.
func (s *Scheduler) dropColdLogTails() {
	cutoff := time.Now().UTC().Add(-s.viewerTTL)

	rows, err := s.db.Query(`
		SELECT id FROM runs
		WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?
	`, models.RunStateSucceeded, models.RunStateFailed, models.RunStateCanceled, db.FormatTime(cutoff))
	if err != nil {
		log.Printf("Scheduler: cold log tail query failed: %v", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil && s.bus.ActiveViewers(id) == 0 {
			s.bus.DropTail(id)
		}
	}
}

func (s *Scheduler) detectOfflineAgents() {
	cutoff := time.Now().UTC().Add(-s.agentTimeout)

	rows, err := s.db.Query(`
		SELECT id FROM agents WHERE status = ? AND last_heartbeat_at < ?
	`, models.AgentStatusUp, db.FormatTime(cutoff))
	if err != nil {
		log.Printf("Scheduler: offline agent query failed: %v", err)
		return
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			stale = append(stale, id)
		}
	}
	rows.Close()

	for _, agentID := range stale {
		if _, err := s.db.Exec(`UPDATE agents SET status = ? WHERE id = ?`,
			models.AgentStatusDown, agentID); err != nil {
			log.Printf("Scheduler: marking agent %s down failed: %v", agentID, err)
			continue
		}
		log.Printf("Scheduler: agent %s went offline", agentID)
		s.journal.Emit(events.TypeAgentOffline, nil, &agentID, nil)
		s.failRunsOnAgent(agentID)
	}
}

// failRunsOnAgent finalizes every running run on a dead agent. Queued runs
// keep their reserved GPUs so they can start once the agent recovers.
func (s *Scheduler) failRunsOnAgent(agentID string) {
	rows, err := s.db.Query(`SELECT id FROM runs WHERE agent_id = ? AND state = ?`,
		agentID, models.RunStateRunning)
	if err != nil {
		log.Printf("Scheduler: run lookup for agent %s failed: %v", agentID, err)
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	reason := "agent offline"
	for _, runID := range ids {
		unlock := s.lockRun(runID)
		run, err := s.GetRun(runID)
		if err == nil && run.State == models.RunStateRunning {
			if _, err := s.finishLocked(run, false, &reason); err != nil {
				log.Printf("Scheduler: failing run %s failed: %v", runID, err)
			} else {
				s.journal.Emit(events.TypeRunLostAgent, &runID, &agentID, nil)
			}
		}
		unlock()
	}
}
