// Package inventory tracks the per-agent GPU registry and owns the only
// mutable shared resource in the system: the allocation flag. Reservations
// go through a conditional UPDATE so concurrent callers for the same
// (agent, index) resolve to exactly one winner.
package inventory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kilnd/kiln/internal/db"
	"github.com/kilnd/kiln/internal/models"
)

var (
	ErrNotFound         = errors.New("gpu not found")
	ErrAlreadyAllocated = errors.New("gpu already allocated")
)

type Inventory struct {
	db *db.DB
}

func New(database *db.DB) *Inventory {
	return &Inventory{db: database}
}

// ListGPUs returns the current snapshot for one agent, ordered by index.
func (inv *Inventory) ListGPUs(agentID string) ([]models.GPU, error) {
	rows, err := inv.db.Query(`
		SELECT id, agent_id, idx, uuid, name, total_mem_mb, compute_capability, allocated, last_seen_at
		FROM gpus WHERE agent_id = ? ORDER BY idx ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gpus []models.GPU
	for rows.Next() {
		var g models.GPU
		if err := rows.Scan(&g.ID, &g.AgentID, &g.Index, &g.UUID, &g.Name, &g.TotalMemMB, &g.ComputeCapability, &g.Allocated, &g.LastSeenAt); err != nil {
			return nil, err
		}
		gpus = append(gpus, g)
	}
	return gpus, rows.Err()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Reserve flips the allocation flag for one GPU. It fails closed: the flag
// is only set if it was unset, so a lost race surfaces as ErrAlreadyAllocated.
func (inv *Inventory) Reserve(agentID string, index int) error {
	return reserve(inv.db, agentID, index)
}

// ReserveTx is Reserve inside a caller-owned transaction.
func (inv *Inventory) ReserveTx(tx *sql.Tx, agentID string, index int) error {
	return reserve(tx, agentID, index)
}

func reserve(e execer, agentID string, index int) error {
	res, err := e.Exec(`
		UPDATE gpus SET allocated = 1 WHERE agent_id = ? AND idx = ? AND allocated = 0
	`, agentID, index)
	if err != nil {
		return fmt.Errorf("reserving gpu %d on %s: %w", index, agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var allocated bool
	err = e.QueryRow("SELECT allocated FROM gpus WHERE agent_id = ? AND idx = ?", agentID, index).Scan(&allocated)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("gpu %d on agent %s: %w", index, agentID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("gpu %d on agent %s: %w", index, agentID, ErrAlreadyAllocated)
}

// Release clears the allocation flag. Releasing a free GPU is a no-op
// success so duplicate terminal events cannot double-free.
func (inv *Inventory) Release(agentID string, index int) error {
	return release(inv.db, agentID, index)
}

// ReleaseTx is Release inside a caller-owned transaction.
func (inv *Inventory) ReleaseTx(tx *sql.Tx, agentID string, index int) error {
	return release(tx, agentID, index)
}

func release(e execer, agentID string, index int) error {
	res, err := e.Exec("UPDATE gpus SET allocated = 0 WHERE agent_id = ? AND idx = ?", agentID, index)
	if err != nil {
		return fmt.Errorf("releasing gpu %d on %s: %w", index, agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("gpu %d on agent %s: %w", index, agentID, ErrNotFound)
	}
	return nil
}

// ReserveSet reserves every listed index or none of them.
func (inv *Inventory) ReserveSet(agentID string, indices []int) error {
	tx, err := inv.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := reserveSetTx(tx, agentID, indices); err != nil {
		return err
	}
	return tx.Commit()
}

// ReserveSetTx reserves every listed index inside a caller-owned
// transaction. The caller rolls back on error, keeping the set atomic.
func (inv *Inventory) ReserveSetTx(tx *sql.Tx, agentID string, indices []int) error {
	return reserveSetTx(tx, agentID, indices)
}

func reserveSetTx(tx *sql.Tx, agentID string, indices []int) error {
	for _, idx := range indices {
		if err := reserve(tx, agentID, idx); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseSetTx releases every listed index inside a caller-owned transaction.
// Unknown indices are skipped rather than failing a terminal transition.
func (inv *Inventory) ReleaseSetTx(tx *sql.Tx, agentID string, indices []int) error {
	for _, idx := range indices {
		if err := release(tx, agentID, idx); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// SyncAgent upserts the agent row and its GPU rows from a heartbeat. The
// allocation flag is owned by the scheduler and is never overwritten here.
func (inv *Inventory) SyncAgent(agent models.Agent, gpus []models.GPU) error {
	tx, err := inv.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	labelsJSON, _ := json.Marshal(agent.Labels)
	nowStr := db.FormatTime(time.Now())

	_, err = tx.Exec(`
		INSERT INTO agents (id, name, host, labels_json, status, api_version, last_heartbeat_at)
		VALUES (?, ?, ?, ?, 'up', ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			labels_json = excluded.labels_json,
			status = 'up',
			api_version = excluded.api_version,
			last_heartbeat_at = excluded.last_heartbeat_at
	`, agent.ID, agent.Name, agent.Host, string(labelsJSON), agent.APIVersion, nowStr)
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", agent.Name, err)
	}

	var agentID string
	if err := tx.QueryRow("SELECT id FROM agents WHERE name = ?", agent.Name).Scan(&agentID); err != nil {
		return err
	}

	for _, gpu := range gpus {
		_, err := tx.Exec(`
			INSERT INTO gpus (id, agent_id, idx, uuid, name, total_mem_mb, compute_capability, allocated, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(agent_id, idx) DO UPDATE SET
				uuid = excluded.uuid,
				name = excluded.name,
				total_mem_mb = excluded.total_mem_mb,
				compute_capability = excluded.compute_capability,
				last_seen_at = excluded.last_seen_at
		`, fmt.Sprintf("%s-%d", agentID, gpu.Index), agentID, gpu.Index, gpu.UUID, gpu.Name, gpu.TotalMemMB, gpu.ComputeCapability, nowStr)
		if err != nil {
			return fmt.Errorf("upserting gpu %d for agent %s: %w", gpu.Index, agent.Name, err)
		}
	}

	return tx.Commit()
}

// AgentIDByName resolves the stable agent id a heartbeat registered under.
func (inv *Inventory) AgentIDByName(name string) (string, error) {
	var id string
	err := inv.db.QueryRow("SELECT id FROM agents WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	return id, err
}

// ReleaseOrphaned clears allocation flags no non-terminal run holds. Covers
// a crash between reserving a set and persisting the run that owns it.
func (inv *Inventory) ReleaseOrphaned() (int, error) {
	res, err := inv.db.Exec(`
		UPDATE gpus SET allocated = 0
		WHERE allocated = 1 AND NOT EXISTS (
			SELECT 1 FROM runs r
			WHERE r.agent_id = gpus.agent_id
			  AND r.state IN (?, ?)
			  AND EXISTS (SELECT 1 FROM json_each(r.gpu_indices) je WHERE je.value = gpus.idx)
		)
	`, models.RunStateQueued, models.RunStateRunning)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
