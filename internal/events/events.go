package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/kilnd/kiln/internal/db"
	"github.com/kilnd/kiln/internal/models"
)

const (
	// Run lifecycle
	TypeRunQueued   = "RUN_QUEUED"
	TypeRunStarted  = "RUN_STARTED"
	TypeRunFinished = "RUN_FINISHED"
	TypeRunCanceled = "RUN_CANCELED"
	TypeRunHalted   = "RUN_HALTED"
	TypeStaleReport = "STALE_REPORT"

	// Agent lifecycle
	TypeAgentRegistered = "AGENT_REGISTERED"
	TypeAgentRecovered  = "AGENT_RECOVERED"
	TypeAgentOffline    = "AGENT_OFFLINE"
	TypeRunLostAgent    = "RUN_LOST_AGENT"
)

// Journal writes an audit trail of scheduling decisions to the events
// table. Writes are batched off the hot path; a full buffer drops rather
// than blocks.
type Journal struct {
	db        *db.DB
	in        chan models.Event
	done      chan struct{}
	wg        sync.WaitGroup
	batchSize int
}

func New(database *db.DB) *Journal {
	j := &Journal{
		db:        database,
		in:        make(chan models.Event, 1000),
		done:      make(chan struct{}),
		batchSize: 100,
	}

	j.wg.Add(1)
	go j.loop()
	return j
}

func (j *Journal) Close() {
	close(j.done)
	j.wg.Wait()
}

func (j *Journal) Emit(eventType string, runID, agentID *string, payload any) {
	var payloadJSON *string
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			s := string(b)
			payloadJSON = &s
		}
	}

	select {
	case j.in <- models.Event{
		At:          time.Now(),
		Type:        eventType,
		RunID:       runID,
		AgentID:     agentID,
		PayloadJSON: payloadJSON,
	}:
	default:
		log.Printf("Journal: dropped event %s (buffer full)", eventType)
	}
}

func (j *Journal) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var batch []models.Event

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := j.writeBatch(batch); err != nil {
			log.Printf("Journal: writeBatch failed: %v", err)
		}
		batch = make([]models.Event, 0, j.batchSize)
	}

	for {
		select {
		case evt := <-j.in:
			batch = append(batch, evt)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-j.done:
			// Drain whatever is still queued before the final flush.
			for {
				select {
				case evt := <-j.in:
					batch = append(batch, evt)
					if len(batch) >= j.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (j *Journal) writeBatch(batch []models.Event) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO events (at, type, run_id, agent_id, payload_json) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		_, err := stmt.Exec(e.At.UTC(), e.Type, e.RunID, e.AgentID, e.PayloadJSON)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ForRun reads back the persisted trail for one run, oldest first.
func (j *Journal) ForRun(runID string) ([]models.Event, error) {
	rows, err := j.db.Query("SELECT id, at, type, run_id, agent_id, payload_json FROM events WHERE run_id = ? ORDER BY at ASC, id ASC", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.At, &e.Type, &e.RunID, &e.AgentID, &e.PayloadJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
