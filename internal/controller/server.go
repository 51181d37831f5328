package controller

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kilnd/kiln/internal/bus"
	"github.com/kilnd/kiln/internal/db"
	"github.com/kilnd/kiln/internal/events"
	"github.com/kilnd/kiln/internal/inventory"
	"github.com/kilnd/kiln/internal/lifecycle"
	"github.com/kilnd/kiln/internal/models"
	"github.com/kilnd/kiln/internal/scheduler"
)

type Server struct {
	db        *db.DB
	sched     *scheduler.Scheduler
	inv       *inventory.Inventory
	bus       *bus.Bus
	journal   *events.Journal
	tailLines int
}

func NewServer(database *db.DB, sched *scheduler.Scheduler, inv *inventory.Inventory, b *bus.Bus, journal *events.Journal, tailLines int) *Server {
	return &Server{
		db:        database,
		sched:     sched,
		inv:       inv,
		bus:       b,
		journal:   journal,
		tailLines: tailLines,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Config snapshots
	mux.HandleFunc("POST /v1/configs", s.handleConfigCreate)

	// Run control
	mux.HandleFunc("POST /v1/runs", s.handleRunQueue)
	mux.HandleFunc("GET /v1/runs", s.handleRunList)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("POST /v1/runs/{id}/start", s.handleRunStart)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleRunCancel)
	mux.HandleFunc("POST /v1/runs/{id}/halt", s.handleRunHalt)
	mux.HandleFunc("POST /v1/runs/{id}/finish", s.handleRunFinish)
	mux.HandleFunc("GET /v1/runs/{id}/status", s.handleRunStatus)
	mux.HandleFunc("GET /v1/runs/{id}/logs", s.handleRunLogs)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleRunEvents)

	// Inventory
	mux.HandleFunc("GET /v1/agents", s.handleAgentList)
	mux.HandleFunc("GET /v1/agents/{id}/gpus", s.handleGPUList)
	mux.HandleFunc("POST /v1/agents/{id}/gpus/{index}/reserve", s.handleGPUReserve)
	mux.HandleFunc("POST /v1/agents/{id}/gpus/{index}/release", s.handleGPURelease)

	// Agent-facing reporting
	mux.HandleFunc("POST /v1/agent/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /v1/agent/runs/{id}/progress", s.handleRunProgress)
	mux.HandleFunc("POST /v1/agent/runs/{id}/log", s.handleRunLog)
	mux.HandleFunc("POST /v1/agent/runs/{id}/state", s.handleRunTerminal)

	// Live view
	mux.HandleFunc("POST /v1/viewers/heartbeat", s.handleViewerHeartbeat)
	mux.HandleFunc("GET /v1/ws", s.handleWS)

	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeError maps the service error taxonomy onto HTTP statuses. A stale
// report is not an error for the caller: the agent did its job, the run
// just finished first.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrStaleReport):
		writeJSON(w, http.StatusOK, map[string]string{"result": "ignored", "detail": err.Error()})
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, inventory.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, inventory.ErrAlreadyAllocated):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, scheduler.ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, scheduler.ErrAgentUnreachable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		log.Printf("Server: internal error: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type ConfigCreateRequest struct {
	ProjectID string          `json:"project_id"`
	GroupID   string          `json:"group_id,omitempty"`
	Config    json.RawMessage `json:"config"`
}

func (s *Server) handleConfigCreate(w http.ResponseWriter, r *http.Request) {
	var req ConfigCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" || len(req.Config) == 0 {
		http.Error(w, "project_id and config are required", http.StatusBadRequest)
		return
	}
	var snap models.ConfigSnapshot
	if err := json.Unmarshal(req.Config, &snap); err != nil {
		http.Error(w, "config is not valid JSON object", http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	var groupID any
	if req.GroupID != "" {
		groupID = req.GroupID
	}
	_, err := s.db.Exec(`INSERT INTO configs (id, project_id, group_id, config_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, req.ProjectID, groupID, string(req.Config), db.FormatTime(time.Now().UTC()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type RunQueueRequest struct {
	ConfigID    string `json:"config_id"`
	AgentID     string `json:"agent_id,omitempty"`
	GPUIndices  []int  `json:"gpu_indices,omitempty"`
	DockerImage string `json:"docker_image,omitempty"`
	Priority    int    `json:"priority"`
}

func (s *Server) handleRunQueue(w http.ResponseWriter, r *http.Request) {
	var req RunQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.ConfigID == "" {
		http.Error(w, "config_id is required", http.StatusBadRequest)
		return
	}

	run, err := s.sched.QueueRun(req.ConfigID, scheduler.QueueOptions{
		AgentID:     req.AgentID,
		GPUIndices:  req.GPUIndices,
		DockerImage: req.DockerImage,
		Priority:    req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.sched.ListRuns(r.URL.Query().Get("project_id"),
		models.RunState(r.URL.Query().Get("state")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.sched.GetRun(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type RunStartRequest struct {
	AgentID    string `json:"agent_id,omitempty"`
	GPUIndices []int  `json:"gpu_indices,omitempty"`
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req RunStartRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	run, err := s.sched.StartRun(r.PathValue("id"), req.AgentID, req.GPUIndices)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	run, err := s.sched.CancelRun(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunHalt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HasCheckpoint bool `json:"has_checkpoint"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	run, err := s.sched.HaltRun(r.PathValue("id"), req.HasCheckpoint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	run, err := s.sched.FinishRun(r.PathValue("id"), req.Success)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	lines := s.tailLines
	if q := r.URL.Query().Get("tail"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}
	st, err := s.sched.StatusOf(r.PathValue("id"), lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.sched.GetRun(runID); err != nil {
		writeError(w, err)
		return
	}
	lines := s.tailLines
	if q := r.URL.Query().Get("tail"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}
	tail, truncated := s.bus.LogTail(runID, lines)
	writeJSON(w, http.StatusOK, map[string]any{"lines": tail, "truncated": truncated})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.journal.ForRun(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`SELECT id, name, host, status, api_version, last_heartbeat_at FROM agents ORDER BY name`)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rows.Close()

	agents := []models.Agent{}
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Host, &a.Status, &a.APIVersion, &a.LastHeartbeatAt); err != nil {
			writeError(w, err)
			return
		}
		agents = append(agents, a)
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGPUList(w http.ResponseWriter, r *http.Request) {
	gpus, err := s.inv.ListGPUs(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gpus)
}

func (s *Server) handleGPUReserve(w http.ResponseWriter, r *http.Request) {
	s.handleGPUToggle(w, r, s.inv.Reserve)
}

func (s *Server) handleGPURelease(w http.ResponseWriter, r *http.Request) {
	s.handleGPUToggle(w, r, s.inv.Release)
}

func (s *Server) handleGPUToggle(w http.ResponseWriter, r *http.Request, op func(string, int) error) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		http.Error(w, "invalid gpu index", http.StatusBadRequest)
		return
	}
	if err := op(r.PathValue("id"), index); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type HeartbeatRequest struct {
	AgentName  string            `json:"agent_name"`
	Host       string            `json:"host"`
	APIVersion string            `json:"api_version"`
	Labels     map[string]string `json:"labels,omitempty"`
	GPUs       []models.GPU      `json:"gpus"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.AgentName == "" {
		http.Error(w, "agent_name is required", http.StatusBadRequest)
		return
	}

	var prevStatus string
	isNew := true
	if id, err := s.inv.AgentIDByName(req.AgentName); err == nil {
		isNew = false
		_ = s.db.QueryRow(`SELECT status FROM agents WHERE id = ?`, id).Scan(&prevStatus)
	}

	// The id only matters on first registration; upserts key on name.
	agent := models.Agent{
		ID:         uuid.New().String(),
		Name:       req.AgentName,
		Host:       req.Host,
		Labels:     req.Labels,
		APIVersion: req.APIVersion,
	}
	if err := s.inv.SyncAgent(agent, req.GPUs); err != nil {
		writeError(w, err)
		return
	}

	agentID, err := s.inv.AgentIDByName(req.AgentName)
	if err != nil {
		writeError(w, err)
		return
	}
	if isNew {
		s.journal.Emit(events.TypeAgentRegistered, nil, &agentID, map[string]string{"host": req.Host})
	} else if prevStatus == models.AgentStatusDown {
		s.journal.Emit(events.TypeAgentRecovered, nil, &agentID, nil)
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID})
}

func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	var rep scheduler.ProgressReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	run, err := s.sched.ReportProgress(r.PathValue("id"), rep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	var rep scheduler.LogReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.sched.ReportLog(r.PathValue("id"), rep); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRunTerminal(w http.ResponseWriter, r *http.Request) {
	var rep scheduler.TerminalReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	run, err := s.sched.ReportTerminal(r.PathValue("id"), rep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type ViewerHeartbeatRequest struct {
	RunID    string `json:"run_id"`
	ViewerID string `json:"viewer_id"`
}

func (s *Server) handleViewerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req ViewerHeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.RunID == "" || req.ViewerID == "" {
		http.Error(w, "run_id and viewer_id are required", http.StatusBadRequest)
		return
	}
	if _, err := s.sched.GetRun(req.RunID); err != nil {
		writeError(w, err)
		return
	}
	s.bus.ViewerHeartbeat(req.RunID, req.ViewerID)
	writeJSON(w, http.StatusOK, map[string]int{"active_viewers": s.bus.ActiveViewers(req.RunID)})
}
