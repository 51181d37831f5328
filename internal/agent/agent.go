package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kilnd/kiln/internal/config"
	"github.com/kilnd/kiln/internal/models"
	"github.com/kilnd/kiln/internal/netutils"
)

type Agent struct {
	name          string
	controllerURL string
	host          string
	labels        map[string]string
	logRoot       string
	version       string

	provider GPUProvider
	reporter Reporter
	client   *http.Client

	mu      sync.Mutex
	runners map[string]*RunRunner
}

func New(cfg *config.AgentConfig, provider GPUProvider, reporter Reporter, version string) *Agent {
	// A bare ":port" listen address is not dialable from the controller;
	// advertise the hostname with it.
	host := cfg.Addr
	if strings.HasPrefix(host, ":") {
		if hn, err := os.Hostname(); err == nil {
			host = hn + host
		}
	}
	return &Agent{
		name:          cfg.AgentName,
		controllerURL: cfg.ControllerURL,
		host:          host,
		labels:        cfg.Labels,
		logRoot:       cfg.LogRoot,
		version:       version,
		provider:      provider,
		reporter:      reporter,
		client:        netutils.NewClient(),
		runners:       make(map[string]*RunRunner),
	}
}

// RecoverRuns scans the log root for pid files left by a previous agent
// process and re-attaches to training runs that are still alive. Runs whose
// process died during the outage get a terminal report now; the controller
// treats it as stale if it already resolved the run some other way.
func (a *Agent) RecoverRuns() {
	entries, err := os.ReadDir(a.logRoot)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pid") {
			continue
		}
		path := filepath.Join(a.logRoot, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var pf pidFile
		if err := json.Unmarshal(data, &pf); err != nil || pf.Run.ID == "" || pf.PID <= 0 {
			os.Remove(path)
			continue
		}

		if syscall.Kill(pf.PID, 0) != nil {
			os.Remove(path)
			log.Printf("Agent: run %s died while agent was down (pid %d)", pf.Run.ID, pf.PID)
			a.reporter.Terminal(pf.Run.ID, false, "process died while agent was down")
			continue
		}

		log.Printf("Agent: re-attached to run %s (pid %d)", pf.Run.ID, pf.PID)
		runner := NewRecoveredRunRunner(pf.Run, a.logRoot, pf.PID)
		a.mu.Lock()
		a.runners[pf.Run.ID] = runner
		a.mu.Unlock()

		go func(runID string) {
			runner.Wait()
			a.mu.Lock()
			delete(a.runners, runID)
			a.mu.Unlock()
			// Output and exit status were lost with the old agent process.
			a.reporter.Terminal(runID, false, "exit status unknown after agent restart")
		}(pf.Run.ID)
	}
}

func (a *Agent) StartHeartbeat(interval time.Duration) {
	// Initial heartbeat
	a.sendHeartbeat()

	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			a.sendHeartbeat()
		}
	}()
}

type heartbeatRequest struct {
	AgentName  string            `json:"agent_name"`
	Host       string            `json:"host"`
	APIVersion string            `json:"api_version"`
	Labels     map[string]string `json:"labels,omitempty"`
	GPUs       []models.GPU      `json:"gpus"`
}

func (a *Agent) sendHeartbeat() {
	gpus, err := a.provider.GetGPUs()
	if err != nil {
		log.Printf("Agent: error getting GPUs: %v", err)
		return
	}

	req := heartbeatRequest{
		AgentName:  a.name,
		Host:       a.host,
		APIVersion: a.version,
		Labels:     a.labels,
		GPUs:       gpus,
	}

	body, _ := json.Marshal(req)
	url := fmt.Sprintf("%s/v1/agent/heartbeat", a.controllerURL)

	resp, err := a.client.Post(url, "application/json", bytes.NewBuffer(body))
	if err != nil {
		log.Printf("Agent: error sending heartbeat: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Agent: heartbeat failed with status: %d", resp.StatusCode)
	}
}

func (a *Agent) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", a.handleLaunch)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", a.handleCancel)
	mux.HandleFunc("POST /v1/runs/{id}/halt", a.handleHalt)
	mux.HandleFunc("GET /v1/runs", a.handleRunning)
	return mux
}

// LaunchRequest mirrors the controller's dispatch payload.
type LaunchRequest struct {
	Run        models.Run      `json:"run"`
	Command    string          `json:"command"`
	ConfigJSON json.RawMessage `json:"config_json,omitempty"`
}

func (a *Agent) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Run.ID == "" || req.Command == "" {
		http.Error(w, "run and command are required", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	if _, exists := a.runners[req.Run.ID]; exists {
		a.mu.Unlock()
		http.Error(w, "run already active", http.StatusConflict)
		return
	}
	a.mu.Unlock()

	run := req.Run
	lastEpoch, lastTotal := run.Epoch, run.TotalEpochs
	runner := NewRunRunner(run, req.Command, a.logRoot, func(line string) {
		lastEpoch, lastTotal = a.forwardLine(run, line, lastEpoch, lastTotal)
	})
	if err := runner.Start(); err != nil {
		log.Printf("Agent: launch failed for run %s: %v", run.ID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a.mu.Lock()
	a.runners[run.ID] = runner
	a.mu.Unlock()

	log.Printf("Agent: run %s (%s) started, pid %d", run.ID, run.Name, runner.PID())

	go func() {
		err := runner.Wait()
		a.mu.Lock()
		delete(a.runners, run.ID)
		a.mu.Unlock()

		reason := ""
		if err != nil {
			reason = err.Error()
		}
		log.Printf("Agent: run %s finished (err=%v)", run.ID, err)
		a.reporter.Terminal(run.ID, err == nil, reason)
	}()

	w.WriteHeader(http.StatusOK)
}

// forwardLine ships one output line to the controller and, when the line
// carries an epoch marker or the monitored metric, a progress report too.
// Returns the position the controller now knows about; a metric-only line
// reuses the last seen epoch instead of regressing it.
func (a *Agent) forwardLine(run models.Run, line string, lastEpoch, lastTotal int) (int, int) {
	if line == "" {
		return lastEpoch, lastTotal
	}
	a.reporter.Log(run.ID, "info", "stdout", line)

	upd, ok := ParseProgress(line, run.MonitorMetric)
	if !ok {
		return lastEpoch, lastTotal
	}
	if upd.Epoch > 0 {
		lastEpoch, lastTotal = upd.Epoch, upd.TotalEpochs
	}
	a.reporter.Progress(run.ID, lastEpoch, 0, lastTotal, upd.MetricValue)
	return lastEpoch, lastTotal
}

func (a *Agent) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.stopRun(w, r.PathValue("id"), false)
}

func (a *Agent) handleHalt(w http.ResponseWriter, r *http.Request) {
	a.stopRun(w, r.PathValue("id"), true)
}

func (a *Agent) stopRun(w http.ResponseWriter, runID string, graceful bool) {
	a.mu.Lock()
	runner, ok := a.runners[runID]
	a.mu.Unlock()

	if !ok {
		// Already gone; stopping twice is not an error.
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := runner.Stop(graceful); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) handleRunning(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	type activeRun struct {
		RunID string `json:"run_id"`
		PID   int    `json:"pid"`
	}
	active := []activeRun{}
	for id, runner := range a.runners {
		active = append(active, activeRun{RunID: id, PID: runner.PID()})
	}
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(active)
}
