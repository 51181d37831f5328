package agent

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnd/kiln/internal/config"
	"github.com/kilnd/kiln/internal/models"
)

type stubReporter struct {
	mu        sync.Mutex
	terminals []struct {
		RunID   string
		Success bool
		Reason  string
	}
}

func (r *stubReporter) Progress(runID string, epoch, step, totalEpochs int, metricValue *float64) error {
	return nil
}

func (r *stubReporter) Log(runID, level, source, message string) error { return nil }

func (r *stubReporter) Terminal(runID string, success bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminals = append(r.terminals, struct {
		RunID   string
		Success bool
		Reason  string
	}{runID, success, reason})
	return nil
}

func (r *stubReporter) terminalFor(runID string) (bool, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.terminals {
		if t.RunID == runID {
			return t.Success, t.Reason, true
		}
	}
	return false, "", false
}

func newRecoveryAgent(t *testing.T, logRoot string) (*Agent, *stubReporter) {
	t.Helper()
	rep := &stubReporter{}
	cfg := &config.AgentConfig{
		ControllerURL: "http://localhost:0",
		AgentName:     "test-agent",
		Addr:          "localhost:0",
		LogRoot:       logRoot,
	}
	return New(cfg, NewFakeGPUProvider("test-agent", 1), rep, "test"), rep
}

func writeTestPIDFile(t *testing.T, logRoot string, run models.Run, pid int) {
	t.Helper()
	data, err := json.Marshal(pidFile{Run: run, PID: pid})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(logRoot, run.ID+".pid"), data, 0644))
}

func TestRecoverRunsReportsDeadProcess(t *testing.T) {
	logRoot := t.TempDir()
	a, rep := newRecoveryAgent(t, logRoot)

	run := models.Run{ID: "run-dead", Name: "resnet__ce__pretrained"}
	// A pid we know is free: spawn and reap a short-lived child.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	writeTestPIDFile(t, logRoot, run, cmd.Process.Pid)

	a.RecoverRuns()

	success, reason, ok := rep.terminalFor("run-dead")
	require.True(t, ok, "expected a terminal report for the dead run")
	assert.False(t, success)
	assert.Contains(t, reason, "died while agent was down")
	assert.NoFileExists(t, filepath.Join(logRoot, run.ID+".pid"))
}

func TestRecoverRunsReattachesLiveProcess(t *testing.T) {
	logRoot := t.TempDir()
	a, rep := newRecoveryAgent(t, logRoot)

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	run := models.Run{ID: "run-live", Name: "resnet__ce__scratch"}
	writeTestPIDFile(t, logRoot, run, cmd.Process.Pid)

	a.RecoverRuns()

	a.mu.Lock()
	runner, attached := a.runners["run-live"]
	a.mu.Unlock()
	require.True(t, attached, "expected the live run to be re-attached")
	assert.Equal(t, cmd.Process.Pid, runner.PID())
	_, _, reported := rep.terminalFor("run-live")
	assert.False(t, reported, "live run must not get a terminal report yet")

	// Once the process dies the runner notices and reports.
	require.NoError(t, cmd.Process.Kill())
	cmd.Wait()
	require.Eventually(t, func() bool {
		_, _, ok := rep.terminalFor("run-live")
		return ok
	}, 10*time.Second, 100*time.Millisecond)
	success, reason, _ := rep.terminalFor("run-live")
	assert.False(t, success)
	assert.Contains(t, reason, "exit status unknown")
}

func TestRecoverRunsIgnoresGarbagePIDFile(t *testing.T) {
	logRoot := t.TempDir()
	a, _ := newRecoveryAgent(t, logRoot)

	path := filepath.Join(logRoot, "broken.pid")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	a.RecoverRuns()

	assert.NoFileExists(t, path)
	a.mu.Lock()
	assert.Empty(t, a.runners)
	a.mu.Unlock()
}
