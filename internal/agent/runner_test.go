package agent

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnd/kiln/internal/models"
)

func collectLines() (func(string), func() []string) {
	var mu sync.Mutex
	var lines []string
	sink := func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}
	get := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
	return sink, get
}

func TestRunRunnerStart(t *testing.T) {
	logRoot := t.TempDir()
	run := models.Run{
		ID:         "run-1",
		Name:       "resnet50__ce__pretrained",
		GPUIndices: []int{1, 3},
	}
	sink, lines := collectLines()

	runner := NewRunRunner(run, "env && echo 'training started'", logRoot, sink)
	require.NoError(t, runner.Start())
	require.NoError(t, runner.Wait())

	content, err := os.ReadFile(filepath.Join(logRoot, "run-1.log"))
	require.NoError(t, err)

	sContent := string(content)
	assert.Contains(t, sContent, "training started")
	assert.Contains(t, sContent, "CUDA_VISIBLE_DEVICES=1,3")
	assert.Contains(t, sContent, "KILN_RUN_ID=run-1")

	var saw bool
	for _, line := range lines() {
		if line == "training started" {
			saw = true
		}
	}
	assert.True(t, saw, "line sink should receive process output")
}

func TestRunRunnerCancel(t *testing.T) {
	logRoot := t.TempDir()
	run := models.Run{ID: "run-stop", Name: "stop-me"}
	sink, _ := collectLines()

	runner := NewRunRunner(run, "sleep 10", logRoot, sink)
	require.NoError(t, runner.Start())
	time.Sleep(100 * time.Millisecond)

	require.NotZero(t, runner.PID())

	start := time.Now()
	require.NoError(t, runner.Stop(false))
	require.Error(t, runner.Wait(), "signaled process must report an error")
	assert.Less(t, time.Since(start), time.Second, "non-graceful stop should not linger")
}

func TestRunRunnerGracefulHalt(t *testing.T) {
	logRoot := t.TempDir()
	run := models.Run{ID: "run-halt", Name: "halt-me"}
	sink, lines := collectLines()

	// The script checkpoints on SIGTERM and exits cleanly, the way a
	// training loop with a signal handler would.
	script := `trap 'echo "checkpoint saved"; exit 0' TERM; echo ready; while true; do sleep 0.1; done`
	runner := NewRunRunner(run, script, logRoot, sink)
	require.NoError(t, runner.Start())

	// Wait for the trap to be installed before signaling.
	require.Eventually(t, func() bool {
		for _, l := range lines() {
			if l == "ready" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, runner.Stop(true))
	require.NoError(t, runner.Wait(), "graceful halt lets the process exit 0")

	var checkpointed bool
	for _, line := range lines() {
		if strings.Contains(line, "checkpoint saved") {
			checkpointed = true
		}
	}
	assert.True(t, checkpointed)
}

func TestRunRunnerPartialLineFlushed(t *testing.T) {
	logRoot := t.TempDir()
	run := models.Run{ID: "run-partial", Name: "partial"}
	sink, lines := collectLines()

	runner := NewRunRunner(run, "printf 'no trailing newline'", logRoot, sink)
	require.NoError(t, runner.Start())
	require.NoError(t, runner.Wait())

	assert.Contains(t, lines(), "no trailing newline")
}

func TestRunRunnerSameNameDistinctFiles(t *testing.T) {
	logRoot := t.TempDir()
	// Run names are unique per log namespace only; two runs from different
	// namespaces may share one. Neither may clobber the other's files.
	runA := models.Run{ID: "run-a", Name: "resnet50__ce__pretrained"}
	runB := models.Run{ID: "run-b", Name: "resnet50__ce__pretrained"}
	sink, _ := collectLines()

	a := NewRunRunner(runA, "echo from-a; sleep 5", logRoot, sink)
	b := NewRunRunner(runB, "echo from-b; sleep 5", logRoot, sink)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop(false)
	defer b.Stop(false)

	pidA, err := os.ReadFile(filepath.Join(logRoot, "run-a.pid"))
	require.NoError(t, err)
	pidB, err := os.ReadFile(filepath.Join(logRoot, "run-b.pid"))
	require.NoError(t, err)
	assert.Contains(t, string(pidA), `"run-a"`)
	assert.Contains(t, string(pidB), `"run-b"`)

	require.Eventually(t, func() bool {
		la, _ := os.ReadFile(filepath.Join(logRoot, "run-a.log"))
		lb, _ := os.ReadFile(filepath.Join(logRoot, "run-b.log"))
		return strings.Contains(string(la), "from-a") && strings.Contains(string(lb), "from-b")
	}, 5*time.Second, 50*time.Millisecond)
}
