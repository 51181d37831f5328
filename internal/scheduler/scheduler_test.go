package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnd/kiln/internal/bus"
	"github.com/kilnd/kiln/internal/config"
	"github.com/kilnd/kiln/internal/db"
	"github.com/kilnd/kiln/internal/events"
	"github.com/kilnd/kiln/internal/inventory"
	"github.com/kilnd/kiln/internal/models"
)

type fakeDispatcher struct {
	mu        sync.Mutex
	launches  []LaunchCommand
	cancels   []string
	halts     []string
	launchErr error
}

func (f *fakeDispatcher) Launch(cmd LaunchCommand, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launches = append(f.launches, cmd)
	return nil
}

func (f *fakeDispatcher) RequestCancel(runID, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, runID)
	return nil
}

func (f *fakeDispatcher) RequestHalt(runID, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts = append(f.halts, runID)
	return nil
}

func (f *fakeDispatcher) haltCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.halts)
}

type testEnv struct {
	sched    *Scheduler
	dispatch *fakeDispatcher
	inv      *inventory.Inventory
	db       *db.DB
	agentID  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "scheduler_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Init())

	inv := inventory.New(database)
	agent := models.Agent{ID: "agent-1", Name: "node-a", Host: "localhost:7070", APIVersion: "v0.1.0"}
	var gpus []models.GPU
	for i := 0; i < 4; i++ {
		gpus = append(gpus, models.GPU{
			Index: i, UUID: fmt.Sprintf("GPU-%d", i), Name: "A100-SXM4-40GB", TotalMemMB: 40960,
		})
	}
	require.NoError(t, inv.SyncAgent(agent, gpus))
	agentID, err := inv.AgentIDByName("node-a")
	require.NoError(t, err)

	journal := events.New(database)
	t.Cleanup(journal.Close)

	cfg := &config.ControllerConfig{SharedLogsRoot: t.TempDir()}
	cfg.ApplyDefaults()
	cfg.DispatchRetries = 1
	cfg.DispatchBackoffMS = 1

	dispatch := &fakeDispatcher{}
	sched := New(database, inv, bus.New(cfg.LogTailLines), journal, dispatch, cfg)
	return &testEnv{sched: sched, dispatch: dispatch, inv: inv, db: database, agentID: agentID}
}

func (env *testEnv) insertConfig(t *testing.T, snap models.ConfigSnapshot) string {
	t.Helper()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	id := fmt.Sprintf("cfg-%d", time.Now().UnixNano())
	_, err = env.db.Exec(`INSERT INTO configs (id, project_id, config_json, created_at) VALUES (?, ?, ?, ?)`,
		id, "proj-1", string(raw), db.FormatTime(time.Now().UTC()))
	require.NoError(t, err)
	return id
}

func (env *testEnv) allocated(t *testing.T) []bool {
	t.Helper()
	gpus, err := env.inv.ListGPUs(env.agentID)
	require.NoError(t, err)
	out := make([]bool, len(gpus))
	for i, g := range gpus {
		out[i] = g.Allocated
	}
	return out
}

func baseSnapshot() models.ConfigSnapshot {
	pretrained := true
	return models.ConfigSnapshot{
		ModelFlavour:   "resnet50",
		LossName:       "ce",
		LoadPretrained: &pretrained,
		Epochs:         10,
		Command:        "python train.py",
	}
}

func TestQueueRunReservesGPUSet(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	run, err := env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStateQueued, run.State)
	assert.Equal(t, "resnet50__ce__pretrained", run.Name)
	assert.Equal(t, []bool{true, true, false, false}, env.allocated(t))

	// Overlapping set must fail whole, leaving index 2 free.
	_, err = env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{1, 2}})
	require.ErrorIs(t, err, inventory.ErrAlreadyAllocated)
	assert.Equal(t, []bool{true, true, false, false}, env.allocated(t))
}

func TestQueueRunIndicesWithoutAgent(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	_, err := env.sched.QueueRun(cfgID, QueueOptions{GPUIndices: []int{0}})
	require.ErrorIs(t, err, ErrBadRequest)
}

func TestQueueRunUnknownConfig(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sched.QueueRun("no-such-config", QueueOptions{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunNameCollisionSuffix(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	first, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)
	second, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)
	third, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)

	assert.Equal(t, "resnet50__ce__pretrained", first.Name)
	assert.Equal(t, "resnet50__ce__pretrained-v1", second.Name)
	assert.Equal(t, "resnet50__ce__pretrained-v2", third.Name)
}

func TestScratchNameWithSuffix(t *testing.T) {
	env := newTestEnv(t)
	snap := baseSnapshot()
	scratch := false
	snap.LoadPretrained = &scratch
	snap.ModelSuffix = "_wide"
	cfgID := env.insertConfig(t, snap)

	run, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)
	assert.Equal(t, "resnet50__ce__scratch_wide", run.Name)
}

func TestStartPreBoundRun(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	queued, err := env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{0}})
	require.NoError(t, err)

	run, err := env.sched.StartRun(queued.ID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateRunning, run.State)
	assert.NotNil(t, run.StartedAt)
	assert.Equal(t, []int{0}, run.GPUIndices)

	require.Len(t, env.dispatch.launches, 1)
	assert.Equal(t, "python train.py", env.dispatch.launches[0].Command)
	// Queue-time reservation carries over, nothing double-reserved.
	assert.Equal(t, []bool{true, false, false, false}, env.allocated(t))
}

func TestStartUnboundRunNeedsBinding(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	queued, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)

	_, err = env.sched.StartRun(queued.ID, "", nil)
	require.ErrorIs(t, err, ErrBadRequest)

	run, err := env.sched.StartRun(queued.ID, env.agentID, []int{2, 3})
	require.NoError(t, err)
	assert.Equal(t, models.RunStateRunning, run.State)
	assert.Equal(t, []bool{false, false, true, true}, env.allocated(t))
}

func TestFinishFreesGPUsForNextRun(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	first, err := env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{0}})
	require.NoError(t, err)
	_, err = env.sched.StartRun(first.ID, "", nil)
	require.NoError(t, err)

	done, err := env.sched.FinishRun(first.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateSucceeded, done.State)
	assert.Empty(t, done.GPUIndices)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, []bool{false, false, false, false}, env.allocated(t))

	second, err := env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{0}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStateQueued, second.State)
}

func TestDuplicateTerminalReportIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	run, err := env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{0, 1}})
	require.NoError(t, err)
	_, err = env.sched.StartRun(run.ID, "", nil)
	require.NoError(t, err)

	first, err := env.sched.ReportTerminal(run.ID, TerminalReport{Success: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunStateSucceeded, first.State)

	// Reserve index 0 for someone else, then replay the report: the stale
	// no-op must not release a GPU it no longer owns.
	require.NoError(t, env.inv.Reserve(env.agentID, 0))

	again, err := env.sched.ReportTerminal(run.ID, TerminalReport{Success: false})
	require.ErrorIs(t, err, ErrStaleReport)
	assert.Equal(t, models.RunStateSucceeded, again.State)
	assert.Equal(t, []bool{true, false, false, false}, env.allocated(t))
}

func TestStartWithUnreachableAgentFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.dispatch.launchErr = errors.New("connection refused")
	cfgID := env.insertConfig(t, baseSnapshot())

	queued, err := env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{0}})
	require.NoError(t, err)

	run, err := env.sched.StartRun(queued.ID, "", nil)
	require.ErrorIs(t, err, ErrAgentUnreachable)
	assert.Equal(t, models.RunStateFailed, run.State)
	require.NotNil(t, run.Reason)
	assert.Contains(t, *run.Reason, "launch dispatch failed")
	assert.Equal(t, []bool{false, false, false, false}, env.allocated(t))
}

func TestCancelQueuedRun(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	queued, err := env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{0}})
	require.NoError(t, err)

	run, err := env.sched.CancelRun(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateCanceled, run.State)
	assert.Equal(t, []bool{false, false, false, false}, env.allocated(t))

	// Canceling again is an invalid transition, not a crash.
	_, err = env.sched.CancelRun(queued.ID)
	require.Error(t, err)
}

func TestHaltFinalizesByCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	for _, tc := range []struct {
		hasCheckpoint bool
		want          models.RunState
	}{
		{true, models.RunStateSucceeded},
		{false, models.RunStateFailed},
	} {
		queued, err := env.sched.QueueRun(cfgID, QueueOptions{})
		require.NoError(t, err)
		_, err = env.sched.StartRun(queued.ID, env.agentID, []int{0})
		require.NoError(t, err)

		run, err := env.sched.HaltRun(queued.ID, tc.hasCheckpoint)
		require.NoError(t, err)
		assert.Equal(t, tc.want, run.State)
	}

	// The agent is told to stop gracefully for both outcomes.
	assert.Eventually(t, func() bool { return env.dispatch.haltCount() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestProgressReportTracksBestValue(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	queued, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)
	_, err = env.sched.StartRun(queued.ID, env.agentID, []int{0})
	require.NoError(t, err)

	for _, v := range []float64{0.5, 0.7, 0.6} {
		v := v
		_, err = env.sched.ReportProgress(queued.ID, ProgressReport{Epoch: 1, MetricValue: &v})
		require.NoError(t, err)
	}

	run, err := env.sched.GetRun(queued.ID)
	require.NoError(t, err)
	require.NotNil(t, run.BestValue)
	assert.Equal(t, 0.7, *run.BestValue)
	assert.NotNil(t, run.LastReportAt)
}

func TestProgressAfterTerminalIsStale(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	queued, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)
	_, err = env.sched.StartRun(queued.ID, env.agentID, []int{0})
	require.NoError(t, err)
	_, err = env.sched.CancelRun(queued.ID)
	require.NoError(t, err)

	_, err = env.sched.ReportProgress(queued.ID, ProgressReport{Epoch: 3})
	require.ErrorIs(t, err, ErrStaleReport)
	require.ErrorIs(t, env.sched.ReportLog(queued.ID, LogReport{Message: "late line"}), ErrStaleReport)
}

func TestStatusETA(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	queued, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)
	_, err = env.sched.StartRun(queued.ID, env.agentID, []int{0})
	require.NoError(t, err)

	st, err := env.sched.StatusOf(queued.ID, 10)
	require.NoError(t, err)
	assert.Nil(t, st.ETASec, "no ETA before the first epoch completes")

	val := 0.4
	_, err = env.sched.ReportProgress(queued.ID, ProgressReport{Epoch: 2, TotalEpochs: 10, MetricValue: &val})
	require.NoError(t, err)

	st, err = env.sched.StatusOf(queued.ID, 10)
	require.NoError(t, err)
	require.NotNil(t, st.ETASec)
	// Two of ten epochs done: remaining time is four times the elapsed time.
	assert.InDelta(t, st.ElapsedSec*4, *st.ETASec, st.ElapsedSec)
	assert.False(t, st.Stale)
}

func TestReconcileFailsRunsOnOfflineAgent(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	queued, err := env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{0, 1}})
	require.NoError(t, err)
	_, err = env.sched.StartRun(queued.ID, "", nil)
	require.NoError(t, err)

	// Backdate the heartbeat past the offline cutoff.
	stale := time.Now().UTC().Add(-10 * time.Minute)
	_, err = env.db.Exec(`UPDATE agents SET last_heartbeat_at = ? WHERE id = ?`,
		db.FormatTime(stale), env.agentID)
	require.NoError(t, err)

	env.sched.Reconcile()

	run, err := env.sched.GetRun(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateFailed, run.State)
	require.NotNil(t, run.Reason)
	assert.Equal(t, "agent offline", *run.Reason)
	assert.Equal(t, []bool{false, false, false, false}, env.allocated(t))

	gotDown := false
	rows, err := env.db.Query(`SELECT status FROM agents WHERE id = ?`, env.agentID)
	require.NoError(t, err)
	for rows.Next() {
		var status string
		require.NoError(t, rows.Scan(&status))
		gotDown = status == models.AgentStatusDown
	}
	rows.Close()
	assert.True(t, gotDown)
}

func TestQueuedRunSurvivesOfflineAgent(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	queued, err := env.sched.QueueRun(cfgID, QueueOptions{AgentID: env.agentID, GPUIndices: []int{3}})
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-10 * time.Minute)
	_, err = env.db.Exec(`UPDATE agents SET last_heartbeat_at = ? WHERE id = ?`,
		db.FormatTime(stale), env.agentID)
	require.NoError(t, err)

	env.sched.Reconcile()

	run, err := env.sched.GetRun(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateQueued, run.State)
	assert.Equal(t, []bool{false, false, false, true}, env.allocated(t))
}

func TestConcurrentQueueUniqueNames(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	const n = 8
	var wg sync.WaitGroup
	names := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := env.sched.QueueRun(cfgID, QueueOptions{})
			if assert.NoError(t, err) {
				names <- run.Name
			}
		}()
	}
	wg.Wait()
	close(names)

	seen := map[string]bool{}
	for name := range names {
		assert.False(t, seen[name], "duplicate run name %s", name)
		seen[name] = true
	}
	assert.Len(t, seen, n)
}

// randIndices picks a small contiguous GPU set on the 4-GPU test agent.
func randIndices(rng *rand.Rand) []int {
	n := 1 + rng.Intn(2)
	start := rng.Intn(4 - n + 1)
	out := make([]int, n)
	for i := range out {
		out[i] = start + i
	}
	return out
}

func TestAllocationInvariantUnderRandomInterleavings(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	var (
		mu  sync.Mutex
		ids []string
	)
	pickRun := func(rng *rand.Rand) string {
		mu.Lock()
		defer mu.Unlock()
		if len(ids) == 0 {
			return ""
		}
		return ids[rng.Intn(len(ids))]
	}

	// Hammer the scheduler with random op sequences; individual calls may
	// fail on conflicts or illegal transitions, only the end state matters.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 30; i++ {
				switch rng.Intn(4) {
				case 0:
					opts := QueueOptions{}
					if rng.Intn(2) == 0 {
						opts.AgentID = env.agentID
						opts.GPUIndices = randIndices(rng)
					}
					if run, err := env.sched.QueueRun(cfgID, opts); err == nil {
						mu.Lock()
						ids = append(ids, run.ID)
						mu.Unlock()
					}
				case 1:
					if id := pickRun(rng); id != "" {
						env.sched.StartRun(id, env.agentID, randIndices(rng))
					}
				case 2:
					if id := pickRun(rng); id != "" {
						env.sched.CancelRun(id)
					}
				case 3:
					if id := pickRun(rng); id != "" {
						env.sched.FinishRun(id, rng.Intn(2) == 0)
					}
				}
			}
		}(int64(g + 1))
	}
	wg.Wait()

	holders := make(map[int]int)
	rows, err := env.db.Query(`SELECT state, gpu_indices FROM runs`)
	require.NoError(t, err)
	for rows.Next() {
		var state, indices string
		require.NoError(t, rows.Scan(&state, &indices))
		if models.RunState(state).Terminal() {
			continue
		}
		var idx []int
		require.NoError(t, json.Unmarshal([]byte(indices), &idx))
		for _, i := range idx {
			holders[i]++
		}
	}
	rows.Close()
	require.NoError(t, rows.Err())

	// A GPU is allocated iff exactly one non-terminal run holds it.
	for i, alloc := range env.allocated(t) {
		assert.LessOrEqual(t, holders[i], 1, "gpu %d held by %d live runs", i, holders[i])
		assert.Equal(t, alloc, holders[i] == 1,
			"gpu %d: allocated=%v but held by %d live runs", i, alloc, holders[i])
	}
}

func TestReconcilePrunesTerminalRunLocks(t *testing.T) {
	env := newTestEnv(t)
	cfgID := env.insertConfig(t, baseSnapshot())

	done, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)
	_, err = env.sched.CancelRun(done.ID)
	require.NoError(t, err)

	live, err := env.sched.QueueRun(cfgID, QueueOptions{})
	require.NoError(t, err)
	// A failed start still touches the run lock, which is what matters here.
	_, err = env.sched.StartRun(live.ID, "", nil)
	require.Error(t, err)

	env.sched.mu.Lock()
	_, haveDone := env.sched.runLocks[done.ID]
	_, haveLive := env.sched.runLocks[live.ID]
	env.sched.mu.Unlock()
	require.True(t, haveDone)
	require.True(t, haveLive)

	env.sched.Reconcile()

	env.sched.mu.Lock()
	_, haveDone = env.sched.runLocks[done.ID]
	_, haveLive = env.sched.runLocks[live.ID]
	env.sched.mu.Unlock()
	assert.False(t, haveDone, "terminal run lock should be reclaimed")
	assert.True(t, haveLive, "queued run lock must survive")
}
