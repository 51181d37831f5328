package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kilnd/kiln/internal/bus"
	"github.com/kilnd/kiln/internal/config"
	"github.com/kilnd/kiln/internal/models"
	"github.com/kilnd/kiln/internal/scheduler"
)

var controllerURL string

func main() {
	controllerURL = os.Getenv("KILN_CONTROLLER")
	if controllerURL == "" {
		if cfg, err := config.LoadCLIConfig(); err == nil && cfg.ControllerURL != "" {
			controllerURL = cfg.ControllerURL
		} else {
			controllerURL = "http://localhost:8080"
		}
	}

	rootCmd := &cobra.Command{Use: "kiln"}

	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE:  listAgents,
	}

	var projectID, state string
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRuns(projectID, state)
		},
	}
	runsCmd.Flags().StringVar(&projectID, "project", "", "Filter by project id")
	runsCmd.Flags().StringVar(&state, "state", "", "Filter by state (queued|running|succeeded|failed|canceled)")

	var agentID, gpus string
	var priority int
	queueCmd := &cobra.Command{
		Use:   "queue [config-id]",
		Short: "Queue a run from a config snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return queueRun(args[0], agentID, gpus, priority)
		},
	}
	queueCmd.Flags().StringVar(&agentID, "agent", "", "Agent to bind the run to")
	queueCmd.Flags().StringVar(&gpus, "gpus", "", "Comma separated GPU indices, e.g. 0,1")
	queueCmd.Flags().IntVar(&priority, "priority", 0, "Run priority")

	var startAgent, startGPUs string
	startCmd := &cobra.Command{
		Use:   "start [run-id]",
		Short: "Start a queued run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return startRun(args[0], startAgent, startGPUs)
		},
	}
	startCmd.Flags().StringVar(&startAgent, "agent", "", "Agent for an unbound run")
	startCmd.Flags().StringVar(&startGPUs, "gpus", "", "GPU indices for an unbound run")

	cancelCmd := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleRunAction(args[0], "cancel", nil)
		},
	}

	var noCheckpoint bool
	haltCmd := &cobra.Command{
		Use:   "halt [run-id]",
		Short: "Gracefully stop a run, keeping its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return simpleRunAction(args[0], "halt", map[string]bool{"has_checkpoint": !noCheckpoint})
		},
	}
	haltCmd.Flags().BoolVar(&noCheckpoint, "no-checkpoint", false, "Treat the halted run as failed (no usable checkpoint)")

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's live status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(args[0])
		},
	}

	var tail int
	logsCmd := &cobra.Command{
		Use:   "logs [run-id]",
		Short: "Show a run's buffered log tail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showLogs(args[0], tail)
		},
	}
	logsCmd.Flags().IntVar(&tail, "tail", 100, "Number of lines")

	var watchRun string
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live run events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return watch(watchRun)
		},
	}
	watchCmd.Flags().StringVar(&watchRun, "run", "", "Follow a single run instead of the global feed")

	rootCmd.AddCommand(agentsCmd, runsCmd, queueCmd, startCmd, cancelCmd, haltCmd, statusCmd, logsCmd, watchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func listAgents(cmd *cobra.Command, args []string) error {
	resp, err := request("GET", "/v1/agents", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var agents []models.Agent
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLAST HEARTBEAT\tHOST")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", short(a.ID), a.Name, a.Status, a.LastHeartbeatAt.Format("15:04:05"), a.Host)
	}
	return w.Flush()
}

func listRuns(projectID, state string) error {
	path := "/v1/runs"
	q := []string{}
	if projectID != "" {
		q = append(q, "project_id="+projectID)
	}
	if state != "" {
		q = append(q, "state="+state)
	}
	if len(q) > 0 {
		path += "?" + strings.Join(q, "&")
	}

	resp, err := request("GET", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var runs []models.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tEPOCH\tBEST\tAGENT\tGPUS")
	for _, r := range runs {
		best := "-"
		if r.BestValue != nil {
			best = fmt.Sprintf("%.4f", *r.BestValue)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%v\n",
			short(r.ID), r.Name, r.State, r.Epoch, r.TotalEpochs, best, short(r.AgentID), r.GPUIndices)
	}
	return w.Flush()
}

func queueRun(configID, agentID, gpus string, priority int) error {
	indices, err := parseIndices(gpus)
	if err != nil {
		return err
	}
	run, err := postRun("/v1/runs", map[string]any{
		"config_id":   configID,
		"agent_id":    agentID,
		"gpu_indices": indices,
		"priority":    priority,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Run queued: %s (%s)\n", run.ID, run.Name)
	return nil
}

func startRun(runID, agentID, gpus string) error {
	indices, err := parseIndices(gpus)
	if err != nil {
		return err
	}
	run, err := postRun(fmt.Sprintf("/v1/runs/%s/start", runID), map[string]any{
		"agent_id":    agentID,
		"gpu_indices": indices,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Run %s is %s\n", run.Name, run.State)
	return nil
}

func simpleRunAction(runID, action string, payload any) error {
	run, err := postRun(fmt.Sprintf("/v1/runs/%s/%s", runID, action), payload)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s is %s\n", run.Name, run.State)
	return nil
}

func showStatus(runID string) error {
	resp, err := request("GET", fmt.Sprintf("/v1/runs/%s/status", runID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var st scheduler.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return err
	}

	fmt.Printf("Run:      %s (%s)\n", st.Run.Name, st.Run.State)
	fmt.Printf("Epoch:    %d/%d\n", st.Run.Epoch, st.Run.TotalEpochs)
	if st.Run.BestValue != nil {
		fmt.Printf("Best:     %.4f (%s %s)\n", *st.Run.BestValue, st.Run.MonitorMetric, st.Run.MonitorMode)
	}
	fmt.Printf("Elapsed:  %s\n", time.Duration(st.ElapsedSec*float64(time.Second)).Round(time.Second))
	if st.ETASec != nil {
		fmt.Printf("ETA:      %s\n", time.Duration(*st.ETASec*float64(time.Second)).Round(time.Second))
	}
	if st.Stale {
		fmt.Println("Warning:  no recent reports from the agent")
	}
	fmt.Printf("Viewers:  %d\n", st.ActiveViewers)
	return nil
}

func showLogs(runID string, tail int) error {
	resp, err := request("GET", fmt.Sprintf("/v1/runs/%s/logs?tail=%d", runID, tail), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var logs struct {
		Lines     []models.LogLine `json:"lines"`
		Truncated bool             `json:"truncated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&logs); err != nil {
		return err
	}
	if logs.Truncated {
		fmt.Println("... (earlier lines dropped)")
	}
	for _, l := range logs.Lines {
		fmt.Printf("%s %s\n", l.Timestamp.Format("15:04:05"), l.Message)
	}
	return nil
}

func watch(runID string) error {
	wsURL := strings.Replace(controllerURL, "http", "ws", 1) + "/v1/ws"
	if runID != "" {
		wsURL += "?run_id=" + runID
	}

	ctx := context.Background()
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	defer c.CloseNow()

	fmt.Println("Watching... (Ctrl-C to stop)")
	for {
		var msg bus.Message
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case bus.TypeRunLog:
			fmt.Printf("%s [log] %s\n", msg.Timestamp.Format("15:04:05"), msg.Message)
		default:
			if msg.Run != nil {
				fmt.Printf("%s [%s] %s -> %s\n", msg.Timestamp.Format("15:04:05"), msg.Type, msg.Run.Name, msg.Run.State)
			}
		}
	}
}

func postRun(path string, payload any) (models.Run, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return models.Run{}, err
		}
		body = bytes.NewReader(raw)
	}
	resp, err := request("POST", path, body)
	if err != nil {
		return models.Run{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return models.Run{}, fmt.Errorf("request failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var run models.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return models.Run{}, err
	}
	return run, nil
}

func parseIndices(gpus string) ([]int, error) {
	if gpus == "" {
		return nil, nil
	}
	var indices []int
	for _, part := range strings.Split(gpus, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid gpu index %q", part)
		}
		indices = append(indices, n)
	}
	return indices, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func request(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, controllerURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	return client.Do(req)
}
