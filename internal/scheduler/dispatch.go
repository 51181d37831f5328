package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kilnd/kiln/internal/models"
	"github.com/kilnd/kiln/internal/netutils"
)

// LaunchCommand carries everything an agent needs to start a run process.
type LaunchCommand struct {
	Run        models.Run      `json:"run"`
	Command    string          `json:"command"`
	ConfigJSON json.RawMessage `json:"config_json,omitempty"`
}

// Dispatcher is the outbound half of the agent boundary.
type Dispatcher interface {
	Launch(cmd LaunchCommand, host string) error
	RequestCancel(runID, host string) error
	RequestHalt(runID, host string) error
}

// HTTPDispatcher talks to agent daemons over their local HTTP API.
type HTTPDispatcher struct {
	client *http.Client
}

func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{client: netutils.NewClient()}
}

func (d *HTTPDispatcher) Launch(cmd LaunchCommand, host string) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return d.post(fmt.Sprintf("http://%s/v1/runs", host), body)
}

func (d *HTTPDispatcher) RequestCancel(runID, host string) error {
	return d.post(fmt.Sprintf("http://%s/v1/runs/%s/cancel", host, runID), nil)
}

func (d *HTTPDispatcher) RequestHalt(runID, host string) error {
	return d.post(fmt.Sprintf("http://%s/v1/runs/%s/halt", host, runID), nil)
}

func (d *HTTPDispatcher) post(url string, body []byte) error {
	resp, err := d.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent returned %s for %s", resp.Status, url)
	}
	return nil
}
