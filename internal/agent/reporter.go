package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/kilnd/kiln/internal/netutils"
)

// Reporter is the inbound half of the controller boundary as seen from the
// agent: everything the run process produces flows back through it.
type Reporter interface {
	Progress(runID string, epoch, step, totalEpochs int, metricValue *float64) error
	Log(runID, level, source, message string) error
	Terminal(runID string, success bool, reason string) error
}

type HTTPReporter struct {
	controllerURL string
	client        *http.Client
}

func NewHTTPReporter(controllerURL string) *HTTPReporter {
	return &HTTPReporter{controllerURL: controllerURL, client: netutils.NewClient()}
}

func (r *HTTPReporter) Progress(runID string, epoch, step, totalEpochs int, metricValue *float64) error {
	payload := map[string]any{"epoch": epoch, "step": step, "total_epochs": totalEpochs}
	if metricValue != nil {
		payload["metric_value"] = *metricValue
	}
	return r.post(fmt.Sprintf("/v1/agent/runs/%s/progress", runID), payload)
}

func (r *HTTPReporter) Log(runID, level, source, message string) error {
	return r.post(fmt.Sprintf("/v1/agent/runs/%s/log", runID), map[string]any{
		"level": level, "source": source, "message": message,
	})
}

func (r *HTTPReporter) Terminal(runID string, success bool, reason string) error {
	return r.post(fmt.Sprintf("/v1/agent/runs/%s/state", runID), map[string]any{
		"success": success, "reason": reason,
	})
}

// post retries a couple of times before giving up. Lost reports are fine:
// the controller reconciles silence on its own schedule.
func (r *HTTPReporter) post(path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
		resp, err := r.client.Post(r.controllerURL+path, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("controller returned %s for %s", resp.Status, path)
		if resp.StatusCode < 500 {
			break
		}
	}
	log.Printf("Reporter: giving up on %s: %v", path, lastErr)
	return lastErr
}
