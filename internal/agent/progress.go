package agent

import (
	"regexp"
	"strconv"
)

// ProgressUpdate is what the agent could extract from one line of training
// output.
type ProgressUpdate struct {
	Epoch       int
	TotalEpochs int
	MetricValue *float64
}

var (
	// "Epoch 3/90", "epoch: 12 / 100"
	epochRe = regexp.MustCompile(`(?i)\bepoch[:\s]+(\d+)\s*/\s*(\d+)`)
	// "val_acc@1=0.761", "val_acc@1: 0.761", "val_loss = 1.2e-3"
	metricRe = regexp.MustCompile(`([a-zA-Z][\w@]*)\s*[=:]\s*([-+]?\d*\.?\d+(?:[eE][-+]?\d+)?)`)
)

// ParseProgress scans a training log line for an epoch marker and the
// monitored metric. Returns false when the line carries neither.
func ParseProgress(line, monitorMetric string) (ProgressUpdate, bool) {
	var upd ProgressUpdate
	found := false

	if m := epochRe.FindStringSubmatch(line); m != nil {
		upd.Epoch, _ = strconv.Atoi(m[1])
		upd.TotalEpochs, _ = strconv.Atoi(m[2])
		found = true
	}

	if monitorMetric != "" {
		for _, m := range metricRe.FindAllStringSubmatch(line, -1) {
			if m[1] != monitorMetric {
				continue
			}
			if v, err := strconv.ParseFloat(m[2], 64); err == nil {
				upd.MetricValue = &v
				found = true
			}
			break
		}
	}

	return upd, found
}
