package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		metricName string
		wantOK     bool
		wantEpoch  int
		wantTotal  int
		wantMetric *float64
	}{
		{
			name:      "epoch only",
			line:      "Epoch 3/90: training",
			wantOK:    true,
			wantEpoch: 3,
			wantTotal: 90,
		},
		{
			name:       "epoch and metric",
			line:       "epoch: 12 / 100 | val_acc@1=0.761 | val_loss=0.92",
			metricName: "val_acc@1",
			wantOK:     true,
			wantEpoch:  12,
			wantTotal:  100,
			wantMetric: fv(0.761),
		},
		{
			name:       "metric only",
			line:       "eval done, val_acc@1: 0.801",
			metricName: "val_acc@1",
			wantOK:     true,
			wantMetric: fv(0.801),
		},
		{
			name:       "scientific notation",
			line:       "val_loss = 1.2e-3",
			metricName: "val_loss",
			wantOK:     true,
			wantMetric: fv(0.0012),
		},
		{
			name:       "wrong metric ignored",
			line:       "train_loss=0.5",
			metricName: "val_acc@1",
			wantOK:     false,
		},
		{
			name:   "plain chatter",
			line:   "loading dataset shards",
			wantOK: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			upd, ok := ParseProgress(tc.line, tc.metricName)
			require.Equal(t, tc.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tc.wantEpoch, upd.Epoch)
			assert.Equal(t, tc.wantTotal, upd.TotalEpochs)
			if tc.wantMetric == nil {
				assert.Nil(t, upd.MetricValue)
			} else {
				require.NotNil(t, upd.MetricValue)
				assert.InDelta(t, *tc.wantMetric, *upd.MetricValue, 1e-9)
			}
		})
	}
}

func fv(v float64) *float64 { return &v }
