package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/erc721-indexer/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &Snapshot{
		BatchesTotal:    100,
		BatchesComplete: 95,
		BatchesFailed:   5,
		FailRate:        0.05,
		Lookback:        24 * time.Hour,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &Snapshot{
		BatchesTotal:    20,
		BatchesComplete: 12,
		BatchesFailed:   8,
		FailRate:        0.4,
		Lookback:        24 * time.Hour,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBatchFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "24h0m0s")
}

func TestAlerter_Evaluate_MinimumBatchesRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	// Only 3 finished batches, below the minimum for a failure rate alert.
	snap := &Snapshot{
		BatchesTotal:    3,
		BatchesComplete: 1,
		BatchesFailed:   2,
		FailRate:        0.666,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_Stalled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.Evaluate(&Snapshot{BatchesRunning: 1, Stalled: 1, LastBlock: 12287606})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBatchStalled, alerts[0].Type)
	assert.Equal(t, uint64(12287606), alerts[0].Details["last_block"])
}

func TestAlerter_Evaluate_BreakerOpen(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	alerts := a.Evaluate(&Snapshot{OpenBreakers: []string{"ipfs.filebase.io", "ipfs.io"}})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBreakerOpen, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "ipfs.filebase.io, ipfs.io")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &Snapshot{
		BatchesComplete: 5,
		BatchesFailed:   5,
		FailRate:        0.5,
		Stalled:         2,
		OpenBreakers:    []string{"ipfs.io"},
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertBatchFailureRate])
	assert.True(t, types[AlertBatchStalled])
	assert.True(t, types[AlertBreakerOpen])
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	alerts := []Alert{
		{Type: AlertBatchFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertBatchStalled, Severity: "high", Message: "test alert 2"},
	}

	assert.Equal(t, 2, a.SendAlerts(context.Background(), alerts))
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertBatchStalled, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertBatchStalled, Message: "test"}})
	assert.Equal(t, 0, sent)
}
