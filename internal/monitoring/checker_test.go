package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/erc721-indexer/internal/config"
	"github.com/sells-group/erc721-indexer/internal/indexer"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckInterval:        10 * time.Millisecond,
		LookbackWindow:       time.Hour,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(newTestCollector(&mockBatches{}, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	// Let it tick a few times then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(newTestCollector(&mockBatches{}, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 24*time.Hour, checker.lookback())

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_Check_SendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindow: time.Hour, FailureRateThreshold: 0.10}
	b := &mockBatches{entries: []indexer.BatchEntry{entry(indexer.StatusRunning, 20*time.Minute, 199)}}
	checker := NewChecker(newTestCollector(b, nil), NewAlerter(cfg), cfg)

	assert.Equal(t, 1, checker.Check(context.Background()))
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_Check_Healthy(t *testing.T) {
	cfg := config.MonitoringConfig{WebhookURL: "http://127.0.0.1:1", FailureRateThreshold: 0.10}
	b := &mockBatches{entries: []indexer.BatchEntry{entry(indexer.StatusComplete, time.Minute, 199)}}
	checker := NewChecker(newTestCollector(b, nil), NewAlerter(cfg), cfg)

	assert.Equal(t, 0, checker.Check(context.Background()))
}
