package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/sells-group/rxclaims/internal/config"
	"github.com/sells-group/rxclaims/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&mockSource{counts: map[model.ClaimStatus]int{}})
	alerter := NewAlerter(config.MonitoringConfig{ErrorRateThreshold: 0.05})
	checker := NewChecker(collector, alerter, config.MonitoringConfig{
		CheckIntervalSecs:   1,
		LookbackWindowHours: 24,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	collector := NewCollector(&mockSource{})
	checker := NewChecker(collector, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{
		CheckIntervalSecs: 0,
	})
	assert.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:          ts.URL,
		LookbackWindowHours: 24,
		DLQDepthThreshold:   10,
	}
	collector := NewCollector(&mockSource{counts: map[model.ClaimStatus]int{}, dlqCount: 11})
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	n := checker.check(context.Background(), zap.NewNop())
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_SustainedAlertSentOnce(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackWindowHours: 24, DLQDepthThreshold: 10}
	src := &mockSource{counts: map[model.ClaimStatus]int{}, dlqCount: 25}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)
	log := zap.NewNop()

	assert.Equal(t, 1, checker.check(context.Background(), log))
	assert.Equal(t, 0, checker.check(context.Background(), log), "still firing")

	src.dlqCount = 0
	assert.Equal(t, 0, checker.check(context.Background(), log), "cleared")

	src.dlqCount = 40
	assert.Equal(t, 1, checker.check(context.Background(), log), "fires again after clearing")
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_CollectErrorKeepsState(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, DLQDepthThreshold: 10}
	src := &mockSource{counts: map[model.ClaimStatus]int{}, dlqCount: 25}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), cfg)
	log := zap.NewNop()

	assert.Equal(t, 1, checker.check(context.Background(), log))

	src.dlqErr = errors.New("pool closed")
	assert.Equal(t, 0, checker.check(context.Background(), log))

	src.dlqErr = nil
	assert.Equal(t, 0, checker.check(context.Background(), log), "a failed collect does not reset firing alerts")
}

func TestChecker_RunChecksImmediately(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:          ts.URL,
		CheckIntervalSecs:   3600,
		LookbackWindowHours: 24,
		DLQDepthThreshold:   1,
	}
	checker := NewChecker(NewCollector(&mockSource{counts: map[model.ClaimStatus]int{}, dlqCount: 5}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return received.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
