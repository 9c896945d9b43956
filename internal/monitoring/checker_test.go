package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/callscore/internal/config"
	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/resilience"
	"github.com/sells-group/callscore/internal/store"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&fakeStats{}, nil)
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

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
	checker := NewChecker(NewCollector(&fakeStats{}, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 5*time.Minute, checker.interval)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		_ = json.NewDecoder(r.Body).Decode(&alert)
		assert.Equal(t, AlertDeadLetters, alert.Type)
		received.Add(1)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, FailureRateThreshold: 1, DeadLetterThreshold: 1, LookbackWindowHours: 24}
	src := &fakeStats{stats: &store.CallStats{ByStatus: map[model.CallStatus]int{}, DeadLetters: 4}}
	checker := NewChecker(NewCollector(src, nil), NewAlerter(cfg), cfg)

	assert.Equal(t, 1, checker.check(context.Background(), zap.NewNop()))
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_LogsOpenCircuits(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cfg := config.MonitoringConfig{FailureRateThreshold: 1, LookbackWindowHours: 24}
	src := &fakeStats{stats: &store.CallStats{
		ByStatus:    map[model.CallStatus]int{model.CallCRMNotified: 3, model.CallAnalyzing: 1},
		DeadLetters: 2,
	}}
	breakers := fakeBreakers{"speech2text": resilience.CircuitOpen, "amocrm": resilience.CircuitClosed}
	checker := NewChecker(NewCollector(src, breakers), NewAlerter(cfg), cfg)

	checker.check(context.Background(), zap.New(core))

	warned := logs.FilterMessage("monitoring: circuits open").All()
	if assert.Len(t, warned, 1) {
		ctx := warned[0].ContextMap()
		assert.Equal(t, int64(4), ctx["calls"])
		assert.Equal(t, int64(1), ctx["in_flight"])
		assert.Equal(t, int64(2), ctx["dead_letters"])
		assert.Equal(t, []interface{}{"speech2text"}, ctx["open_circuits"])
	}
}

func TestChecker_CollectError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cfg := config.MonitoringConfig{LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&fakeStats{err: errors.New("db down")}, nil), NewAlerter(cfg), cfg)

	assert.Equal(t, 0, checker.check(context.Background(), zap.New(core)))
	assert.Equal(t, 1, logs.FilterMessage("monitoring: collect snapshot").Len())
}
