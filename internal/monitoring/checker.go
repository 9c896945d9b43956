package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/config"
)

// Checker evaluates call pipeline health on an interval and posts alerts
// to the monitoring webhook.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker creates a checker. A zero check interval means five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
	}
}

// Run checks once per interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check collects one snapshot, logs it and sends whatever alerts it
// triggers. It returns the number of alerts delivered.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: collect snapshot", zap.Error(err))
		return 0
	}

	fields := []zap.Field{
		zap.Int("calls", snap.CallsTotal),
		zap.Int("notified", snap.CallsNotified),
		zap.Int("failed", snap.CallsFailed),
		zap.Int("in_flight", snap.CallsInFlight),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Int("dead_letters", snap.DeadLetters),
	}
	if len(snap.OpenCircuits) > 0 {
		log.Warn("monitoring: circuits open", append(fields, zap.Strings("open_circuits", snap.OpenCircuits))...)
	} else {
		log.Debug("monitoring: pipeline snapshot", fields...)
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return 0
	}
	types := make([]string, len(alerts))
	for i, a := range alerts {
		types[i] = string(a.Type)
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alerts raised",
		zap.Strings("types", types),
		zap.Int("sent", sent),
	)
	return sent
}
