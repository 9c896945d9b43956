package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sells-group/callscore/internal/resilience"
)

// Metrics exposes pipeline counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	callsReceived *prometheus.CounterVec
	jobs          *prometheus.HistogramVec
	tokens        prometheus.Counter
	audioSeconds  prometheus.Counter
	deadLetters   *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		callsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callscore",
			Name:      "webhook_calls_total",
			Help:      "Webhook deliveries by source and outcome.",
		}, []string{"source", "outcome"}),
		jobs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callscore",
			Name:      "job_duration_seconds",
			Help:      "Job handler latency by job name and result.",
			Buckets:   []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"job", "result"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callscore",
			Name:      "completion_tokens_total",
			Help:      "Tokens consumed by call analysis.",
		}),
		audioSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callscore",
			Name:      "analyzed_audio_seconds_total",
			Help:      "Audio seconds of analyzed calls.",
		}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callscore",
			Name:      "dead_letters_total",
			Help:      "Jobs that exhausted their retry budget.",
		}, []string{"job"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "callscore",
			Name:      "circuit_state",
			Help:      "Circuit breaker state by service (0 closed, 1 open, 2 half-open).",
		}, []string{"service"}),
	}
	reg.MustRegister(m.callsReceived, m.jobs, m.tokens, m.audioSeconds, m.deadLetters, m.breakerState)
	return m
}

// CallReceived counts one webhook delivery.
func (m *Metrics) CallReceived(source, outcome string) {
	if m == nil {
		return
	}
	m.callsReceived.WithLabelValues(source, outcome).Inc()
}

// ObserveJob matches queue.Observer.
func (m *Metrics) ObserveJob(name string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobs.WithLabelValues(name, result).Observe(took.Seconds())
}

// TokensUsed adds completion tokens.
func (m *Metrics) TokensUsed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tokens.Add(float64(n))
}

// AudioSeconds adds analyzed audio duration.
func (m *Metrics) AudioSeconds(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.audioSeconds.Add(float64(n))
}

// DeadLetter counts one dead-lettered job.
func (m *Metrics) DeadLetter(job string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(job).Inc()
}

// BreakerState matches the circuit breaker OnStateChange hook.
func (m *Metrics) BreakerState(service string, _, to resilience.CircuitState) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(float64(to))
}
