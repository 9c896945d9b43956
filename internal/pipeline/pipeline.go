// Package pipeline moves a recorded call from webhook intake through
// transcription and analysis to CRM write-back. Every stage is a queue job
// that reloads state from the store and advances the call status with a
// compare-and-set, so a duplicate delivery is a no-op.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/config"
	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/monitoring"
	"github.com/sells-group/callscore/internal/queue"
	"github.com/sells-group/callscore/internal/resilience"
	"github.com/sells-group/callscore/internal/store"
	"github.com/sells-group/callscore/pkg/amocrm"
)

// Adapter service names, used for circuit breakers and retry logs.
const (
	svcTranscription = "speech2text"
	svcCompletion    = "completion"
	svcAmo           = "amocrm"
	svcBitrix        = "bitrix24"
	svcCustomCRM     = "customcrm"
)

// Deps are the collaborators of the pipeline. Adapters are built once and
// shared; per-organization credentials travel with each call.
type Deps struct {
	Store       store.Store
	Queue       queue.Submitter
	Transcriber Transcriber
	Completer   Completer
	Prober      DurationProber

	// Amo serves amoCRM intake lookups (notes, contacts, leads, users).
	Amo amocrm.Client
	// Bitrix fetches telephony statistics for Bitrix24 calls.
	Bitrix CallRecordFetcher

	AmoNotes    NoteWriter
	BitrixNotes NoteWriter
	CustomNotes NoteWriter

	Alerter  Alerter
	Metrics  *monitoring.Metrics
	Breakers *resilience.ServiceBreakers
	Now      func() time.Time
}

// Config tunes stage behavior.
type Config struct {
	MinTranscriptLength int
	Lang                string
	Speakers            int

	PollDelay       time.Duration
	MaxPollAttempts int
	StaleAfter      time.Duration

	BitrixMaxAttempts   int
	BitrixShortAttempts int
	BitrixShortDelay    time.Duration
	BitrixLongDelay     time.Duration

	Retry resilience.RetryConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinTranscriptLength: 100,
		Lang:                "ru",
		Speakers:            2,
		PollDelay:           60 * time.Second,
		MaxPollAttempts:     60,
		StaleAfter:          10 * time.Minute,
		BitrixMaxAttempts:   50,
		BitrixShortAttempts: 10,
		BitrixShortDelay:    5 * time.Second,
		BitrixLongDelay:     10 * time.Second,
		Retry:               resilience.DefaultRetryConfig(),
	}
}

// ConfigFrom maps the application config onto pipeline settings.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	p := cfg.Pipeline
	if p.MinTranscriptLength > 0 {
		c.MinTranscriptLength = p.MinTranscriptLength
	}
	if p.Lang != "" {
		c.Lang = p.Lang
	}
	if p.Speakers > 0 {
		c.Speakers = p.Speakers
	}
	if p.PollDelaySecs > 0 {
		c.PollDelay = time.Duration(p.PollDelaySecs) * time.Second
	}
	if p.MaxPollAttempts > 0 {
		c.MaxPollAttempts = p.MaxPollAttempts
	}
	if p.StaleAfterMins > 0 {
		c.StaleAfter = time.Duration(p.StaleAfterMins) * time.Minute
	}
	if p.BitrixMaxAttempts > 0 {
		c.BitrixMaxAttempts = p.BitrixMaxAttempts
	}
	if p.BitrixShortAttempts > 0 {
		c.BitrixShortAttempts = p.BitrixShortAttempts
	}
	if p.BitrixShortDelaySecs > 0 {
		c.BitrixShortDelay = time.Duration(p.BitrixShortDelaySecs) * time.Second
	}
	if p.BitrixLongDelaySecs > 0 {
		c.BitrixLongDelay = time.Duration(p.BitrixLongDelaySecs) * time.Second
	}
	r := cfg.Resilience
	c.Retry = resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs)
	return c
}

// Pipeline owns the job handlers.
type Pipeline struct {
	Deps
	cfg Config
}

// New creates a pipeline. Zero config fields take DefaultConfig values.
func New(deps Deps, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.MinTranscriptLength <= 0 {
		cfg.MinTranscriptLength = def.MinTranscriptLength
	}
	if cfg.Lang == "" {
		cfg.Lang = def.Lang
	}
	if cfg.Speakers <= 0 {
		cfg.Speakers = def.Speakers
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = def.PollDelay
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = def.MaxPollAttempts
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.BitrixMaxAttempts <= 0 {
		cfg.BitrixMaxAttempts = def.BitrixMaxAttempts
	}
	if cfg.BitrixShortAttempts <= 0 {
		cfg.BitrixShortAttempts = def.BitrixShortAttempts
	}
	if cfg.BitrixShortDelay <= 0 {
		cfg.BitrixShortDelay = def.BitrixShortDelay
	}
	if cfg.BitrixLongDelay <= 0 {
		cfg.BitrixLongDelay = def.BitrixLongDelay
	}
	if deps.Breakers == nil {
		deps.Breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{Deps: deps, cfg: cfg}
}

// Register binds every call job handler to the pool.
func (p *Pipeline) Register(pool *queue.WorkerPool) {
	pool.Register(JobIntakeAmo, handle(p.handleAmoIntake))
	pool.Register(JobIntakeBitrix, handle(p.handleBitrixIntake))
	pool.Register(JobTranscribe, handle(p.handleTranscribe))
	pool.Register(JobPollTranscription, handle(p.handlePoll))
	pool.Register(JobAnalyze, handle(p.handleAnalyze))
	pool.Register(JobNotify, handle(p.handleNotify))
	pool.Register(JobRefreshDeals, func(ctx context.Context, _ *queue.Message) error {
		return p.RefreshDeals(ctx)
	})
	pool.Register(JobSweepTranscriptions, func(ctx context.Context, _ *queue.Message) error {
		_, err := p.SweepTranscriptions(ctx)
		return err
	})
}

// handle decodes a message payload into T before calling fn.
func handle[T any](fn func(ctx context.Context, job T) error) queue.Handler {
	return func(ctx context.Context, msg *queue.Message) error {
		var job T
		if err := msg.Decode(&job); err != nil {
			return err
		}
		return fn(ctx, job)
	}
}

// guarded runs an adapter call through the service's circuit breaker with
// in-process retries for transient failures.
func guarded[T any](ctx context.Context, p *Pipeline, service, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	retry := p.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(service, op)
	cb := p.Breakers.Get(service)
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (T, error) {
		return resilience.ExecuteVal(ctx, cb, fn)
	})
}

// guardedDo is guarded for calls without a result.
func guardedDo(ctx context.Context, p *Pipeline, service, op string, fn func(ctx context.Context) error) error {
	_, err := guarded(ctx, p, service, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// advance moves a call between statuses and reports whether this caller won
// the transition.
func (p *Pipeline) advance(ctx context.Context, call *model.Call, to model.CallStatus) (bool, error) {
	ok, err := p.Store.AdvanceCall(ctx, call.ID, call.Status, to)
	if err != nil {
		return false, err
	}
	if ok {
		call.Status = to
	}
	return ok, nil
}

// fail marks the call failed and logs the reason.
func (p *Pipeline) fail(ctx context.Context, call *model.Call, reason string) {
	zap.L().Warn("pipeline: call failed",
		zap.Int64("call_id", call.ID),
		zap.String("status", string(call.Status)),
		zap.String("reason", reason),
	)
	if err := p.Store.FailCall(ctx, call.ID, reason); err != nil {
		zap.L().Error("pipeline: mark call failed", zap.Int64("call_id", call.ID), zap.Error(err))
		return
	}
	call.Status = model.CallFailed
}

// deadLetter records a job that ran out of attempts and raises an alert.
func (p *Pipeline) deadLetter(ctx context.Context, job string, payload any, attempts int, cause string) {
	raw, _ := json.Marshal(payload)
	dl := &model.DeadLetter{Job: job, Payload: raw, Error: cause, Attempts: attempts}
	if err := p.Store.CreateDeadLetter(ctx, dl); err != nil {
		zap.L().Error("pipeline: create dead letter", zap.String("job", job), zap.Error(err))
	}
	p.Metrics.DeadLetter(job)
	if p.Alerter != nil {
		p.Alerter.SendAlerts(ctx, []monitoring.Alert{
			monitoring.JobExhausted(job, attempts, map[string]any{
				"payload": string(raw),
				"error":   cause,
			}),
		})
	}
}

// abandon gives up on a job: the call is failed unless the run was forced,
// and the job is dead-lettered either way.
func (p *Pipeline) abandon(ctx context.Context, call *model.Call, job string, payload any, attempts int, reason string, force bool) {
	if !force {
		p.fail(ctx, call, reason)
	} else {
		callLogger(call).Warn("pipeline: forced run abandoned", zap.String("job", job), zap.String("reason", reason))
	}
	p.deadLetter(ctx, job, payload, attempts, reason)
}

// attempts is how many times guarded tries an adapter call.
func (p *Pipeline) attempts() int {
	return max(p.cfg.Retry.MaxAttempts, 1)
}

// notesFor picks the write-back adapter of a call's CRM family.
func (p *Pipeline) notesFor(org *model.Organization, call *model.Call) NoteWriter {
	switch {
	case call.Source == model.SourceBitrix24:
		return p.BitrixNotes
	case org.CustomCRM || call.Source == model.SourceAmoCRMCustom:
		return p.CustomNotes
	default:
		return p.AmoNotes
	}
}

func callLogger(call *model.Call) *zap.Logger {
	return zap.L().With(
		zap.Int64("call_id", call.ID),
		zap.Int64("org_id", call.OrganizationID),
		zap.String("source", string(call.Source)),
	)
}

func detailsOf(call *model.Call) store.CallDetails {
	return store.CallDetails{
		AudioURL:    call.AudioURL,
		Duration:    call.Duration,
		Direction:   call.Direction,
		EntityType:  call.EntityType,
		EntityID:    call.EntityID,
		ContactID:   call.ContactID,
		ClientPhone: call.ClientPhone,
		ManagerID:   call.ManagerID,
	}
}
