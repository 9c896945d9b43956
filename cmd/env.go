package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/monitoring"
	"github.com/sells-group/callscore/internal/pipeline"
	"github.com/sells-group/callscore/internal/queue"
	"github.com/sells-group/callscore/internal/resilience"
	"github.com/sells-group/callscore/internal/store"
	"github.com/sells-group/callscore/internal/weekly"
	"github.com/sells-group/callscore/pkg/amocrm"
	"github.com/sells-group/callscore/pkg/audio"
	"github.com/sells-group/callscore/pkg/bitrix24"
	"github.com/sells-group/callscore/pkg/completion"
	"github.com/sells-group/callscore/pkg/customcrm"
	"github.com/sells-group/callscore/pkg/speech2text"
)

// appEnv holds the store, queue, adapters, pipeline and weekly engine
// shared by the commands.
type appEnv struct {
	Store    store.Store
	Queue    queue.Submitter
	Receiver queue.Receiver // nil for the temporal backend
	Temporal *queue.TemporalBroker
	Pipeline *pipeline.Pipeline
	Weekly   *weekly.Engine
	Metrics  *monitoring.Metrics
	Registry *prometheus.Registry
	Breakers *resilience.ServiceBreakers

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

// MetricsHandler serves the registry in the Prometheus text format.
func (e *appEnv) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{})
}

// initEnv validates the config for mode, opens the store, connects the
// queue backend and builds the pipeline and weekly engine. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{Registry: prometheus.NewRegistry()}
	env.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	env.Metrics = monitoring.NewMetrics(env.Registry)

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, st.Close)

	if err := st.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	if err := initQueue(ctx, env); err != nil {
		env.Close()
		return nil, err
	}

	breakerCfg := resilience.FromCircuitConfig(cfg.Resilience.FailureThreshold, cfg.Resilience.ResetTimeoutSecs)
	breakerCfg.OnStateChange = env.Metrics.BreakerState
	env.Breakers = resilience.NewServiceBreakers(breakerCfg)

	llm, err := completion.New(cfg.Completion.Vendor,
		completion.WithBaseURL(cfg.Completion.BaseURL),
		completion.WithModel(cfg.Completion.Model),
		completion.WithMaxTokens(cfg.Completion.MaxTokens),
		completion.WithClientCache(cfg.Completion.ClientCacheSize),
	)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init completion client")
	}

	amo := amocrm.NewClient(
		amocrm.WithRateLimit(cfg.AmoCRM.RateLimit, cfg.AmoCRM.Burst),
		amocrm.WithStatusTTL(time.Duration(cfg.AmoCRM.StatusTTLMins)*time.Minute),
	)
	bitrix := pipeline.BitrixNotes{Client: bitrix24.NewClient(
		bitrix24.WithRateLimit(cfg.Bitrix.RateLimit, cfg.Bitrix.Burst),
	)}

	transcriber := speech2text.NewClient(
		speech2text.WithBaseURL(cfg.Transcription.BaseURL),
		speech2text.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Transcription.TimeoutSecs) * time.Second}),
	)

	if cfg.CustomCRM.NotesURL == "" {
		zap.L().Debug("custom CRM notes url not set, custom-CRM write-back will fail")
	}
	customNotes := pipeline.CustomNotes{Client: customcrm.NewClient(cfg.CustomCRM.NotesURL, cfg.CustomCRM.AppToken)}

	env.Pipeline = pipeline.New(pipeline.Deps{
		Store:       st,
		Queue:       env.Queue,
		Transcriber: transcriber,
		Completer:   llm,
		Prober:      audio.NewProber(),
		Amo:         amo,
		Bitrix:      bitrix,
		AmoNotes:    pipeline.AmoNotes{Client: amo},
		BitrixNotes: bitrix,
		CustomNotes: customNotes,
		Alerter:     monitoring.NewAlerter(cfg.Monitoring),
		Metrics:     env.Metrics,
		Breakers:    env.Breakers,
	}, pipeline.ConfigFrom(cfg))

	engine, err := initWeekly(st, llm, env.Metrics)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Weekly = engine

	return env, nil
}

func initQueue(ctx context.Context, env *appEnv) error {
	q := cfg.Queue
	switch q.Backend {
	case "redis":
		b, err := queue.NewRedisBroker(ctx, queue.RedisConfig{
			URL:          q.Redis.URL,
			Prefix:       q.Redis.Prefix,
			PollInterval: time.Duration(q.Redis.PollIntervalMs) * time.Millisecond,
			Visibility:   time.Duration(q.Redis.VisibilitySecs) * time.Second,
		})
		if err != nil {
			return err
		}
		env.Queue, env.Receiver = b, b
		env.closers = append(env.closers, b.Close)
	case "temporal":
		b, err := queue.NewTemporalBroker(queue.TemporalConfig{
			HostPort:   q.Temporal.HostPort,
			Namespace:  q.Temporal.Namespace,
			TaskQueue:  q.Temporal.TaskQueue,
			JobTimeout: time.Duration(q.Temporal.JobTimeoutSecs) * time.Second,
		})
		if err != nil {
			return err
		}
		env.Queue, env.Temporal = b, b
		env.closers = append(env.closers, b.Close)
	default:
		b := queue.NewMemoryBroker()
		env.Queue, env.Receiver = b, b
		env.closers = append(env.closers, b.Close)
	}
	zap.L().Info("queue backend ready", zap.String("backend", q.Backend))
	return nil
}

func initWeekly(st store.Store, llm weekly.Completer, m *monitoring.Metrics) (*weekly.Engine, error) {
	prompts, err := weekly.LoadPrompts(cfg.Weekly.PromptsFile)
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if cfg.Scheduler.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return nil, eris.Wrapf(err, "load timezone %q", cfg.Scheduler.Timezone)
		}
	}
	return weekly.New(st, llm, prompts, weekly.Config{
		BatchSize:         cfg.Weekly.BatchSize,
		BackfillDelay:     time.Duration(cfg.Weekly.BackfillDelaySecs) * time.Second,
		MaxConcurrentOrgs: cfg.Weekly.MaxConcurrentOrgs,
		Location:          loc,
	}, weekly.WithMetrics(m)), nil
}

// newPool builds the worker pool with every job handler registered and job
// latency reported to metrics.
func newPool(env *appEnv) *queue.WorkerPool {
	pool := queue.NewWorkerPool(cfg.Queue.Concurrency)
	env.Pipeline.Register(pool)
	env.Weekly.Register(pool)
	pool.Observe(env.Metrics.ObserveJob)
	return pool
}

// runWorkers consumes the queue until ctx is cancelled.
func runWorkers(ctx context.Context, env *appEnv, pool *queue.WorkerPool) error {
	if env.Temporal != nil {
		return queue.RunTemporalWorker(ctx, env.Temporal, pool)
	}
	pool.Run(ctx, env.Receiver)
	return nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "callscore.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
