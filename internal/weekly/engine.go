// Package weekly aggregates a week of call transcripts into recurring
// findings (manager errors, client problems, deal factors) per
// organization. Each organization has at most one active report per kind;
// batches of transcripts are sent to the language model and every parsed
// finding is upserted into that report.
package weekly

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/monitoring"
	"github.com/sells-group/callscore/internal/parser"
	"github.com/sells-group/callscore/internal/store"
	"github.com/sells-group/callscore/pkg/completion"
)

// Completer sends one prompt to the language model.
type Completer interface {
	Complete(ctx context.Context, apiKey, prompt string) (*completion.Completion, error)
}

// Config tunes the engine.
type Config struct {
	BatchSize         int
	BackfillDelay     time.Duration
	MaxConcurrentOrgs int
	// Location decides where a week starts. Defaults to UTC.
	Location *time.Location
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:         20,
		BackfillDelay:     30 * time.Second,
		MaxConcurrentOrgs: 4,
		Location:          time.UTC,
	}
}

// Result summarizes one Analyze run.
type Result struct {
	Calls    int
	Batches  int
	Skipped  int
	Findings int
}

// Engine runs weekly aggregation.
type Engine struct {
	store   store.Store
	llm     Completer
	prompts Prompts
	cfg     Config
	metrics *monitoring.Metrics
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records token usage.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine. Zero config fields take DefaultConfig values and a
// nil prompts map takes DefaultPrompts.
func New(st store.Store, llm Completer, prompts Prompts, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BackfillDelay < 0 {
		cfg.BackfillDelay = 0
	}
	if cfg.MaxConcurrentOrgs <= 0 {
		cfg.MaxConcurrentOrgs = def.MaxConcurrentOrgs
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	e := &Engine{store: st, llm: llm, prompts: prompts, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActiveReport returns the organization's active report of kind for the
// current week, creating it if needed. Active reports of earlier weeks are
// retired first.
func (e *Engine) ActiveReport(ctx context.Context, orgID int64, kind model.ReportKind) (*model.WeeklyReport, error) {
	start, end := model.WeekBounds(e.now().In(e.cfg.Location))
	retired, err := e.store.DeactivateReports(ctx, orgID, kind, start)
	if err != nil {
		return nil, err
	}
	if retired > 0 {
		zap.L().Info("weekly: retired previous reports",
			zap.Int64("org_id", orgID), zap.String("kind", string(kind)), zap.Int64("count", retired))
	}
	return e.store.EnsureReport(ctx, &model.WeeklyReport{
		OrganizationID: orgID,
		Kind:           kind,
		WeekStart:      start,
		WeekEnd:        end,
		IsActive:       true,
	})
}

// Run analyzes the organization's active report of kind.
func (e *Engine) Run(ctx context.Context, orgID int64, kind model.ReportKind) (*Result, error) {
	if !kind.Valid() {
		return nil, eris.Wrapf(model.ErrValidation, "weekly: unknown report kind %q", kind)
	}
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	report, err := e.ActiveReport(ctx, org.ID, kind)
	if err != nil {
		return nil, err
	}
	return e.Analyze(ctx, org, report)
}

// RunAll analyzes every organization and kind, a bounded number of
// organizations at a time. Kinds of one organization run in sequence. A
// failing organization is logged and does not stop the others.
func (e *Engine) RunAll(ctx context.Context) error {
	orgs, err := e.store.ListOrganizations(ctx)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentOrgs)
	for i := range orgs {
		org := &orgs[i]
		if org.CompletionKey == "" {
			continue
		}
		g.Go(func() error {
			for _, kind := range model.ReportKinds {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				report, err := e.ActiveReport(gctx, org.ID, kind)
				if err == nil {
					_, err = e.Analyze(gctx, org, report)
				}
				if err != nil {
					zap.L().Error("weekly: organization failed",
						zap.Int64("org_id", org.ID), zap.String("kind", string(kind)), zap.Error(err))
					mu.Lock()
					failed++
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "weekly: run all")
	}
	zap.L().Info("weekly: run complete", zap.Int("organizations", len(orgs)), zap.Int("failed", failed))
	return nil
}

// Rotate makes sure every organization has a current active report of
// every kind. It returns how many reports were checked.
func (e *Engine) Rotate(ctx context.Context) (int, error) {
	orgs, err := e.store.ListOrganizations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, org := range orgs {
		for _, kind := range model.ReportKinds {
			if _, err := e.ActiveReport(ctx, org.ID, kind); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Analyze sends the report week's transcripts to the model in batches and
// saves what comes back. Batches run in order so each prompt sees the
// titles saved by the previous one.
func (e *Engine) Analyze(ctx context.Context, org *model.Organization, report *model.WeeklyReport) (*Result, error) {
	if org.CompletionKey == "" {
		return nil, eris.Wrapf(model.ErrValidation, "weekly: organization %d has no completion key", org.ID)
	}
	log := zap.L().With(
		zap.Int64("org_id", org.ID),
		zap.Int64("report_id", report.ID),
		zap.String("kind", string(report.Kind)),
		zap.Time("week_start", report.WeekStart),
	)

	from, to := e.weekRange(report)
	calls, err := e.store.WeekTranscripts(ctx, org.ID, from, to)
	if err != nil {
		return nil, err
	}
	res := &Result{Calls: len(calls)}

	for start := 0; start < len(calls); start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+e.cfg.BatchSize, len(calls))
		block := callsBlock(calls[start:end])
		if block == "" {
			continue
		}
		res.Batches++

		known, err := e.store.ListFindings(ctx, report.ID)
		if err != nil {
			return res, err
		}
		prompt := e.prompts.Build(report.Kind, known, block)
		comp, err := e.llm.Complete(ctx, org.CompletionKey, prompt)
		if err != nil {
			log.Warn("weekly: completion failed, batch skipped", zap.Int("batch", res.Batches), zap.Error(err))
			res.Skipped++
			continue
		}
		e.metrics.TokensUsed(comp.TokensUsed)

		saved, err := e.Save(ctx, report, comp.Text)
		if eris.Is(err, model.ErrParseFailure) {
			log.Warn("weekly: no findings in answer, batch skipped", zap.Int("batch", res.Batches))
			res.Skipped++
			continue
		}
		if err != nil {
			return res, err
		}
		res.Findings += saved
	}

	log.Info("weekly: report analyzed",
		zap.Int("calls", res.Calls),
		zap.Int("batches", res.Batches),
		zap.Int("skipped", res.Skipped),
		zap.Int("findings", res.Findings),
	)
	return res, nil
}

// weekRange converts a report's dates into the [from, to) instant range in
// the engine's location. to is the start of the day after week_end.
func (e *Engine) weekRange(report *model.WeeklyReport) (time.Time, time.Time) {
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.cfg.Location)
	}
	return day(report.WeekStart), day(report.WeekEnd).AddDate(0, 0, 1)
}

// callsBlock renders one "звонок <id>: <transcript>" line per call with a
// non-empty transcript.
func callsBlock(calls []store.CallTranscript) string {
	var lines []string
	for _, c := range calls {
		text := strings.Join(strings.Fields(c.Transcript), " ")
		if text == "" {
			continue
		}
		lines = append(lines, "звонок "+strconv.FormatInt(c.CallID, 10)+": "+text)
	}
	return strings.Join(lines, "\n")
}

// Save parses a model answer and upserts its findings into report. Records
// without a positive frequency or without examples are dropped; the
// frequency of an existing finding is replaced, and examples are appended
// with links to the calls they cite that belong to the organization. It
// returns model.ErrParseFailure when the answer holds no records at all.
func (e *Engine) Save(ctx context.Context, report *model.WeeklyReport, text string) (int, error) {
	records := parser.ParseFindings(text, parseLabels(report.Kind)...)
	if len(records) == 0 {
		return 0, eris.Wrap(model.ErrParseFailure, "weekly: no findings")
	}

	saved := 0
	for _, rec := range records {
		if !rec.Persistable() {
			continue
		}
		finding, err := e.store.UpsertFinding(ctx, report.ID, rec.Title, rec.Frequency)
		if err != nil {
			return saved, err
		}
		for _, text := range rec.Examples {
			ids, err := e.store.ExistingCallIDs(ctx, report.OrganizationID, unique(parser.ExtractCallIDs(text)))
			if err != nil {
				return saved, err
			}
			ex := &model.FindingExample{FindingID: finding.ID, Text: text, CallIDs: ids}
			if err := e.store.AddFindingExample(ctx, ex); err != nil {
				return saved, err
			}
		}
		saved++
	}
	return saved, nil
}

func unique(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Backfill replays aggregation over every week touching [from, to]. Each
// week gets its own inactive report; the current week's active report is
// left alone. Weeks are spaced by BackfillDelay.
func (e *Engine) Backfill(ctx context.Context, orgID int64, kind model.ReportKind, from, to time.Time) error {
	if !kind.Valid() {
		return eris.Wrapf(model.ErrValidation, "weekly: unknown report kind %q", kind)
	}
	if to.Before(from) {
		return eris.Wrapf(model.ErrValidation, "weekly: backfill range ends before it starts")
	}
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}

	first, _ := model.WeekBounds(from.In(e.cfg.Location))
	last, _ := model.WeekBounds(to.In(e.cfg.Location))
	for start := first; !start.After(last); start = start.AddDate(0, 0, 7) {
		report, err := e.store.EnsureReport(ctx, &model.WeeklyReport{
			OrganizationID: org.ID,
			Kind:           kind,
			WeekStart:      start,
			WeekEnd:        start.AddDate(0, 0, 6),
		})
		if err != nil {
			return err
		}
		if _, err := e.Analyze(ctx, org, report); err != nil {
			return err
		}
		if start.Equal(last) || e.cfg.BackfillDelay == 0 {
			continue
		}
		t := time.NewTimer(e.cfg.BackfillDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
