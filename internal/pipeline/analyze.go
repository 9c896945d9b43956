package pipeline

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/parser"
	"github.com/sells-group/callscore/pkg/completion"
)

// handleAnalyze sends the transcript with the organization's prompt to the
// language model, stores the answer and extracts criteria scores.
func (p *Pipeline) handleAnalyze(ctx context.Context, job CallJob) error {
	call, err := p.Store.GetCall(ctx, job.CallID)
	if err != nil {
		return err
	}
	log := callLogger(call)
	if !job.Force && call.Status != model.CallTranscribed {
		log.Debug("pipeline: analysis skipped", zap.String("status", string(call.Status)))
		return nil
	}
	org, err := p.Store.GetOrganization(ctx, call.OrganizationID)
	if err != nil {
		return err
	}

	task, err := p.Store.TranscriptionForCall(ctx, call.ID)
	if err != nil {
		return err
	}
	if task == nil || task.Status != model.TranscriptionDone {
		log.Warn("pipeline: no finished transcription to analyze")
		return nil
	}
	transcript := strings.TrimSpace(task.Text)
	if utf8.RuneCountInString(transcript) < p.cfg.MinTranscriptLength {
		log.Info("pipeline: transcript too short to analyze",
			zap.Int("chars", utf8.RuneCountInString(transcript)),
			zap.Int("min", p.cfg.MinTranscriptLength),
		)
		return nil
	}

	prompt, err := p.promptFor(ctx, org, job.PromptID)
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrValidation) {
		log.Warn("pipeline: no usable prompt, analysis skipped", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	if org.CompletionKey == "" {
		p.fail(ctx, call, "completion key not configured")
		return nil
	}

	if !job.Force {
		ok, err := p.advance(ctx, call, model.CallAnalyzing)
		if err != nil || !ok {
			return err
		}
	}

	question := prompt.Body + "\n\n" + transcript
	comp, err := guarded(ctx, p, svcCompletion, "complete", func(ctx context.Context) (*completion.Completion, error) {
		return p.Completer.Complete(ctx, org.CompletionKey, question)
	})
	if err != nil {
		err = eris.Wrapf(err, "pipeline: analyze call %d", call.ID)
		p.abandon(ctx, call, JobAnalyze, job, p.attempts(), err.Error(), job.Force)
		return nil
	}

	analytics, summary := parser.SplitAnswer(comp.Text)
	promptID := prompt.ID
	result := &model.AnalysisResult{
		CallID:         call.ID,
		OrganizationID: org.ID,
		PromptID:       &promptID,
		Question:       question,
		Raw:            comp.Raw,
		Answer:         comp.Text,
		Analytics:      analytics,
		Summary:        summary,
		TokensUsed:     comp.TokensUsed,
	}
	if err := p.Store.CreateAnalysisResult(ctx, result); err != nil {
		p.abandon(ctx, call, JobAnalyze, job, 1, "store analysis: "+err.Error(), job.Force)
		return err
	}
	p.Metrics.TokensUsed(comp.TokensUsed)
	log.Info("pipeline: call analyzed",
		zap.Int64("result_id", result.ID),
		zap.Int64("prompt_id", prompt.ID),
		zap.Int("tokens", comp.TokensUsed),
	)

	if job.Force {
		p.extractCriteria(ctx, org, call, result.Answer)
		return nil
	}

	if err := p.Store.AddAudioDuration(ctx, org.ID, int64(call.Duration)); err != nil {
		log.Error("pipeline: add audio duration", zap.Error(err))
	}
	p.Metrics.AudioSeconds(call.Duration)

	if _, err := p.advance(ctx, call, model.CallAnalyzed); err != nil {
		return err
	}
	if p.extractCriteria(ctx, org, call, result.Answer) {
		if _, err := p.advance(ctx, call, model.CallCriteriaExtracted); err != nil {
			return err
		}
	}
	return p.Queue.Submit(ctx, JobNotify, CallJob{CallID: call.ID})
}

// promptFor returns the explicit prompt, which must belong to org, or the
// organization's latest one.
func (p *Pipeline) promptFor(ctx context.Context, org *model.Organization, id *int64) (*model.Prompt, error) {
	if id == nil {
		return p.Store.LatestPrompt(ctx, org.ID)
	}
	prompt, err := p.Store.GetPrompt(ctx, *id)
	if err != nil {
		return nil, err
	}
	if prompt.OrganizationID != org.ID {
		return nil, eris.Wrapf(model.ErrValidation, "prompt %d belongs to another organization", *id)
	}
	return prompt, nil
}

// extractCriteria stores the scores found in answer for the organization's
// labelled positions and reports whether any were stored.
func (p *Pipeline) extractCriteria(ctx context.Context, org *model.Organization, call *model.Call, answer string) bool {
	log := callLogger(call)
	active, err := p.Store.ActivePositions(ctx, org.ID)
	if err != nil {
		log.Error("pipeline: load criteria labels", zap.Error(err))
		return false
	}
	scores, err := parser.ExtractCriteria(answer, active)
	if err != nil {
		log.Info("pipeline: no criteria scores in answer", zap.Error(err))
		return false
	}
	scores.CallID = call.ID
	if err := p.Store.UpsertCriteriaScores(ctx, scores); err != nil {
		log.Error("pipeline: store criteria scores", zap.Error(err))
		return false
	}
	return true
}

// Reanalyze runs analysis for a stored call again, optionally with a
// specific prompt. The call's status is left as it is.
func (p *Pipeline) Reanalyze(ctx context.Context, callID int64, promptID *int64) error {
	if _, err := p.Store.GetCall(ctx, callID); err != nil {
		return err
	}
	return p.Queue.Submit(ctx, JobAnalyze, CallJob{CallID: callID, PromptID: promptID, Force: true})
}

// RecalculateCriteria re-extracts criteria scores from every stored
// analysis, in creation order, so later analyses of a call win. It returns
// how many analyses yielded scores.
func (p *Pipeline) RecalculateCriteria(ctx context.Context) (int, error) {
	const page = 200
	active := make(map[int64]map[int]bool)
	updated := 0
	var after int64
	for {
		results, err := p.Store.ListAnalysisResults(ctx, after, page)
		if err != nil {
			return updated, err
		}
		for _, r := range results {
			after = r.ID
			positions, ok := active[r.OrganizationID]
			if !ok {
				positions, err = p.Store.ActivePositions(ctx, r.OrganizationID)
				if err != nil {
					return updated, err
				}
				active[r.OrganizationID] = positions
			}
			scores, err := parser.ExtractCriteria(r.Answer, positions)
			if err != nil {
				continue
			}
			scores.CallID = r.CallID
			if err := p.Store.UpsertCriteriaScores(ctx, scores); err != nil {
				return updated, err
			}
			updated++
		}
		if len(results) < page {
			return updated, nil
		}
	}
}
