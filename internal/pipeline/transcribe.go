package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/queue"
	"github.com/sells-group/callscore/internal/resilience"
	"github.com/sells-group/callscore/pkg/speech2text"
)

// handleTranscribe submits a call's recording for transcription.
func (p *Pipeline) handleTranscribe(ctx context.Context, job CallJob) error {
	call, err := p.Store.GetCall(ctx, job.CallID)
	if err != nil {
		return err
	}
	log := callLogger(call)
	if !job.Force && call.Status != model.CallDurationChecked {
		log.Debug("pipeline: transcription skipped", zap.String("status", string(call.Status)))
		return nil
	}
	org, err := p.Store.GetOrganization(ctx, call.OrganizationID)
	if err != nil {
		return err
	}

	if !job.Force && call.Duration < org.MinDuration() {
		_, err := p.advance(ctx, call, model.CallIgnored)
		return err
	}
	if call.AudioURL == "" {
		p.fail(ctx, call, "no audio link")
		return nil
	}
	if org.TranscriptionKey == "" {
		p.fail(ctx, call, "transcription key not configured")
		return nil
	}

	if !job.Force {
		ok, err := p.advance(ctx, call, model.CallTranscribing)
		if err != nil || !ok {
			return err
		}
	}

	sub, err := guarded(ctx, p, svcTranscription, "submit", func(ctx context.Context) (*speech2text.Submission, error) {
		return p.Transcriber.Submit(ctx, org.TranscriptionKey, call.AudioURL, p.cfg.Lang, p.cfg.Speakers)
	})
	if err != nil {
		p.fail(ctx, call, "transcription submit: "+err.Error())
		return nil
	}

	task := &model.TranscriptionTask{
		CallID:         call.ID,
		OrganizationID: call.OrganizationID,
		ExternalID:     sub.TaskID,
		ResultLink:     sub.ResultLink,
	}
	switch sub.State {
	case speech2text.StateDone:
		task.Status = model.TranscriptionDone
		task.Text = sub.Text
	case speech2text.StateFailed:
		task.Status = model.TranscriptionFailed
		task.LastError = sub.Description
	default:
		task.Status = model.TranscriptionInProgress
	}
	if err := p.Store.CreateTranscriptionTask(ctx, task); err != nil {
		p.abandon(ctx, call, JobTranscribe, job, 1, "store transcription task: "+err.Error(), job.Force)
		return err
	}
	log.Info("pipeline: transcription submitted",
		zap.Int64("task_id", task.ID),
		zap.String("external_id", task.ExternalID),
		zap.String("state", string(sub.State)),
	)

	switch task.Status {
	case model.TranscriptionDone:
		return p.transcribed(ctx, call, job.Force)
	case model.TranscriptionFailed:
		p.fail(ctx, call, "transcription failed: "+sub.Description)
		return nil
	}
	poll := PollJob{TaskID: task.ID, Attempt: 1, Force: job.Force}
	return p.Queue.Submit(ctx, JobPollTranscription, poll, queue.WithDelay(p.cfg.PollDelay))
}

// transcribed advances the call and queues its analysis.
func (p *Pipeline) transcribed(ctx context.Context, call *model.Call, force bool) error {
	if !force {
		ok, err := p.advance(ctx, call, model.CallTranscribed)
		if err != nil || !ok {
			return err
		}
	}
	return p.Queue.Submit(ctx, JobAnalyze, CallJob{CallID: call.ID, Force: force})
}

// handlePoll checks a pending transcription task once and re-queues itself
// until the task settles or MaxPollAttempts is reached.
func (p *Pipeline) handlePoll(ctx context.Context, job PollJob) error {
	task, err := p.Store.GetTranscriptionTask(ctx, job.TaskID)
	if err != nil {
		return err
	}
	if task.Status == model.TranscriptionDone || task.Status == model.TranscriptionFailed {
		return nil
	}
	call, err := p.Store.GetCall(ctx, task.CallID)
	if err != nil {
		return err
	}
	log := callLogger(call).With(zap.Int64("task_id", task.ID), zap.Int("attempt", job.Attempt))
	if !job.Force && call.Status != model.CallTranscribing {
		log.Debug("pipeline: poll skipped", zap.String("status", string(call.Status)))
		return nil
	}
	org, err := p.Store.GetOrganization(ctx, call.OrganizationID)
	if err != nil {
		return err
	}

	task.PollAttempts = job.Attempt
	sub, err := guarded(ctx, p, svcTranscription, "poll", func(ctx context.Context) (*speech2text.Submission, error) {
		return p.Transcriber.Poll(ctx, org.TranscriptionKey, task.ExternalID)
	})
	state := speech2text.StatePending
	switch {
	case resilience.IsRejected(err):
		reason := "transcription poll rejected: " + err.Error()
		task.Status = model.TranscriptionFailed
		task.LastError = err.Error()
		if err := p.Store.UpdateTranscriptionTask(ctx, task); err != nil {
			return err
		}
		p.fail(ctx, call, reason)
		p.deadLetter(ctx, JobPollTranscription, job, job.Attempt, reason)
		return nil
	case err != nil:
		task.LastError = err.Error()
		log.Warn("pipeline: transcription poll failed", zap.Error(err))
	default:
		state = sub.State
	}

	switch state {
	case speech2text.StateDone:
		task.Status = model.TranscriptionDone
		task.Text = sub.Text
		task.ResultLink = sub.ResultLink
		task.LastError = ""
		if err := p.Store.UpdateTranscriptionTask(ctx, task); err != nil {
			if errors.Is(err, model.ErrValidation) {
				return nil
			}
			return err
		}
		log.Info("pipeline: transcription done", zap.Int("chars", len([]rune(task.Text))))
		return p.transcribed(ctx, call, job.Force)

	case speech2text.StateFailed:
		task.Status = model.TranscriptionFailed
		task.LastError = sub.Description
		if err := p.Store.UpdateTranscriptionTask(ctx, task); err != nil {
			return err
		}
		p.fail(ctx, call, "transcription failed: "+sub.Description)
		return nil
	}

	if job.Attempt >= p.cfg.MaxPollAttempts {
		reason := fmt.Sprintf("transcription still pending after %d polls", job.Attempt)
		task.Status = model.TranscriptionFailed
		if task.LastError == "" {
			task.LastError = reason
		}
		if err := p.Store.UpdateTranscriptionTask(ctx, task); err != nil {
			return err
		}
		p.fail(ctx, call, reason)
		p.deadLetter(ctx, JobPollTranscription, job, job.Attempt, reason)
		return nil
	}

	task.Status = model.TranscriptionInProgress
	if err := p.Store.UpdateTranscriptionTask(ctx, task); err != nil {
		return err
	}
	next := PollJob{TaskID: task.ID, Attempt: job.Attempt + 1, Force: job.Force}
	return p.Queue.Submit(ctx, JobPollTranscription, next, queue.WithDelay(p.cfg.PollDelay))
}

// SweepTranscriptions re-queues polls for tasks that have not been touched
// for StaleAfter, which happens when a worker dies between polls.
func (p *Pipeline) SweepTranscriptions(ctx context.Context) (int, error) {
	tasks, err := p.Store.ListPendingTranscriptions(ctx, p.Now().Add(-p.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		job := PollJob{TaskID: t.ID, Attempt: t.PollAttempts + 1}
		if err := p.Queue.Submit(ctx, JobPollTranscription, job); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		zap.L().Info("pipeline: re-queued stale transcription polls", zap.Int("count", n))
	}
	return n, nil
}

// Retranscribe submits a stored call for transcription again, whatever its
// status. A new task is created; the analysis that follows is forced too.
func (p *Pipeline) Retranscribe(ctx context.Context, callID int64) error {
	if _, err := p.Store.GetCall(ctx, callID); err != nil {
		return err
	}
	return p.Queue.Submit(ctx, JobTranscribe, CallJob{CallID: callID, Force: true})
}
