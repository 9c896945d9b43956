package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/resilience"
	"github.com/sells-group/callscore/pkg/bitrix24"
)

func TestAmoCall_EndToEnd(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	h.amo.incoming = true
	org := h.seedOrg(nil)

	ack, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "555"))
	require.NoError(t, err)
	assert.Equal(t, AckSuccess, ack.Status)

	h.drain(10, 61*time.Second)
	assert.Equal(t, 0, h.broker.Len())

	stats, err := h.store.CallStats(h.ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, map[model.CallStatus]int{model.CallCRMNotified: 1}, stats.ByStatus)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "555", call.SourceID)
	assert.Equal(t, 45, call.Duration)
	assert.Equal(t, model.DirectionIncoming, call.Direction)
	assert.Equal(t, "+79990001122", call.ClientPhone)
	assert.Equal(t, "100", call.ContactID)

	task, err := h.store.TranscriptionForCall(h.ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.TranscriptionDone, task.Status)
	assert.Equal(t, longTranscript, task.Text)

	result, err := h.store.LatestAnalysis(h.ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, 321, result.TokensUsed)
	assert.Equal(t, "Клиент интересуется тарифом и просит перезвонить.", result.Summary)
	require.NotNil(t, result.PromptID)

	scores, err := h.store.GetCriteriaScores(h.ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, scores.Score(1))
	assert.Equal(t, 3, *scores.Score(1))
	assert.Equal(t, 2, *scores.Score(2))
	assert.Nil(t, scores.Score(3), "unlabelled position is dropped")
	require.NotNil(t, scores.Overall)
	assert.Equal(t, 9, *scores.Overall)

	deals, err := h.store.CallDealStages(h.ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, "200", deals[0].DealID)
	assert.Equal(t, "Переговоры", deals[0].Status)

	notes := h.amo.written()
	require.Len(t, notes, 1)
	assert.Equal(t, "contacts", notes[0].Entity)
	assert.Equal(t, "100", notes[0].EntityID)
	assert.Contains(t, notes[0].Text, "**Саммари:**\n\nКлиент интересуется")

	assert.Equal(t, 1, h.rowsForCall("transcription_tasks", call.ID))
	assert.Equal(t, 1, h.rowsForCall("analysis_results", call.ID))
	assert.Equal(t, 1, h.rowsForCall("criteria_scores", call.ID))
	assert.False(t, task.CreatedAt.Before(call.CreatedAt), "task created after call")
	assert.False(t, result.CreatedAt.Before(task.CreatedAt), "analysis created after task")
	assert.False(t, result.CreatedAt.Before(task.UpdatedAt), "analysis created after transcription finished")
	assert.False(t, scores.UpdatedAt.Before(result.CreatedAt), "scores written after analysis")

	got, err := h.store.GetOrganization(h.ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(45), got.TotalAudioDuration)
	assert.Len(t, h.llm.prompts, 1)
	assert.Contains(t, h.llm.prompts[0], "Оцени звонок по критериям.\n\n")
}

func TestAmoCall_ShortCallIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 10})
	h.seedOrg(nil)

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "556"))
	require.NoError(t, err)
	h.drain(5, time.Minute)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallIgnored, call.Status)
	assert.True(t, call.Ignored)

	task, err := h.store.TranscriptionForCall(h.ctx, call.ID)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Equal(t, 0, h.stt.submits)
}

func TestAmoCall_DuplicateWebhook(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	h.seedOrg(nil)

	for i := 0; i < 2; i++ {
		_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "557"))
		require.NoError(t, err)
	}
	h.drain(10, 61*time.Second)

	stats, err := h.store.CallStats(h.ctx, time.Time{})
	require.NoError(t, err)
	total := 0
	for _, n := range stats.ByStatus {
		total += n
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, h.stt.submits)
	assert.Len(t, h.llm.prompts, 1)
}

func TestAcceptAmo_Acks(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	past := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.seedOrg(func(o *model.Organization) {
		o.AmoSubdomain = "expired"
		o.BitrixDomain = "expired-b24"
		o.TrialExpiresAt = &past
	})

	ack, err := h.p.AcceptAmo(h.ctx, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack.Status)

	ack, err = h.p.AcceptAmo(h.ctx, amoForm("nobody", "1"))
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack.Status)
	assert.Contains(t, ack.Message, "nobody")

	ack, err = h.p.AcceptAmo(h.ctx, amoForm("expired", "1"))
	require.NoError(t, err)
	assert.Equal(t, AckError, ack.Status)

	form := amoForm("expired", "1")
	form["contacts[note][0][note][note_type]"] = "4"
	ack, err = h.p.AcceptAmo(h.ctx, form)
	require.NoError(t, err)
	assert.Equal(t, AckError, ack.Status, "trial is checked before the note")

	assert.Equal(t, 0, h.broker.Len())
}

func TestSelectAmoNote(t *testing.T) {
	form := map[string]string{
		"leads[note][0][note][note_type]":    "11",
		"leads[note][0][note][element_id]":   "9",
		"leads[note][0][note][element_type]": "2",
		"leads[note][0][note][id]":           "77",
	}
	note, ok := selectAmoNote(form)
	require.True(t, ok)
	assert.Equal(t, amoLeads, note.Source)
	assert.Equal(t, "77", note.NoteID)

	form["contacts[note][0][note][note_type]"] = "10"
	note, ok = selectAmoNote(form)
	require.True(t, ok)
	assert.Equal(t, amoContacts, note.Source, "contacts win over leads")

	_, ok = selectAmoNote(map[string]string{"contacts[note][0][note][note_type]": "4"})
	assert.False(t, ok)
}

func TestParseNoteParams(t *testing.T) {
	p, err := parseNoteParams(`{"LINK":"https://a/b.mp3","PHONE":"+7 1, +7 2","created_by":42,"DIRECTION":"Incoming"}`)
	require.NoError(t, err)
	assert.Equal(t, "https://a/b.mp3", p.Link)
	assert.Equal(t, "+7 1", p.Phone)
	assert.Equal(t, "42", p.CreatedBy)
	assert.Equal(t, "incoming", p.Direction)

	_, err = parseNoteParams("not json")
	assert.True(t, eris.Is(err, model.ErrMalformedPayload))
}

func TestPoll_ExhaustionDeadLetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPollAttempts = 2
	h := newHarness(t, cfg, fakeProber{seconds: 45})
	h.stt.pendingTo = -1
	h.seedOrg(nil)

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "558"))
	require.NoError(t, err)
	h.drain(10, 61*time.Second)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, call.Status)
	assert.Contains(t, call.FailureReason, "pending after 2 polls")

	task, err := h.store.TranscriptionForCall(h.ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TranscriptionFailed, task.Status)
	assert.Equal(t, 2, task.PollAttempts)

	dead, err := h.store.ListDeadLetters(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, JobPollTranscription, dead[0].Job)
	assert.Equal(t, 2, dead[0].Attempts)
}

func TestAnalyze_CompletionErrorFailsCall(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	h.llm.err = eris.New("model overloaded")
	h.seedOrg(nil)

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "559"))
	require.NoError(t, err)
	h.drain(50, 10*time.Minute)
	assert.Equal(t, 0, h.broker.Len())

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, call.Status)
	assert.True(t, call.Status.Terminal())
	assert.Contains(t, call.FailureReason, "model overloaded")
	assert.Len(t, h.llm.prompts, 1)

	_, err = h.store.LatestAnalysis(h.ctx, call.ID)
	assert.True(t, eris.Is(err, model.ErrNotFound))

	dead, err := h.store.ListDeadLetters(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, JobAnalyze, dead[0].Job)
	assert.Equal(t, 1, dead[0].Attempts)
}

func TestTranscribe_TaskInsertFailureFailsCall(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	h.seedOrg(nil)
	h.p.Store = brokenTaskStore{Store: h.store}

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "562"))
	require.NoError(t, err)
	h.drain(10, 61*time.Second)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, call.Status)
	assert.Contains(t, call.FailureReason, "disk full")

	dead, err := h.store.ListDeadLetters(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, JobTranscribe, dead[0].Job)
}

func TestPoll_RejectedFailsImmediately(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	h.stt.pollErr = resilience.HTTPError("speech2text", "poll", 401, "invalid api key")
	h.seedOrg(nil)

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "563"))
	require.NoError(t, err)
	h.drain(10, 61*time.Second)
	assert.Equal(t, 0, h.broker.Len())
	assert.Equal(t, 1, h.stt.polls)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, call.Status)
	assert.Contains(t, call.FailureReason, "status 401")

	task, err := h.store.TranscriptionForCall(h.ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TranscriptionFailed, task.Status)
	assert.Equal(t, 1, task.PollAttempts)
}

func TestPoll_TransientErrorKeepsPolling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPollAttempts = 3
	h := newHarness(t, cfg, fakeProber{seconds: 45})
	h.stt.pollErr = resilience.HTTPError("speech2text", "poll", 503, "")
	h.seedOrg(nil)

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "564"))
	require.NoError(t, err)
	h.drain(10, 61*time.Second)

	assert.Equal(t, 3, h.stt.polls)
	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, call.Status)
	assert.Contains(t, call.FailureReason, "pending after 3 polls")
}

func TestAnalyze_ShortTranscriptSkipped(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	h.stt.text = "Алло?"
	h.seedOrg(nil)

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "560"))
	require.NoError(t, err)
	h.drain(10, 61*time.Second)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallTranscribed, call.Status)
	assert.Empty(t, h.llm.prompts)
}

func TestReanalyze_KeepsStatus(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	org := h.seedOrg(nil)

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "561"))
	require.NoError(t, err)
	h.drain(10, 61*time.Second)

	second := &model.Prompt{OrganizationID: org.ID, Name: "strict", Body: "Строгая оценка."}
	require.NoError(t, h.store.CreatePrompt(h.ctx, second))
	h.llm.answer = "1. Установление контакта (оценка: 1)"

	require.NoError(t, h.p.Reanalyze(h.ctx, 1, &second.ID))
	h.drain(3, time.Second)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallCRMNotified, call.Status)

	result, err := h.store.LatestAnalysis(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, *result.PromptID)

	scores, err := h.store.GetCriteriaScores(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, *scores.Score(1))
	assert.Equal(t, 2, *scores.Score(2), "missing positions keep earlier scores")

	got, err := h.store.GetOrganization(h.ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(45), got.TotalAudioDuration, "forced analysis does not count audio twice")
	assert.Len(t, h.amo.written(), 1, "forced analysis does not write back")
}

func TestRecalculateCriteria(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	org := h.seedOrg(nil)

	call := &model.Call{OrganizationID: org.ID, Source: model.SourceAmoCRM, SourceID: "900", Duration: 60}
	_, err := h.store.CreateCall(h.ctx, call)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateAnalysisResult(h.ctx, &model.AnalysisResult{
		CallID: call.ID, OrganizationID: org.ID, Answer: sampleAnswer,
	}))
	require.NoError(t, h.store.CreateAnalysisResult(h.ctx, &model.AnalysisResult{
		CallID: call.ID, OrganizationID: org.ID, Answer: "без оценок",
	}))

	n, err := h.p.RecalculateCriteria(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	scores, err := h.store.GetCriteriaScores(h.ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, *scores.Score(1))
}

func TestComposeAmoNote(t *testing.T) {
	tests := []struct {
		name               string
		kind               model.CommentType
		analytics, summary string
		want               string
	}{
		{"analytics", model.CommentAnalytics, "A", "S", "A"},
		{"summary", model.CommentSummary, "A", "S", "**Саммари:**\n\nS"},
		{"summary missing", model.CommentSummary, "A", "", ""},
		{"both", model.CommentBoth, "A", "S", "A\n\n**Саммари:**\n\nS"},
		{"both without summary", model.CommentBoth, "A", "", "A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, composeAmoNote(tt.kind, tt.analytics, tt.summary))
		})
	}
}

func TestNotify_SummaryToTaggedLeads(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	h.seedOrg(func(o *model.Organization) {
		o.CommentType = model.CommentAnalytics
		o.SummaryToLead = true
		o.SummaryLeadTag = "ai"
	})

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "562"))
	require.NoError(t, err)
	h.drain(10, 61*time.Second)

	notes := h.amo.written()
	require.Len(t, notes, 2)
	assert.Equal(t, "contacts", notes[0].Entity)
	assert.NotContains(t, notes[0].Text, "Саммари")
	assert.Equal(t, "leads", notes[1].Entity)
	assert.Equal(t, "200", notes[1].EntityID)
	assert.Equal(t, "**Саммари:**\n\nКлиент интересуется тарифом и просит перезвонить.", notes[1].Text)
}

func TestNotify_Disabled(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	h.seedOrg(func(o *model.Organization) { o.SendCommentsToCRM = false })

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "563"))
	require.NoError(t, err)
	h.drain(10, 61*time.Second)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallCRMNotified, call.Status)
	assert.Empty(t, h.amo.written())
}

func TestCustomCRM_NotesByNoteID(t *testing.T) {
	h := newHarness(t, DefaultConfig(), fakeProber{seconds: 45})
	h.seedOrg(func(o *model.Organization) { o.CustomCRM = true })

	_, err := h.p.AcceptAmo(h.ctx, amoForm("acme", "564"))
	require.NoError(t, err)
	h.drain(10, 61*time.Second)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.SourceAmoCRMCustom, call.Source)
	assert.Equal(t, model.CallCRMNotified, call.Status)
	assert.Contains(t, h.custom.notes["564"], "Итоговая оценка: 9/14")
	assert.Empty(t, h.amo.written())
}

func bitrixFields() map[string]string {
	return map[string]string{
		"event":               "ONVOXIMPLANTCALLEND",
		"data[CALL_ID]":       "externalCall.abc",
		"data[CALL_DURATION]": "60",
		"data[CALL_TYPE]":     "1",
		"auth[domain]":        "acme-b24.bitrix24.ru",
	}
}

func TestCustomNotes_NoDealStatus(t *testing.T) {
	status, err := CustomNotes{}.EntityStatus(context.Background(), &model.Organization{}, CRMRef{EntityType: amoLeads, EntityID: "1"})
	assert.ErrorIs(t, err, ErrNoDealStatus)
	assert.Empty(t, status)
}

func TestBitrixCall_EndToEnd(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.seedOrg(nil)
	h.bitrix.record = &bitrix24.CallRecord{
		CallID:      "externalCall.abc",
		RecordURL:   "https://portal/rec.mp3",
		Duration:    "60",
		CallType:    "1",
		EntityType:  "LEAD",
		EntityID:    "31",
		PhoneNumber: "+79990001122",
	}

	ack, err := h.p.AcceptBitrix(h.ctx, bitrixFields())
	require.NoError(t, err)
	assert.Equal(t, AckSuccess, ack.Status)

	h.drain(10, 61*time.Second)

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallCRMNotified, call.Status)
	assert.Equal(t, model.DirectionIncoming, call.Direction)
	assert.Equal(t, "https://portal/rec.mp3", call.AudioURL)

	deals, err := h.store.CallDealStages(h.ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, model.CRMBitrix24, deals[0].CRM)
	assert.Equal(t, "NEW", deals[0].Status)

	require.Len(t, h.bitrix.comments, 1)
	assert.Equal(t, "LEAD", h.bitrix.comments[0].Entity)
	assert.Equal(t, "31", h.bitrix.comments[0].EntityID)
}

func TestBitrixIntake_RetryDelays(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	org := h.seedOrg(nil)

	call := &model.Call{OrganizationID: org.ID, Source: model.SourceBitrix24, SourceID: "x", Duration: 60, Status: model.CallDurationChecked}
	_, err := h.store.CreateCall(h.ctx, call)
	require.NoError(t, err)

	require.NoError(t, h.p.handleBitrixIntake(h.ctx, BitrixIntakeJob{CallID: call.ID, Attempt: 3}))
	pending := h.broker.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 5*time.Second, pending[0].VisibleAt.Sub(h.clock.Now()))
	h.clock.Advance(time.Hour)
	h.broker.TryReceive()

	require.NoError(t, h.p.handleBitrixIntake(h.ctx, BitrixIntakeJob{CallID: call.ID, Attempt: 10}))
	pending = h.broker.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 10*time.Second, pending[0].VisibleAt.Sub(h.clock.Now()))
	h.clock.Advance(time.Hour)
	h.broker.TryReceive()

	require.NoError(t, h.p.handleBitrixIntake(h.ctx, BitrixIntakeJob{CallID: call.ID, Attempt: 50}))
	assert.Equal(t, 0, h.broker.Len())

	got, err := h.store.GetCall(h.ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallFailed, got.Status)

	dead, err := h.store.ListDeadLetters(h.ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, JobIntakeBitrix, dead[0].Job)
}

func TestAcceptBitrix_ShortCallStoredIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.seedOrg(nil)

	fields := bitrixFields()
	fields["data[CALL_DURATION]"] = "5"
	ack, err := h.p.AcceptBitrix(h.ctx, fields)
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack.Status)
	assert.Equal(t, 0, h.broker.Len())

	call, err := h.store.GetCall(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.CallIgnored, call.Status)
}

func TestRefreshDeals(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	org := h.seedOrg(nil)
	require.NoError(t, h.store.UpsertDealStage(h.ctx, &model.DealStage{
		OrganizationID: org.ID, CRM: model.CRMAmo, DealID: "200", Status: "Первичный контакт",
	}))
	require.NoError(t, h.store.UpsertDealStage(h.ctx, &model.DealStage{
		OrganizationID: org.ID, CRM: model.CRMBitrix24, DealID: "31", Status: "IN_PROCESS",
	}))

	require.NoError(t, h.p.RefreshDeals(h.ctx))

	deals, err := h.store.ListDealStages(h.ctx, org.ID)
	require.NoError(t, err)
	byID := map[string]string{}
	for _, d := range deals {
		byID[d.DealID] = d.Status
	}
	assert.Equal(t, "Переговоры", byID["200"])
	assert.Equal(t, "NEW", byID["31"])
}

func TestSyncManagers(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	org := h.seedOrg(nil)
	active := amocrmUser(7, "Анна", true)
	h.amo.users = append(h.amo.users, active, amocrmUser(8, "Уволен", false))

	n, err := h.p.SyncManagers(h.ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := h.store.FindManager(h.ctx, org.ID, "7")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Анна", m.FullName)

	m, err = h.store.FindManager(h.ctx, org.ID, "8")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestSweepTranscriptions(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	org := h.seedOrg(nil)
	call := &model.Call{OrganizationID: org.ID, Source: model.SourceAmoCRM, SourceID: "s1", Duration: 60}
	_, err := h.store.CreateCall(h.ctx, call)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateTranscriptionTask(h.ctx, &model.TranscriptionTask{
		CallID: call.ID, OrganizationID: org.ID, ExternalID: "ext", Status: model.TranscriptionInProgress, PollAttempts: 4,
	}))

	// Stale relative to the wall clock the store stamps with.
	h.p.Now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := h.p.SweepTranscriptions(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending := h.broker.Pending()
	require.Len(t, pending, 1)
	var job PollJob
	require.NoError(t, pending[0].Decode(&job))
	assert.Equal(t, 5, job.Attempt)
}
