package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/text/cases"

	"github.com/sells-group/callscore/internal/model"
)

const (
	orgColumns = `id, name, amo_subdomain, amo_token, bitrix_domain, bitrix_admin_id,
	bitrix_stat_key, bitrix_comment_key, bitrix_leads_key, transcription_key, completion_key,
	send_comments_to_crm, custom_crm, minimal_call_length, comment_type, summary_to_lead,
	summary_lead_tag, trial_expires_at, total_audio_duration, created_at`

	callColumns = `id, organization_id, source, source_id, raw_payload, audio_url, duration,
	direction, ignored, status, failure_reason, entity_type, entity_id, contact_id,
	client_phone, manager_id, created_at, updated_at`

	taskColumns = `id, call_id, organization_id, external_id, status, text, result_link,
	poll_attempts, last_error, created_at, updated_at`

	analysisColumns = `id, call_id, organization_id, prompt_id, question, raw, answer,
	analytics, summary, tokens_used, created_at`

	criteriaColumns = `call_id, criteria_1, criteria_2, criteria_3, criteria_4, criteria_5,
	criteria_6, criteria_7, overall, objection_id, updated_at`

	dealColumns     = `id, organization_id, crm, deal_id, deal_type, status, updated_at`
	reportColumns   = `id, organization_id, kind, week_start, week_end, is_active, created_at`
	findingColumns  = `id, report_id, title, frequency, created_at`
	deadColumns     = `id, job, payload, error, attempts, created_at`
	objectionColumn = `id, organization_id, name, description, deleted`
)

type scannable interface {
	Scan(dest ...any) error
}

// isNoRows matches the not-found sentinel of either driver.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// titleKey is the case-insensitive identity of a finding title. Casers are
// stateful, so each call gets its own.
func titleKey(title string) string {
	return cases.Fold().String(strings.TrimSpace(title))
}

func scanOrganization(row scannable) (*model.Organization, error) {
	var o model.Organization
	err := row.Scan(&o.ID, &o.Name, &o.AmoSubdomain, &o.AmoToken, &o.BitrixDomain, &o.BitrixAdminID,
		&o.BitrixStatKey, &o.BitrixCommentKey, &o.BitrixLeadsKey, &o.TranscriptionKey, &o.CompletionKey,
		&o.SendCommentsToCRM, &o.CustomCRM, &o.MinimalCallLength, &o.CommentType, &o.SummaryToLead,
		&o.SummaryLeadTag, &o.TrialExpiresAt, &o.TotalAudioDuration, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanCall(row scannable) (*model.Call, error) {
	var c model.Call
	var raw []byte
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Source, &c.SourceID, &raw, &c.AudioURL, &c.Duration,
		&c.Direction, &c.Ignored, &c.Status, &c.FailureReason, &c.EntityType, &c.EntityID, &c.ContactID,
		&c.ClientPhone, &c.ManagerID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		c.RawPayload = raw
	}
	return &c, nil
}

func scanTask(row scannable) (*model.TranscriptionTask, error) {
	var t model.TranscriptionTask
	err := row.Scan(&t.ID, &t.CallID, &t.OrganizationID, &t.ExternalID, &t.Status, &t.Text, &t.ResultLink,
		&t.PollAttempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanAnalysis(row scannable) (*model.AnalysisResult, error) {
	var a model.AnalysisResult
	err := row.Scan(&a.ID, &a.CallID, &a.OrganizationID, &a.PromptID, &a.Question, &a.Raw, &a.Answer,
		&a.Analytics, &a.Summary, &a.TokensUsed, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanCriteria(row scannable) (*model.CriteriaScores, error) {
	var c model.CriteriaScores
	err := row.Scan(&c.CallID, &c.Criteria[0], &c.Criteria[1], &c.Criteria[2], &c.Criteria[3],
		&c.Criteria[4], &c.Criteria[5], &c.Criteria[6], &c.Overall, &c.ObjectionID, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanDeal(row scannable) (*model.DealStage, error) {
	var d model.DealStage
	if err := row.Scan(&d.ID, &d.OrganizationID, &d.CRM, &d.DealID, &d.DealType, &d.Status, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanReport(row scannable) (*model.WeeklyReport, error) {
	var r model.WeeklyReport
	if err := row.Scan(&r.ID, &r.OrganizationID, &r.Kind, &r.WeekStart, &r.WeekEnd, &r.IsActive, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanFinding(row scannable) (*model.Finding, error) {
	var f model.Finding
	if err := row.Scan(&f.ID, &f.ReportID, &f.Title, &f.Frequency, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanDeadLetter(row scannable) (*model.DeadLetter, error) {
	var d model.DeadLetter
	var payload []byte
	if err := row.Scan(&d.ID, &d.Job, &payload, &d.Error, &d.Attempts, &d.CreatedAt); err != nil {
		return nil, err
	}
	d.Payload = payload
	return &d, nil
}

func scanObjection(row scannable) (*model.Objection, error) {
	var o model.Objection
	if err := row.Scan(&o.ID, &o.OrganizationID, &o.Name, &o.Description, &o.Deleted); err != nil {
		return nil, err
	}
	return &o, nil
}

func criteriaArgs(c model.CriteriaScores) []any {
	args := []any{c.CallID}
	for _, v := range c.Criteria {
		args = append(args, v)
	}
	return append(args, c.Overall, c.ObjectionID)
}

// dateOnly truncates t to midnight UTC of its calendar date, so week keys
// compare equal across backends and time zones.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func trimTitle(title string) string {
	return strings.TrimSpace(title)
}
