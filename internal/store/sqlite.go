package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/callscore/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	name                 TEXT NOT NULL,
	amo_subdomain        TEXT NOT NULL DEFAULT '',
	amo_token            TEXT NOT NULL DEFAULT '',
	bitrix_domain        TEXT NOT NULL DEFAULT '',
	bitrix_admin_id      TEXT NOT NULL DEFAULT '',
	bitrix_stat_key      TEXT NOT NULL DEFAULT '',
	bitrix_comment_key   TEXT NOT NULL DEFAULT '',
	bitrix_leads_key     TEXT NOT NULL DEFAULT '',
	transcription_key    TEXT NOT NULL DEFAULT '',
	completion_key       TEXT NOT NULL DEFAULT '',
	send_comments_to_crm BOOLEAN NOT NULL DEFAULT 0,
	custom_crm           BOOLEAN NOT NULL DEFAULT 0,
	minimal_call_length  INTEGER NOT NULL DEFAULT 30,
	comment_type         INTEGER NOT NULL DEFAULT 1,
	summary_to_lead      BOOLEAN NOT NULL DEFAULT 0,
	summary_lead_tag     TEXT NOT NULL DEFAULT '',
	trial_expires_at     DATETIME,
	total_audio_duration INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS managers (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	crm_user_id     TEXT NOT NULL,
	full_name       TEXT NOT NULL DEFAULT '',
	UNIQUE (organization_id, crm_user_id)
);

CREATE TABLE IF NOT EXISTS prompts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	name            TEXT NOT NULL,
	body            TEXT NOT NULL,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS criteria_labels (
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	position        INTEGER NOT NULL CHECK (position BETWEEN 1 AND 7),
	label           TEXT NOT NULL,
	PRIMARY KEY (organization_id, position)
);

CREATE TABLE IF NOT EXISTS objections (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	deleted         BOOLEAN NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS calls (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	source          TEXT NOT NULL,
	source_id       TEXT NOT NULL DEFAULT '',
	raw_payload     BLOB,
	audio_url       TEXT NOT NULL DEFAULT '',
	duration        INTEGER NOT NULL DEFAULT 0,
	direction       TEXT NOT NULL DEFAULT 'outgoing',
	ignored         BOOLEAN NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'received',
	failure_reason  TEXT NOT NULL DEFAULT '',
	entity_type     TEXT NOT NULL DEFAULT '',
	entity_id       TEXT NOT NULL DEFAULT '',
	contact_id      TEXT NOT NULL DEFAULT '',
	client_phone    TEXT NOT NULL DEFAULT '',
	manager_id      INTEGER REFERENCES managers(id),
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calls_source_id ON calls(organization_id, source, source_id) WHERE source_id <> '';
CREATE INDEX IF NOT EXISTS idx_calls_org_created ON calls(organization_id, created_at);

CREATE TABLE IF NOT EXISTS transcription_tasks (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id         INTEGER NOT NULL REFERENCES calls(id),
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	external_id     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'queued',
	text            TEXT NOT NULL DEFAULT '',
	result_link     TEXT NOT NULL DEFAULT '',
	poll_attempts   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcription_call ON transcription_tasks(call_id);

CREATE TABLE IF NOT EXISTS analysis_results (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id         INTEGER NOT NULL REFERENCES calls(id),
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	prompt_id       INTEGER REFERENCES prompts(id),
	question        TEXT NOT NULL,
	raw             TEXT NOT NULL,
	answer          TEXT NOT NULL,
	analytics       TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	tokens_used     INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS criteria_scores (
	call_id      INTEGER PRIMARY KEY REFERENCES calls(id),
	criteria_1   INTEGER,
	criteria_2   INTEGER,
	criteria_3   INTEGER,
	criteria_4   INTEGER,
	criteria_5   INTEGER,
	criteria_6   INTEGER,
	criteria_7   INTEGER,
	overall      INTEGER,
	objection_id INTEGER REFERENCES objections(id),
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS deal_stages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	crm             TEXT NOT NULL,
	deal_id         TEXT NOT NULL,
	deal_type       TEXT NOT NULL DEFAULT 'first',
	status          TEXT NOT NULL DEFAULT '',
	updated_at      DATETIME NOT NULL,
	UNIQUE (organization_id, crm, deal_id)
);

CREATE TABLE IF NOT EXISTS call_deal_stages (
	call_id       INTEGER NOT NULL REFERENCES calls(id),
	deal_stage_id INTEGER NOT NULL REFERENCES deal_stages(id),
	PRIMARY KEY (call_id, deal_stage_id)
);

CREATE TABLE IF NOT EXISTS weekly_reports (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id INTEGER NOT NULL REFERENCES organizations(id),
	kind            TEXT NOT NULL,
	week_start      DATETIME NOT NULL,
	week_end        DATETIME NOT NULL,
	is_active       BOOLEAN NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	UNIQUE (organization_id, kind, week_start)
);

CREATE TABLE IF NOT EXISTS findings (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	report_id  INTEGER NOT NULL REFERENCES weekly_reports(id),
	title      TEXT NOT NULL,
	title_key  TEXT NOT NULL,
	frequency  INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (report_id, title_key)
);

CREATE TABLE IF NOT EXISTS finding_examples (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	finding_id INTEGER NOT NULL REFERENCES findings(id),
	text       TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS finding_example_calls (
	example_id INTEGER NOT NULL REFERENCES finding_examples(id),
	call_id    INTEGER NOT NULL REFERENCES calls(id),
	PRIMARY KEY (example_id, call_id)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job        TEXT NOT NULL,
	payload    BLOB,
	error      TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) insertID(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s", op)
	}
	id, err := res.LastInsertId()
	return id, eris.Wrapf(err, "sqlite: %s id", op)
}

// --- Organizations ---

func (s *SQLiteStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	var trial any
	if o.TrialExpiresAt != nil {
		trial = o.TrialExpiresAt.UTC()
	}
	id, err := s.insertID(ctx, "insert organization",
		`INSERT INTO organizations (name, amo_subdomain, amo_token, bitrix_domain, bitrix_admin_id,
			bitrix_stat_key, bitrix_comment_key, bitrix_leads_key, transcription_key, completion_key,
			send_comments_to_crm, custom_crm, minimal_call_length, comment_type, summary_to_lead,
			summary_lead_tag, trial_expires_at, total_audio_duration, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Name, o.AmoSubdomain, o.AmoToken, o.BitrixDomain, o.BitrixAdminID,
		o.BitrixStatKey, o.BitrixCommentKey, o.BitrixLeadsKey, o.TranscriptionKey, o.CompletionKey,
		o.SendCommentsToCRM, o.CustomCRM, o.MinDuration(), int(o.CommentType), o.SummaryToLead,
		o.SummaryLeadTag, trial, o.TotalAudioDuration, o.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	o.ID = id
	return nil
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id int64) (*model.Organization, error) {
	o, err := scanOrganization(s.db.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "organization %d", id)
	}
	return o, eris.Wrapf(err, "sqlite: get organization %d", id)
}

func (s *SQLiteStore) FindOrganizationByAmoSubdomain(ctx context.Context, subdomain string) (*model.Organization, error) {
	o, err := scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE amo_subdomain = ? AND amo_subdomain <> '' ORDER BY id LIMIT 1`,
		subdomain))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrUnknownTenant, "amocrm subdomain %q", subdomain)
	}
	return o, eris.Wrap(err, "sqlite: find organization by amo subdomain")
}

func (s *SQLiteStore) FindOrganizationByBitrixDomain(ctx context.Context, domain string) (*model.Organization, error) {
	o, err := scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE bitrix_domain = ? AND bitrix_domain <> '' ORDER BY id LIMIT 1`,
		domain))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrUnknownTenant, "bitrix24 domain %q", domain)
	}
	return o, eris.Wrap(err, "sqlite: find organization by bitrix domain")
}

func (s *SQLiteStore) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orgColumns+` FROM organizations ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list organizations")
	}
	defer rows.Close()

	var out []model.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan organization")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate organizations")
}

func (s *SQLiteStore) AddAudioDuration(ctx context.Context, orgID int64, seconds int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET total_audio_duration = total_audio_duration + ? WHERE id = ?`,
		seconds, orgID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add audio duration %d", orgID)
	}
	return checkRowsAffected(res, "organization", orgID)
}

// --- Managers ---

func (s *SQLiteStore) UpsertManager(ctx context.Context, m *model.Manager) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO managers (organization_id, crm_user_id, full_name) VALUES (?, ?, ?)
		 ON CONFLICT (organization_id, crm_user_id) DO UPDATE SET full_name = excluded.full_name`,
		m.OrganizationID, m.CRMUserID, m.FullName,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert manager")
	}
	return eris.Wrap(s.db.QueryRowContext(ctx,
		`SELECT id FROM managers WHERE organization_id = ? AND crm_user_id = ?`,
		m.OrganizationID, m.CRMUserID,
	).Scan(&m.ID), "sqlite: load manager id")
}

func (s *SQLiteStore) FindManager(ctx context.Context, orgID int64, crmUserID string) (*model.Manager, error) {
	var m model.Manager
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, crm_user_id, full_name FROM managers WHERE organization_id = ? AND crm_user_id = ?`,
		orgID, crmUserID,
	).Scan(&m.ID, &m.OrganizationID, &m.CRMUserID, &m.FullName)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find manager")
	}
	return &m, nil
}

// --- Prompts and criteria ---

func (s *SQLiteStore) CreatePrompt(ctx context.Context, p *model.Prompt) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	id, err := s.insertID(ctx, "insert prompt",
		`INSERT INTO prompts (organization_id, name, body, created_at) VALUES (?, ?, ?, ?)`,
		p.OrganizationID, p.Name, p.Body, p.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (s *SQLiteStore) GetPrompt(ctx context.Context, id int64) (*model.Prompt, error) {
	return s.queryPrompt(ctx, `SELECT id, organization_id, name, body, created_at FROM prompts WHERE id = ?`, id)
}

func (s *SQLiteStore) LatestPrompt(ctx context.Context, orgID int64) (*model.Prompt, error) {
	return s.queryPrompt(ctx,
		`SELECT id, organization_id, name, body, created_at FROM prompts WHERE organization_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, orgID)
}

func (s *SQLiteStore) queryPrompt(ctx context.Context, query string, arg int64) (*model.Prompt, error) {
	var p model.Prompt
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Body, &p.CreatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "prompt for %d", arg)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get prompt")
	}
	return &p, nil
}

func (s *SQLiteStore) SetCriteriaLabel(ctx context.Context, l model.CriteriaLabel) error {
	if l.Position < 1 || l.Position > model.CriteriaCount {
		return eris.Wrapf(model.ErrValidation, "criteria position %d", l.Position)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO criteria_labels (organization_id, position, label) VALUES (?, ?, ?)
		 ON CONFLICT (organization_id, position) DO UPDATE SET label = excluded.label`,
		l.OrganizationID, l.Position, l.Label,
	)
	return eris.Wrap(err, "sqlite: set criteria label")
}

func (s *SQLiteStore) ActivePositions(ctx context.Context, orgID int64) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT position FROM criteria_labels WHERE organization_id = ?`, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active positions")
	}
	defer rows.Close()

	active := make(map[int]bool)
	for rows.Next() {
		var pos int
		if err := rows.Scan(&pos); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan position")
		}
		active[pos] = true
	}
	return active, eris.Wrap(rows.Err(), "sqlite: iterate positions")
}

func (s *SQLiteStore) CreateObjection(ctx context.Context, o *model.Objection) error {
	id, err := s.insertID(ctx, "insert objection",
		`INSERT INTO objections (organization_id, name, description) VALUES (?, ?, ?)`,
		o.OrganizationID, o.Name, o.Description,
	)
	if err != nil {
		return err
	}
	o.ID = id
	return nil
}

func (s *SQLiteStore) DeleteObjection(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE objections SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete objection %d", id)
	}
	return checkRowsAffected(res, "objection", id)
}

func (s *SQLiteStore) ListObjections(ctx context.Context, orgID int64, includeDeleted bool) ([]model.Objection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+objectionColumn+` FROM objections WHERE organization_id = ? AND (? OR deleted = 0) ORDER BY id`,
		orgID, includeDeleted,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list objections")
	}
	defer rows.Close()

	var out []model.Objection
	for rows.Next() {
		o, err := scanObjection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan objection")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate objections")
}

// --- Calls ---

func (s *SQLiteStore) CreateCall(ctx context.Context, c *model.Call) (bool, error) {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CallReceived
	}
	var raw any
	if len(c.RawPayload) > 0 {
		raw = []byte(c.RawPayload)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (organization_id, source, source_id, raw_payload, audio_url, duration, direction,
			ignored, status, entity_type, entity_id, contact_id, client_phone, manager_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (organization_id, source, source_id) WHERE source_id <> '' DO NOTHING`,
		c.OrganizationID, string(c.Source), c.SourceID, raw, c.AudioURL, c.Duration, string(c.Direction),
		c.Ignored, string(c.Status), c.EntityType, c.EntityID, c.ContactID, c.ClientPhone, c.ManagerID, now, now,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert call")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return false, eris.Wrap(err, "sqlite: insert call id")
		}
		c.ID, c.CreatedAt, c.UpdatedAt = id, now, now
		return true, nil
	}

	existing, err := scanCall(s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE organization_id = ? AND source = ? AND source_id = ?`,
		c.OrganizationID, string(c.Source), c.SourceID))
	if err != nil {
		return false, eris.Wrap(err, "sqlite: load duplicate call")
	}
	*c = *existing
	return false, nil
}

func (s *SQLiteStore) GetCall(ctx context.Context, id int64) (*model.Call, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "call %d", id)
	}
	return c, eris.Wrapf(err, "sqlite: get call %d", id)
}

func (s *SQLiteStore) UpdateCallDetails(ctx context.Context, id int64, d CallDetails) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET audio_url = ?, duration = ?, direction = ?, entity_type = ?, entity_id = ?,
			contact_id = ?, client_phone = ?, manager_id = ?, updated_at = ?
		 WHERE id = ?`,
		d.AudioURL, d.Duration, string(d.Direction), d.EntityType, d.EntityID,
		d.ContactID, d.ClientPhone, d.ManagerID, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update call %d", id)
	}
	return checkRowsAffected(res, "call", id)
}

func (s *SQLiteStore) AdvanceCall(ctx context.Context, id int64, from, to model.CallStatus) (bool, error) {
	if !model.CanAdvance(from, to) {
		return false, eris.Wrapf(model.ErrValidation, "call %d: %s -> %s", id, from, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, ignored = (ignored OR ?), updated_at = ? WHERE id = ? AND status = ?`,
		string(to), to == model.CallIgnored, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: advance call %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) FailCall(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('ignored', 'crm_notified', 'failed')`,
		string(model.CallFailed), reason, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: fail call %d", id)
}

func (s *SQLiteStore) ExistingCallIDs(ctx context.Context, orgID int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM calls WHERE organization_id = ? AND id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: existing call ids")
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *SQLiteStore) WeekTranscripts(ctx context.Context, orgID int64, from, to time.Time) ([]CallTranscript, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, t.text, c.created_at FROM calls c
		 JOIN transcription_tasks t ON t.call_id = c.id AND t.status = 'done' AND t.text <> ''
		 WHERE c.organization_id = ? AND c.ignored = 0 AND c.created_at >= ? AND c.created_at < ?
		 ORDER BY c.created_at, c.id`,
		orgID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: week transcripts")
	}
	defer rows.Close()

	var out []CallTranscript
	for rows.Next() {
		var ct CallTranscript
		if err := rows.Scan(&ct.CallID, &ct.Transcript, &ct.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transcript")
		}
		out = append(out, ct)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate transcripts")
}

// --- Transcription ---

func (s *SQLiteStore) CreateTranscriptionTask(ctx context.Context, t *model.TranscriptionTask) error {
	now := time.Now().UTC()
	id, err := s.insertID(ctx, "insert transcription task",
		`INSERT INTO transcription_tasks (call_id, organization_id, external_id, status, text, result_link,
			poll_attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.CallID, t.OrganizationID, t.ExternalID, string(t.Status), t.Text, t.ResultLink,
		t.PollAttempts, t.LastError, now, now,
	)
	if err != nil {
		return err
	}
	t.ID, t.CreatedAt, t.UpdatedAt = id, now, now
	return nil
}

func (s *SQLiteStore) GetTranscriptionTask(ctx context.Context, id int64) (*model.TranscriptionTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM transcription_tasks WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "transcription task %d", id)
	}
	return t, eris.Wrapf(err, "sqlite: get transcription task %d", id)
}

func (s *SQLiteStore) TranscriptionForCall(ctx context.Context, callID int64) (*model.TranscriptionTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM transcription_tasks WHERE call_id = ?
		 ORDER BY (status = 'done') DESC, id DESC LIMIT 1`, callID))
	if isNoRows(err) {
		return nil, nil
	}
	return t, eris.Wrapf(err, "sqlite: transcription for call %d", callID)
}

func (s *SQLiteStore) UpdateTranscriptionTask(ctx context.Context, t *model.TranscriptionTask) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcription_tasks SET external_id = ?, status = ?, text = ?, result_link = ?,
			poll_attempts = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status <> 'done'`,
		t.ExternalID, string(t.Status), t.Text, t.ResultLink, t.PollAttempts, t.LastError, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update transcription task %d", t.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrValidation, "transcription task %d missing or done", t.ID)
	}
	return nil
}

func (s *SQLiteStore) ListPendingTranscriptions(ctx context.Context, olderThan time.Time) ([]model.TranscriptionTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM transcription_tasks
		 WHERE status IN ('queued', 'in_progress') AND external_id <> '' AND updated_at < ? ORDER BY id`,
		olderThan.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending transcriptions")
	}
	defer rows.Close()

	var out []model.TranscriptionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transcription task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate transcription tasks")
}

// --- Analysis ---

func (s *SQLiteStore) CreateAnalysisResult(ctx context.Context, a *model.AnalysisResult) error {
	a.CreatedAt = time.Now().UTC()
	id, err := s.insertID(ctx, "insert analysis result",
		`INSERT INTO analysis_results (call_id, organization_id, prompt_id, question, raw, answer,
			analytics, summary, tokens_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.CallID, a.OrganizationID, a.PromptID, a.Question, a.Raw, a.Answer,
		a.Analytics, a.Summary, a.TokensUsed, a.CreatedAt,
	)
	if err != nil {
		return err
	}
	a.ID = id
	return nil
}

func (s *SQLiteStore) LatestAnalysis(ctx context.Context, callID int64) (*model.AnalysisResult, error) {
	a, err := scanAnalysis(s.db.QueryRowContext(ctx,
		`SELECT `+analysisColumns+` FROM analysis_results WHERE call_id = ? ORDER BY id DESC LIMIT 1`, callID))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "analysis for call %d", callID)
	}
	return a, eris.Wrapf(err, "sqlite: latest analysis %d", callID)
}

func (s *SQLiteStore) ListAnalysisResults(ctx context.Context, afterID int64, limit int) ([]model.AnalysisResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+analysisColumns+` FROM analysis_results WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analysis results")
	}
	defer rows.Close()

	var out []model.AnalysisResult
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis result")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate analysis results")
}

func (s *SQLiteStore) GetCriteriaScores(ctx context.Context, callID int64) (*model.CriteriaScores, error) {
	c, err := scanCriteria(s.db.QueryRowContext(ctx, `SELECT `+criteriaColumns+` FROM criteria_scores WHERE call_id = ?`, callID))
	if isNoRows(err) {
		return nil, nil
	}
	return c, eris.Wrapf(err, "sqlite: get criteria scores %d", callID)
}

func (s *SQLiteStore) UpsertCriteriaScores(ctx context.Context, scores model.CriteriaScores) error {
	args := append(criteriaArgs(scores), time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO criteria_scores (`+criteriaColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (call_id) DO UPDATE SET
			criteria_1 = COALESCE(excluded.criteria_1, criteria_scores.criteria_1),
			criteria_2 = COALESCE(excluded.criteria_2, criteria_scores.criteria_2),
			criteria_3 = COALESCE(excluded.criteria_3, criteria_scores.criteria_3),
			criteria_4 = COALESCE(excluded.criteria_4, criteria_scores.criteria_4),
			criteria_5 = COALESCE(excluded.criteria_5, criteria_scores.criteria_5),
			criteria_6 = COALESCE(excluded.criteria_6, criteria_scores.criteria_6),
			criteria_7 = COALESCE(excluded.criteria_7, criteria_scores.criteria_7),
			overall = COALESCE(excluded.overall, criteria_scores.overall),
			objection_id = COALESCE(excluded.objection_id, criteria_scores.objection_id),
			updated_at = excluded.updated_at`,
		args...,
	)
	return eris.Wrapf(err, "sqlite: upsert criteria scores %d", scores.CallID)
}

// --- Deals ---

func (s *SQLiteStore) UpsertDealStage(ctx context.Context, d *model.DealStage) error {
	d.UpdatedAt = time.Now().UTC()
	if d.DealType == "" {
		d.DealType = model.DealFirst
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deal_stages (organization_id, crm, deal_id, deal_type, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (organization_id, crm, deal_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		d.OrganizationID, string(d.CRM), d.DealID, string(d.DealType), d.Status, d.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert deal stage")
	}
	return eris.Wrap(s.db.QueryRowContext(ctx,
		`SELECT id FROM deal_stages WHERE organization_id = ? AND crm = ? AND deal_id = ?`,
		d.OrganizationID, string(d.CRM), d.DealID,
	).Scan(&d.ID), "sqlite: load deal stage id")
}

func (s *SQLiteStore) LinkDealStage(ctx context.Context, callID, dealStageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_deal_stages (call_id, deal_stage_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		callID, dealStageID,
	)
	return eris.Wrap(err, "sqlite: link deal stage")
}

func (s *SQLiteStore) ListDealStages(ctx context.Context, orgID int64) ([]model.DealStage, error) {
	return s.queryDeals(ctx, `SELECT `+dealColumns+` FROM deal_stages WHERE organization_id = ? ORDER BY id`, orgID)
}

func (s *SQLiteStore) CallDealStages(ctx context.Context, callID int64) ([]model.DealStage, error) {
	return s.queryDeals(ctx,
		`SELECT d.id, d.organization_id, d.crm, d.deal_id, d.deal_type, d.status, d.updated_at
		 FROM deal_stages d JOIN call_deal_stages cd ON cd.deal_stage_id = d.id
		 WHERE cd.call_id = ? ORDER BY d.id`, callID)
}

func (s *SQLiteStore) queryDeals(ctx context.Context, query string, arg int64) ([]model.DealStage, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deal stages")
	}
	defer rows.Close()

	var out []model.DealStage
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan deal stage")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate deal stages")
}

// --- Weekly reports ---

func (s *SQLiteStore) EnsureReport(ctx context.Context, r *model.WeeklyReport) (*model.WeeklyReport, error) {
	start := dateOnly(r.WeekStart)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO weekly_reports (organization_id, kind, week_start, week_end, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (organization_id, kind, week_start)
		 DO UPDATE SET is_active = (weekly_reports.is_active OR excluded.is_active)`,
		r.OrganizationID, string(r.Kind), start, dateOnly(r.WeekEnd), r.IsActive, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: ensure weekly report")
	}
	out, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM weekly_reports WHERE organization_id = ? AND kind = ? AND week_start = ?`,
		r.OrganizationID, string(r.Kind), start))
	return out, eris.Wrap(err, "sqlite: load weekly report")
}

func (s *SQLiteStore) DeactivateReports(ctx context.Context, orgID int64, kind model.ReportKind, keepWeekStart time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE weekly_reports SET is_active = 0
		 WHERE organization_id = ? AND kind = ? AND is_active = 1 AND week_start <> ?`,
		orgID, string(kind), dateOnly(keepWeekStart),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: deactivate weekly reports")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetReport(ctx context.Context, id int64) (*model.WeeklyReport, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM weekly_reports WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "weekly report %d", id)
	}
	return r, eris.Wrapf(err, "sqlite: get weekly report %d", id)
}

func (s *SQLiteStore) ActiveReport(ctx context.Context, orgID int64, kind model.ReportKind) (*model.WeeklyReport, error) {
	r, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM weekly_reports WHERE organization_id = ? AND kind = ? AND is_active = 1
		 ORDER BY week_start DESC LIMIT 1`,
		orgID, string(kind)))
	if isNoRows(err) {
		return nil, nil
	}
	return r, eris.Wrap(err, "sqlite: active weekly report")
}

func (s *SQLiteStore) ListFindings(ctx context.Context, reportID int64) ([]model.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE report_id = ? ORDER BY id`, reportID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan finding")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate findings")
}

func (s *SQLiteStore) UpsertFinding(ctx context.Context, reportID int64, title string, frequency int) (*model.Finding, error) {
	title = trimTitle(title)
	key := titleKey(title)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO findings (report_id, title, title_key, frequency, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (report_id, title_key) DO UPDATE SET title = excluded.title, frequency = excluded.frequency`,
		reportID, title, key, frequency, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert finding")
	}
	f, err := scanFinding(s.db.QueryRowContext(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE report_id = ? AND title_key = ?`, reportID, key))
	return f, eris.Wrap(err, "sqlite: load finding")
}

func (s *SQLiteStore) AddFindingExample(ctx context.Context, ex *model.FindingExample) error {
	ex.CreatedAt = time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`INSERT INTO finding_examples (finding_id, text, created_at) VALUES (?, ?, ?)`,
		ex.FindingID, ex.Text, ex.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert finding example")
	}
	if ex.ID, err = res.LastInsertId(); err != nil {
		return eris.Wrap(err, "sqlite: finding example id")
	}
	for _, callID := range ex.CallIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO finding_example_calls (example_id, call_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			ex.ID, callID,
		); err != nil {
			return eris.Wrap(err, "sqlite: link finding example call")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit finding example")
}

func (s *SQLiteStore) ListFindingExamples(ctx context.Context, findingID int64) ([]model.FindingExample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, finding_id, text, created_at FROM finding_examples WHERE finding_id = ? ORDER BY id`, findingID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list finding examples")
	}
	var out []model.FindingExample
	for rows.Next() {
		var ex model.FindingExample
		if err := rows.Scan(&ex.ID, &ex.FindingID, &ex.Text, &ex.CreatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan finding example")
		}
		out = append(out, ex)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate finding examples")
	}

	for i := range out {
		links, err := s.db.QueryContext(ctx,
			`SELECT call_id FROM finding_example_calls WHERE example_id = ? ORDER BY call_id`, out[i].ID)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: list example calls")
		}
		ids, err := collectIDs(links)
		links.Close()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan example calls")
		}
		out[i].CallIDs = ids
	}
	return out, nil
}

// --- Dead letters ---

func (s *SQLiteStore) CreateDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	dl.CreatedAt = time.Now().UTC()
	id, err := s.insertID(ctx, "insert dead letter",
		`INSERT INTO dead_letters (job, payload, error, attempts, created_at) VALUES (?, ?, ?, ?, ?)`,
		dl.Job, []byte(dl.Payload), dl.Error, dl.Attempts, dl.CreatedAt,
	)
	if err != nil {
		return err
	}
	dl.ID = id
	return nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+deadColumns+` FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate dead letters")
}

func (s *SQLiteStore) CallStats(ctx context.Context, since time.Time) (*CallStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM calls WHERE created_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: call stats")
	}
	defer rows.Close()

	stats := &CallStats{ByStatus: make(map[model.CallStatus]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan call stats")
		}
		stats.ByStatus[model.CallStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate call stats")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE created_at >= ?`, since.UTC()).Scan(&stats.DeadLetters)
	return stats, eris.Wrap(err, "sqlite: count dead letters")
}

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %d", entity, id)
	}
	return nil
}
