package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callscore/internal/db"
	"github.com/sells-group/callscore/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id                   BIGSERIAL PRIMARY KEY,
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
	send_comments_to_crm BOOLEAN NOT NULL DEFAULT false,
	custom_crm           BOOLEAN NOT NULL DEFAULT false,
	minimal_call_length  INTEGER NOT NULL DEFAULT 30,
	comment_type         INTEGER NOT NULL DEFAULT 1,
	summary_to_lead      BOOLEAN NOT NULL DEFAULT false,
	summary_lead_tag     TEXT NOT NULL DEFAULT '',
	trial_expires_at     TIMESTAMPTZ,
	total_audio_duration BIGINT NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_org_amo_subdomain ON organizations(amo_subdomain);
CREATE INDEX IF NOT EXISTS idx_org_bitrix_domain ON organizations(bitrix_domain);

CREATE TABLE IF NOT EXISTS managers (
	id              BIGSERIAL PRIMARY KEY,
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	crm_user_id     TEXT NOT NULL,
	full_name       TEXT NOT NULL DEFAULT '',
	UNIQUE (organization_id, crm_user_id)
);

CREATE TABLE IF NOT EXISTS prompts (
	id              BIGSERIAL PRIMARY KEY,
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	name            TEXT NOT NULL,
	body            TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_prompts_org_created ON prompts(organization_id, created_at DESC);

CREATE TABLE IF NOT EXISTS criteria_labels (
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	position        INTEGER NOT NULL CHECK (position BETWEEN 1 AND 7),
	label           TEXT NOT NULL,
	PRIMARY KEY (organization_id, position)
);

CREATE TABLE IF NOT EXISTS objections (
	id              BIGSERIAL PRIMARY KEY,
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	deleted         BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS calls (
	id              BIGSERIAL PRIMARY KEY,
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	source          TEXT NOT NULL,
	source_id       TEXT NOT NULL DEFAULT '',
	raw_payload     JSONB,
	audio_url       TEXT NOT NULL DEFAULT '',
	duration        INTEGER NOT NULL DEFAULT 0,
	direction       TEXT NOT NULL DEFAULT 'outgoing',
	ignored         BOOLEAN NOT NULL DEFAULT false,
	status          TEXT NOT NULL DEFAULT 'received',
	failure_reason  TEXT NOT NULL DEFAULT '',
	entity_type     TEXT NOT NULL DEFAULT '',
	entity_id       TEXT NOT NULL DEFAULT '',
	contact_id      TEXT NOT NULL DEFAULT '',
	client_phone    TEXT NOT NULL DEFAULT '',
	manager_id      BIGINT REFERENCES managers(id),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_calls_source_id ON calls(organization_id, source, source_id) WHERE source_id <> '';
CREATE INDEX IF NOT EXISTS idx_calls_org_created ON calls(organization_id, created_at);

CREATE TABLE IF NOT EXISTS transcription_tasks (
	id              BIGSERIAL PRIMARY KEY,
	call_id         BIGINT NOT NULL REFERENCES calls(id),
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	external_id     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'queued',
	text            TEXT NOT NULL DEFAULT '',
	result_link     TEXT NOT NULL DEFAULT '',
	poll_attempts   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcription_call ON transcription_tasks(call_id);
CREATE INDEX IF NOT EXISTS idx_transcription_status ON transcription_tasks(status);

CREATE TABLE IF NOT EXISTS analysis_results (
	id              BIGSERIAL PRIMARY KEY,
	call_id         BIGINT NOT NULL REFERENCES calls(id),
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	prompt_id       BIGINT REFERENCES prompts(id),
	question        TEXT NOT NULL,
	raw             TEXT NOT NULL,
	answer          TEXT NOT NULL,
	analytics       TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	tokens_used     INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analysis_call ON analysis_results(call_id, created_at DESC);

CREATE TABLE IF NOT EXISTS criteria_scores (
	call_id      BIGINT PRIMARY KEY REFERENCES calls(id),
	criteria_1   INTEGER,
	criteria_2   INTEGER,
	criteria_3   INTEGER,
	criteria_4   INTEGER,
	criteria_5   INTEGER,
	criteria_6   INTEGER,
	criteria_7   INTEGER,
	overall      INTEGER,
	objection_id BIGINT REFERENCES objections(id),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deal_stages (
	id              BIGSERIAL PRIMARY KEY,
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	crm             TEXT NOT NULL,
	deal_id         TEXT NOT NULL,
	deal_type       TEXT NOT NULL DEFAULT 'first',
	status          TEXT NOT NULL DEFAULT '',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (organization_id, crm, deal_id)
);

CREATE TABLE IF NOT EXISTS call_deal_stages (
	call_id       BIGINT NOT NULL REFERENCES calls(id),
	deal_stage_id BIGINT NOT NULL REFERENCES deal_stages(id),
	PRIMARY KEY (call_id, deal_stage_id)
);

CREATE TABLE IF NOT EXISTS weekly_reports (
	id              BIGSERIAL PRIMARY KEY,
	organization_id BIGINT NOT NULL REFERENCES organizations(id),
	kind            TEXT NOT NULL,
	week_start      DATE NOT NULL,
	week_end        DATE NOT NULL,
	is_active       BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (organization_id, kind, week_start)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_weekly_one_active ON weekly_reports(organization_id, kind) WHERE is_active;

CREATE TABLE IF NOT EXISTS findings (
	id         BIGSERIAL PRIMARY KEY,
	report_id  BIGINT NOT NULL REFERENCES weekly_reports(id),
	title      TEXT NOT NULL,
	title_key  TEXT NOT NULL,
	frequency  INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (report_id, title_key)
);

CREATE TABLE IF NOT EXISTS finding_examples (
	id         BIGSERIAL PRIMARY KEY,
	finding_id BIGINT NOT NULL REFERENCES findings(id),
	text       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS finding_example_calls (
	example_id BIGINT NOT NULL REFERENCES finding_examples(id),
	call_id    BIGINT NOT NULL REFERENCES calls(id),
	PRIMARY KEY (example_id, call_id)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id         BIGSERIAL PRIMARY KEY,
	job        TEXT NOT NULL,
	payload    JSONB,
	error      TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Organizations ---

func (s *PostgresStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO organizations (name, amo_subdomain, amo_token, bitrix_domain, bitrix_admin_id,
			bitrix_stat_key, bitrix_comment_key, bitrix_leads_key, transcription_key, completion_key,
			send_comments_to_crm, custom_crm, minimal_call_length, comment_type, summary_to_lead,
			summary_lead_tag, trial_expires_at, total_audio_duration, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 RETURNING id`,
		o.Name, o.AmoSubdomain, o.AmoToken, o.BitrixDomain, o.BitrixAdminID,
		o.BitrixStatKey, o.BitrixCommentKey, o.BitrixLeadsKey, o.TranscriptionKey, o.CompletionKey,
		o.SendCommentsToCRM, o.CustomCRM, o.MinDuration(), int(o.CommentType), o.SummaryToLead,
		o.SummaryLeadTag, o.TrialExpiresAt, o.TotalAudioDuration, o.CreatedAt,
	).Scan(&o.ID)
	return eris.Wrap(err, "postgres: insert organization")
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id int64) (*model.Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "organization %d", id)
	}
	return o, eris.Wrapf(err, "postgres: get organization %d", id)
}

func (s *PostgresStore) FindOrganizationByAmoSubdomain(ctx context.Context, subdomain string) (*model.Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE amo_subdomain = $1 AND amo_subdomain <> '' ORDER BY id LIMIT 1`,
		subdomain))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrUnknownTenant, "amocrm subdomain %q", subdomain)
	}
	return o, eris.Wrap(err, "postgres: find organization by amo subdomain")
}

func (s *PostgresStore) FindOrganizationByBitrixDomain(ctx context.Context, domain string) (*model.Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE bitrix_domain = $1 AND bitrix_domain <> '' ORDER BY id LIMIT 1`,
		domain))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrUnknownTenant, "bitrix24 domain %q", domain)
	}
	return o, eris.Wrap(err, "postgres: find organization by bitrix domain")
}

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orgColumns+` FROM organizations ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list organizations")
	}
	defer rows.Close()

	var out []model.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan organization")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate organizations")
}

func (s *PostgresStore) AddAudioDuration(ctx context.Context, orgID int64, seconds int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET total_audio_duration = total_audio_duration + $1 WHERE id = $2`,
		seconds, orgID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add audio duration %d", orgID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "organization %d", orgID)
	}
	return nil
}

// --- Managers ---

func (s *PostgresStore) UpsertManager(ctx context.Context, m *model.Manager) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO managers (organization_id, crm_user_id, full_name) VALUES ($1, $2, $3)
		 ON CONFLICT (organization_id, crm_user_id) DO UPDATE SET full_name = EXCLUDED.full_name
		 RETURNING id`,
		m.OrganizationID, m.CRMUserID, m.FullName,
	).Scan(&m.ID)
	return eris.Wrap(err, "postgres: upsert manager")
}

func (s *PostgresStore) FindManager(ctx context.Context, orgID int64, crmUserID string) (*model.Manager, error) {
	var m model.Manager
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, crm_user_id, full_name FROM managers WHERE organization_id = $1 AND crm_user_id = $2`,
		orgID, crmUserID,
	).Scan(&m.ID, &m.OrganizationID, &m.CRMUserID, &m.FullName)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find manager")
	}
	return &m, nil
}

// --- Prompts and criteria ---

func (s *PostgresStore) CreatePrompt(ctx context.Context, p *model.Prompt) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prompts (organization_id, name, body, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		p.OrganizationID, p.Name, p.Body, p.CreatedAt,
	).Scan(&p.ID)
	return eris.Wrap(err, "postgres: insert prompt")
}

func (s *PostgresStore) GetPrompt(ctx context.Context, id int64) (*model.Prompt, error) {
	return s.queryPrompt(ctx, `SELECT id, organization_id, name, body, created_at FROM prompts WHERE id = $1`, id)
}

func (s *PostgresStore) LatestPrompt(ctx context.Context, orgID int64) (*model.Prompt, error) {
	return s.queryPrompt(ctx,
		`SELECT id, organization_id, name, body, created_at FROM prompts WHERE organization_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`, orgID)
}

func (s *PostgresStore) queryPrompt(ctx context.Context, query string, arg int64) (*model.Prompt, error) {
	var p model.Prompt
	err := s.pool.QueryRow(ctx, query, arg).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Body, &p.CreatedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "prompt for %d", arg)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get prompt")
	}
	return &p, nil
}

func (s *PostgresStore) SetCriteriaLabel(ctx context.Context, l model.CriteriaLabel) error {
	if l.Position < 1 || l.Position > model.CriteriaCount {
		return eris.Wrapf(model.ErrValidation, "criteria position %d", l.Position)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO criteria_labels (organization_id, position, label) VALUES ($1, $2, $3)
		 ON CONFLICT (organization_id, position) DO UPDATE SET label = EXCLUDED.label`,
		l.OrganizationID, l.Position, l.Label,
	)
	return eris.Wrap(err, "postgres: set criteria label")
}

func (s *PostgresStore) ActivePositions(ctx context.Context, orgID int64) (map[int]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT position FROM criteria_labels WHERE organization_id = $1`, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active positions")
	}
	defer rows.Close()

	active := make(map[int]bool)
	for rows.Next() {
		var pos int
		if err := rows.Scan(&pos); err != nil {
			return nil, eris.Wrap(err, "postgres: scan position")
		}
		active[pos] = true
	}
	return active, eris.Wrap(rows.Err(), "postgres: iterate positions")
}

func (s *PostgresStore) CreateObjection(ctx context.Context, o *model.Objection) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO objections (organization_id, name, description) VALUES ($1, $2, $3) RETURNING id`,
		o.OrganizationID, o.Name, o.Description,
	).Scan(&o.ID)
	return eris.Wrap(err, "postgres: insert objection")
}

func (s *PostgresStore) DeleteObjection(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE objections SET deleted = true WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete objection %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "objection %d", id)
	}
	return nil
}

func (s *PostgresStore) ListObjections(ctx context.Context, orgID int64, includeDeleted bool) ([]model.Objection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+objectionColumn+` FROM objections WHERE organization_id = $1 AND ($2 OR NOT deleted) ORDER BY id`,
		orgID, includeDeleted,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list objections")
	}
	defer rows.Close()

	var out []model.Objection
	for rows.Next() {
		o, err := scanObjection(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan objection")
		}
		out = append(out, *o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate objections")
}

// --- Calls ---

// CreateCall inserts call, or loads the existing row when a call with the
// same source id was already recorded for the organization.
func (s *PostgresStore) CreateCall(ctx context.Context, c *model.Call) (bool, error) {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CallReceived
	}
	var raw any
	if len(c.RawPayload) > 0 {
		raw = []byte(c.RawPayload)
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO calls (organization_id, source, source_id, raw_payload, audio_url, duration, direction,
			ignored, status, entity_type, entity_id, contact_id, client_phone, manager_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		 ON CONFLICT (organization_id, source, source_id) WHERE source_id <> '' DO NOTHING
		 RETURNING id, created_at, updated_at`,
		c.OrganizationID, string(c.Source), c.SourceID, raw, c.AudioURL, c.Duration, string(c.Direction),
		c.Ignored, string(c.Status), c.EntityType, c.EntityID, c.ContactID, c.ClientPhone, c.ManagerID, now,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err == nil {
		return true, nil
	}
	if !isNoRows(err) {
		return false, eris.Wrap(err, "postgres: insert call")
	}

	existing, err := scanCall(s.pool.QueryRow(ctx,
		`SELECT `+callColumns+` FROM calls WHERE organization_id = $1 AND source = $2 AND source_id = $3`,
		c.OrganizationID, string(c.Source), c.SourceID))
	if err != nil {
		return false, eris.Wrap(err, "postgres: load duplicate call")
	}
	*c = *existing
	return false, nil
}

func (s *PostgresStore) GetCall(ctx context.Context, id int64) (*model.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "call %d", id)
	}
	return c, eris.Wrapf(err, "postgres: get call %d", id)
}

func (s *PostgresStore) UpdateCallDetails(ctx context.Context, id int64, d CallDetails) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET audio_url = $1, duration = $2, direction = $3, entity_type = $4, entity_id = $5,
			contact_id = $6, client_phone = $7, manager_id = $8, updated_at = $9
		 WHERE id = $10`,
		d.AudioURL, d.Duration, string(d.Direction), d.EntityType, d.EntityID,
		d.ContactID, d.ClientPhone, d.ManagerID, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update call %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "call %d", id)
	}
	return nil
}

// AdvanceCall moves a call from one status to the next only if it is still
// in the expected status. It reports false when another delivery got there
// first.
func (s *PostgresStore) AdvanceCall(ctx context.Context, id int64, from, to model.CallStatus) (bool, error) {
	if !model.CanAdvance(from, to) {
		return false, eris.Wrapf(model.ErrValidation, "call %d: %s -> %s", id, from, to)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = $1, ignored = (ignored OR $2), updated_at = $3 WHERE id = $4 AND status = $5`,
		string(to), to == model.CallIgnored, time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: advance call %d", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FailCall(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = $1, failure_reason = $2, updated_at = $3
		 WHERE id = $4 AND status NOT IN ('ignored', 'crm_notified', 'failed')`,
		string(model.CallFailed), reason, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "postgres: fail call %d", id)
}

func (s *PostgresStore) ExistingCallIDs(ctx context.Context, orgID int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM calls WHERE organization_id = $1 AND id = ANY($2) ORDER BY id`, orgID, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing call ids")
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *PostgresStore) WeekTranscripts(ctx context.Context, orgID int64, from, to time.Time) ([]CallTranscript, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, t.text, c.created_at FROM calls c
		 JOIN transcription_tasks t ON t.call_id = c.id AND t.status = 'done' AND t.text <> ''
		 WHERE c.organization_id = $1 AND NOT c.ignored AND c.created_at >= $2 AND c.created_at < $3
		 ORDER BY c.created_at, c.id`,
		orgID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: week transcripts")
	}
	defer rows.Close()

	var out []CallTranscript
	for rows.Next() {
		var ct CallTranscript
		if err := rows.Scan(&ct.CallID, &ct.Transcript, &ct.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transcript")
		}
		out = append(out, ct)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate transcripts")
}

// --- Transcription ---

func (s *PostgresStore) CreateTranscriptionTask(ctx context.Context, t *model.TranscriptionTask) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	err := s.pool.QueryRow(ctx,
		`INSERT INTO transcription_tasks (call_id, organization_id, external_id, status, text, result_link,
			poll_attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9) RETURNING id`,
		t.CallID, t.OrganizationID, t.ExternalID, string(t.Status), t.Text, t.ResultLink,
		t.PollAttempts, t.LastError, now,
	).Scan(&t.ID)
	return eris.Wrap(err, "postgres: insert transcription task")
}

func (s *PostgresStore) GetTranscriptionTask(ctx context.Context, id int64) (*model.TranscriptionTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM transcription_tasks WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "transcription task %d", id)
	}
	return t, eris.Wrapf(err, "postgres: get transcription task %d", id)
}

func (s *PostgresStore) TranscriptionForCall(ctx context.Context, callID int64) (*model.TranscriptionTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM transcription_tasks WHERE call_id = $1
		 ORDER BY (status = 'done') DESC, id DESC LIMIT 1`, callID))
	if isNoRows(err) {
		return nil, nil
	}
	return t, eris.Wrapf(err, "postgres: transcription for call %d", callID)
}

// UpdateTranscriptionTask persists task progress. Finished tasks are never
// rewritten.
func (s *PostgresStore) UpdateTranscriptionTask(ctx context.Context, t *model.TranscriptionTask) error {
	t.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE transcription_tasks SET external_id = $1, status = $2, text = $3, result_link = $4,
			poll_attempts = $5, last_error = $6, updated_at = $7
		 WHERE id = $8 AND status <> 'done'`,
		t.ExternalID, string(t.Status), t.Text, t.ResultLink, t.PollAttempts, t.LastError, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update transcription task %d", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrValidation, "transcription task %d missing or done", t.ID)
	}
	return nil
}

func (s *PostgresStore) ListPendingTranscriptions(ctx context.Context, olderThan time.Time) ([]model.TranscriptionTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM transcription_tasks
		 WHERE status IN ('queued', 'in_progress') AND external_id <> '' AND updated_at < $1 ORDER BY id`,
		olderThan.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending transcriptions")
	}
	defer rows.Close()

	var out []model.TranscriptionTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan transcription task")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate transcription tasks")
}

// --- Analysis ---

func (s *PostgresStore) CreateAnalysisResult(ctx context.Context, a *model.AnalysisResult) error {
	a.CreatedAt = time.Now().UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO analysis_results (call_id, organization_id, prompt_id, question, raw, answer,
			analytics, summary, tokens_used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		a.CallID, a.OrganizationID, a.PromptID, a.Question, a.Raw, a.Answer,
		a.Analytics, a.Summary, a.TokensUsed, a.CreatedAt,
	).Scan(&a.ID)
	return eris.Wrap(err, "postgres: insert analysis result")
}

func (s *PostgresStore) LatestAnalysis(ctx context.Context, callID int64) (*model.AnalysisResult, error) {
	a, err := scanAnalysis(s.pool.QueryRow(ctx,
		`SELECT `+analysisColumns+` FROM analysis_results WHERE call_id = $1 ORDER BY id DESC LIMIT 1`, callID))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "analysis for call %d", callID)
	}
	return a, eris.Wrapf(err, "postgres: latest analysis %d", callID)
}

func (s *PostgresStore) ListAnalysisResults(ctx context.Context, afterID int64, limit int) ([]model.AnalysisResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+analysisColumns+` FROM analysis_results WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analysis results")
	}
	defer rows.Close()

	var out []model.AnalysisResult
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis result")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate analysis results")
}

func (s *PostgresStore) GetCriteriaScores(ctx context.Context, callID int64) (*model.CriteriaScores, error) {
	c, err := scanCriteria(s.pool.QueryRow(ctx, `SELECT `+criteriaColumns+` FROM criteria_scores WHERE call_id = $1`, callID))
	if isNoRows(err) {
		return nil, nil
	}
	return c, eris.Wrapf(err, "postgres: get criteria scores %d", callID)
}

// UpsertCriteriaScores creates the row on first extraction and afterwards
// overwrites only the columns present in scores.
func (s *PostgresStore) UpsertCriteriaScores(ctx context.Context, scores model.CriteriaScores) error {
	args := append(criteriaArgs(scores), time.Now().UTC())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO criteria_scores (`+criteriaColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (call_id) DO UPDATE SET
			criteria_1 = COALESCE(EXCLUDED.criteria_1, criteria_scores.criteria_1),
			criteria_2 = COALESCE(EXCLUDED.criteria_2, criteria_scores.criteria_2),
			criteria_3 = COALESCE(EXCLUDED.criteria_3, criteria_scores.criteria_3),
			criteria_4 = COALESCE(EXCLUDED.criteria_4, criteria_scores.criteria_4),
			criteria_5 = COALESCE(EXCLUDED.criteria_5, criteria_scores.criteria_5),
			criteria_6 = COALESCE(EXCLUDED.criteria_6, criteria_scores.criteria_6),
			criteria_7 = COALESCE(EXCLUDED.criteria_7, criteria_scores.criteria_7),
			overall = COALESCE(EXCLUDED.overall, criteria_scores.overall),
			objection_id = COALESCE(EXCLUDED.objection_id, criteria_scores.objection_id),
			updated_at = EXCLUDED.updated_at`,
		args...,
	)
	return eris.Wrapf(err, "postgres: upsert criteria scores %d", scores.CallID)
}

// --- Deals ---

func (s *PostgresStore) UpsertDealStage(ctx context.Context, d *model.DealStage) error {
	d.UpdatedAt = time.Now().UTC()
	if d.DealType == "" {
		d.DealType = model.DealFirst
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO deal_stages (organization_id, crm, deal_id, deal_type, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (organization_id, crm, deal_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		d.OrganizationID, string(d.CRM), d.DealID, string(d.DealType), d.Status, d.UpdatedAt,
	).Scan(&d.ID)
	return eris.Wrap(err, "postgres: upsert deal stage")
}

func (s *PostgresStore) LinkDealStage(ctx context.Context, callID, dealStageID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_deal_stages (call_id, deal_stage_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		callID, dealStageID,
	)
	return eris.Wrap(err, "postgres: link deal stage")
}

func (s *PostgresStore) ListDealStages(ctx context.Context, orgID int64) ([]model.DealStage, error) {
	return s.queryDeals(ctx, `SELECT `+dealColumns+` FROM deal_stages WHERE organization_id = $1 ORDER BY id`, orgID)
}

func (s *PostgresStore) CallDealStages(ctx context.Context, callID int64) ([]model.DealStage, error) {
	return s.queryDeals(ctx,
		`SELECT d.id, d.organization_id, d.crm, d.deal_id, d.deal_type, d.status, d.updated_at
		 FROM deal_stages d JOIN call_deal_stages cd ON cd.deal_stage_id = d.id
		 WHERE cd.call_id = $1 ORDER BY d.id`, callID)
}

func (s *PostgresStore) queryDeals(ctx context.Context, query string, arg int64) ([]model.DealStage, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deal stages")
	}
	defer rows.Close()

	var out []model.DealStage
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan deal stage")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate deal stages")
}

// --- Weekly reports ---

// EnsureReport returns the report for (organization, kind, week start),
// creating it if needed. An existing inactive report is activated when r
// asks for an active one; an active report is never deactivated here.
func (s *PostgresStore) EnsureReport(ctx context.Context, r *model.WeeklyReport) (*model.WeeklyReport, error) {
	out, err := scanReport(s.pool.QueryRow(ctx,
		`INSERT INTO weekly_reports (organization_id, kind, week_start, week_end, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (organization_id, kind, week_start)
		 DO UPDATE SET is_active = weekly_reports.is_active OR EXCLUDED.is_active
		 RETURNING `+reportColumns,
		r.OrganizationID, string(r.Kind), dateOnly(r.WeekStart), dateOnly(r.WeekEnd), r.IsActive, time.Now().UTC(),
	))
	return out, eris.Wrap(err, "postgres: ensure weekly report")
}

func (s *PostgresStore) DeactivateReports(ctx context.Context, orgID int64, kind model.ReportKind, keepWeekStart time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE weekly_reports SET is_active = false
		 WHERE organization_id = $1 AND kind = $2 AND is_active AND week_start <> $3`,
		orgID, string(kind), dateOnly(keepWeekStart),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: deactivate weekly reports")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetReport(ctx context.Context, id int64) (*model.WeeklyReport, error) {
	r, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM weekly_reports WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(model.ErrNotFound, "weekly report %d", id)
	}
	return r, eris.Wrapf(err, "postgres: get weekly report %d", id)
}

func (s *PostgresStore) ActiveReport(ctx context.Context, orgID int64, kind model.ReportKind) (*model.WeeklyReport, error) {
	r, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM weekly_reports WHERE organization_id = $1 AND kind = $2 AND is_active`,
		orgID, string(kind)))
	if isNoRows(err) {
		return nil, nil
	}
	return r, eris.Wrap(err, "postgres: active weekly report")
}

func (s *PostgresStore) ListFindings(ctx context.Context, reportID int64) ([]model.Finding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE report_id = $1 ORDER BY id`, reportID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan finding")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate findings")
}

// UpsertFinding matches title case-insensitively within the report. The
// stored title and frequency are replaced by the new values.
func (s *PostgresStore) UpsertFinding(ctx context.Context, reportID int64, title string, frequency int) (*model.Finding, error) {
	title = trimTitle(title)
	f, err := scanFinding(s.pool.QueryRow(ctx,
		`INSERT INTO findings (report_id, title, title_key, frequency, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (report_id, title_key) DO UPDATE SET title = EXCLUDED.title, frequency = EXCLUDED.frequency
		 RETURNING `+findingColumns,
		reportID, title, titleKey(title), frequency, time.Now().UTC(),
	))
	return f, eris.Wrap(err, "postgres: upsert finding")
}

func (s *PostgresStore) AddFindingExample(ctx context.Context, ex *model.FindingExample) error {
	ex.CreatedAt = time.Now().UTC()
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO finding_examples (finding_id, text, created_at) VALUES ($1, $2, $3) RETURNING id`,
			ex.FindingID, ex.Text, ex.CreatedAt,
		).Scan(&ex.ID); err != nil {
			return err
		}
		for _, callID := range ex.CallIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO finding_example_calls (example_id, call_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				ex.ID, callID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	return eris.Wrap(err, "postgres: add finding example")
}

func (s *PostgresStore) ListFindingExamples(ctx context.Context, findingID int64) ([]model.FindingExample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.id, e.finding_id, e.text, e.created_at, COALESCE(array_agg(c.call_id ORDER BY c.call_id) FILTER (WHERE c.call_id IS NOT NULL), '{}')
		 FROM finding_examples e LEFT JOIN finding_example_calls c ON c.example_id = e.id
		 WHERE e.finding_id = $1 GROUP BY e.id ORDER BY e.id`, findingID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list finding examples")
	}
	defer rows.Close()

	var out []model.FindingExample
	for rows.Next() {
		var ex model.FindingExample
		if err := rows.Scan(&ex.ID, &ex.FindingID, &ex.Text, &ex.CreatedAt, &ex.CallIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan finding example")
		}
		out = append(out, ex)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate finding examples")
}

// --- Dead letters ---

func (s *PostgresStore) CreateDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	dl.CreatedAt = time.Now().UTC()
	var payload any
	if len(dl.Payload) > 0 {
		payload = []byte(dl.Payload)
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO dead_letters (job, payload, error, attempts, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		dl.Job, payload, dl.Error, dl.Attempts, dl.CreatedAt,
	).Scan(&dl.ID)
	return eris.Wrap(err, "postgres: insert dead letter")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+deadColumns+` FROM dead_letters ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate dead letters")
}

func (s *PostgresStore) CallStats(ctx context.Context, since time.Time) (*CallStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM calls WHERE created_at >= $1 GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: call stats")
	}
	defer rows.Close()

	stats := &CallStats{ByStatus: make(map[model.CallStatus]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan call stats")
		}
		stats.ByStatus[model.CallStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate call stats")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE created_at >= $1`, since.UTC()).Scan(&stats.DeadLetters)
	return stats, eris.Wrap(err, "postgres: count dead letters")
}

func collectIDs(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
