package model

import "time"

// CommentType selects which parts of an analysis are written back to the CRM.
type CommentType int

const (
	CommentAnalytics CommentType = 1 // analytics section only
	CommentSummary   CommentType = 2 // summary section only
	CommentBoth      CommentType = 3
)

// DefaultMinimalCallLength is the minimum call duration, in seconds, that is
// worth transcribing when an organization does not override it.
const DefaultMinimalCallLength = 30

// Organization is the tenant root. Every other record belongs to exactly one.
type Organization struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`

	AmoSubdomain string `json:"amo_subdomain,omitempty"`
	AmoToken     string `json:"-"`

	BitrixDomain     string `json:"bitrix_domain,omitempty"`
	BitrixAdminID    string `json:"bitrix_admin_id,omitempty"`
	BitrixStatKey    string `json:"-"`
	BitrixCommentKey string `json:"-"`
	BitrixLeadsKey   string `json:"-"`

	TranscriptionKey string `json:"-"`
	CompletionKey    string `json:"-"`

	SendCommentsToCRM bool        `json:"send_comments_to_crm"`
	CustomCRM         bool        `json:"custom_crm"`
	MinimalCallLength int         `json:"minimal_call_length"`
	CommentType       CommentType `json:"comment_type"`
	SummaryToLead     bool        `json:"summary_to_lead"`
	SummaryLeadTag    string      `json:"summary_lead_tag,omitempty"`

	TrialExpiresAt     *time.Time `json:"trial_expires_at,omitempty"`
	TotalAudioDuration int64      `json:"total_audio_duration"`
	CreatedAt          time.Time  `json:"created_at"`
}

// MinDuration returns the organization's minimum call length, falling back to
// DefaultMinimalCallLength when unset.
func (o *Organization) MinDuration() int {
	if o.MinimalCallLength > 0 {
		return o.MinimalCallLength
	}
	return DefaultMinimalCallLength
}

// TrialExpired reports whether the organization's trial ended before now.
// Organizations without a trial date never expire.
func (o *Organization) TrialExpired(now time.Time) bool {
	return o.TrialExpiresAt != nil && o.TrialExpiresAt.Before(now)
}

// Manager is a CRM user who places or receives calls.
type Manager struct {
	ID             int64  `json:"id"`
	OrganizationID int64  `json:"organization_id"`
	CRMUserID      string `json:"crm_user_id"`
	FullName       string `json:"full_name"`
}

// Prompt is an analysis prompt. The most recently created prompt of an
// organization is its default.
type Prompt struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	Name           string    `json:"name"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// CriteriaLabel names one of the seven scoring positions for an organization.
// Only positions with a label are written when scores are extracted.
type CriteriaLabel struct {
	OrganizationID int64  `json:"organization_id"`
	Position       int    `json:"position"`
	Label          string `json:"label"`
}

// Objection is a catalog entry of client objections. Deleted entries are kept.
type Objection struct {
	ID             int64  `json:"id"`
	OrganizationID int64  `json:"organization_id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Deleted        bool   `json:"deleted"`
}
