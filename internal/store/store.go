// Package store persists organizations, calls and everything derived from
// them. PostgresStore is the production backend; SQLiteStore backs tests
// and single-node deployments.
package store

import (
	"context"
	"time"

	"github.com/sells-group/callscore/internal/model"
)

// CallTranscript pairs a call id with its finished transcript.
type CallTranscript struct {
	CallID     int64
	Transcript string
	CreatedAt  time.Time
}

// CallStats counts calls by status and dead letters created since a cutoff.
type CallStats struct {
	ByStatus    map[model.CallStatus]int
	DeadLetters int
}

// CallDetails are the call fields filled in after intake (Bitrix24 record
// lookup, CRM entity resolution).
type CallDetails struct {
	AudioURL    string
	Duration    int
	Direction   model.Direction
	EntityType  string
	EntityID    string
	ContactID   string
	ClientPhone string
	ManagerID   *int64
}

// Store defines the persistence interface for the call-scoring pipeline.
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *model.Organization) error
	GetOrganization(ctx context.Context, id int64) (*model.Organization, error)
	FindOrganizationByAmoSubdomain(ctx context.Context, subdomain string) (*model.Organization, error)
	FindOrganizationByBitrixDomain(ctx context.Context, domain string) (*model.Organization, error)
	ListOrganizations(ctx context.Context) ([]model.Organization, error)
	AddAudioDuration(ctx context.Context, orgID int64, seconds int64) error

	// Managers
	UpsertManager(ctx context.Context, m *model.Manager) error
	FindManager(ctx context.Context, orgID int64, crmUserID string) (*model.Manager, error)

	// Prompts and criteria
	CreatePrompt(ctx context.Context, p *model.Prompt) error
	GetPrompt(ctx context.Context, id int64) (*model.Prompt, error)
	LatestPrompt(ctx context.Context, orgID int64) (*model.Prompt, error)
	SetCriteriaLabel(ctx context.Context, label model.CriteriaLabel) error
	ActivePositions(ctx context.Context, orgID int64) (map[int]bool, error)
	CreateObjection(ctx context.Context, o *model.Objection) error
	DeleteObjection(ctx context.Context, id int64) error
	ListObjections(ctx context.Context, orgID int64, includeDeleted bool) ([]model.Objection, error)

	// Calls
	CreateCall(ctx context.Context, call *model.Call) (created bool, err error)
	GetCall(ctx context.Context, id int64) (*model.Call, error)
	UpdateCallDetails(ctx context.Context, id int64, d CallDetails) error
	AdvanceCall(ctx context.Context, id int64, from, to model.CallStatus) (bool, error)
	FailCall(ctx context.Context, id int64, reason string) error
	ExistingCallIDs(ctx context.Context, orgID int64, ids []int64) ([]int64, error)
	WeekTranscripts(ctx context.Context, orgID int64, from, to time.Time) ([]CallTranscript, error)

	// Transcription
	CreateTranscriptionTask(ctx context.Context, t *model.TranscriptionTask) error
	GetTranscriptionTask(ctx context.Context, id int64) (*model.TranscriptionTask, error)
	TranscriptionForCall(ctx context.Context, callID int64) (*model.TranscriptionTask, error)
	UpdateTranscriptionTask(ctx context.Context, t *model.TranscriptionTask) error
	ListPendingTranscriptions(ctx context.Context, olderThan time.Time) ([]model.TranscriptionTask, error)

	// Analysis
	CreateAnalysisResult(ctx context.Context, r *model.AnalysisResult) error
	LatestAnalysis(ctx context.Context, callID int64) (*model.AnalysisResult, error)
	ListAnalysisResults(ctx context.Context, afterID int64, limit int) ([]model.AnalysisResult, error)
	GetCriteriaScores(ctx context.Context, callID int64) (*model.CriteriaScores, error)
	UpsertCriteriaScores(ctx context.Context, scores model.CriteriaScores) error

	// Deals
	UpsertDealStage(ctx context.Context, d *model.DealStage) error
	LinkDealStage(ctx context.Context, callID, dealStageID int64) error
	ListDealStages(ctx context.Context, orgID int64) ([]model.DealStage, error)
	CallDealStages(ctx context.Context, callID int64) ([]model.DealStage, error)

	// Weekly reports
	EnsureReport(ctx context.Context, r *model.WeeklyReport) (*model.WeeklyReport, error)
	DeactivateReports(ctx context.Context, orgID int64, kind model.ReportKind, keepWeekStart time.Time) (int64, error)
	GetReport(ctx context.Context, id int64) (*model.WeeklyReport, error)
	ActiveReport(ctx context.Context, orgID int64, kind model.ReportKind) (*model.WeeklyReport, error)
	ListFindings(ctx context.Context, reportID int64) ([]model.Finding, error)
	UpsertFinding(ctx context.Context, reportID int64, title string, frequency int) (*model.Finding, error)
	AddFindingExample(ctx context.Context, ex *model.FindingExample) error
	ListFindingExamples(ctx context.Context, findingID int64) ([]model.FindingExample, error)

	// Dead letters
	CreateDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)

	// Monitoring
	CallStats(ctx context.Context, since time.Time) (*CallStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
