package pipeline

import (
	"context"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/monitoring"
	"github.com/sells-group/callscore/pkg/bitrix24"
	"github.com/sells-group/callscore/pkg/completion"
	"github.com/sells-group/callscore/pkg/speech2text"
)

// TenantResolver maps webhook tenant keys to organizations.
type TenantResolver interface {
	FindOrganizationByAmoSubdomain(ctx context.Context, subdomain string) (*model.Organization, error)
	FindOrganizationByBitrixDomain(ctx context.Context, domain string) (*model.Organization, error)
}

// Transcriber submits recordings and polls recognition tasks.
type Transcriber interface {
	Submit(ctx context.Context, apiKey, audioURL, lang string, speakers int) (*speech2text.Submission, error)
	Poll(ctx context.Context, apiKey, taskID string) (*speech2text.Submission, error)
}

// Completer sends a prompt to the language model.
type Completer interface {
	Complete(ctx context.Context, apiKey, prompt string) (*completion.Completion, error)
}

// DurationProber measures a recording.
type DurationProber interface {
	Duration(ctx context.Context, url string) (int, error)
}

// CRMRef points at a CRM entity: a contact, lead, company or, for a
// custom CRM, the record the call note came from.
type CRMRef struct {
	EntityType string
	EntityID   string
}

// NoteWriter writes analysis back to one CRM family and reads deal status.
type NoteWriter interface {
	AddNote(ctx context.Context, org *model.Organization, ref CRMRef, text string) error
	EntityStatus(ctx context.Context, org *model.Organization, ref CRMRef) (string, error)
	ActiveDeals(ctx context.Context, org *model.Organization, contact CRMRef, tag string) ([]CRMRef, error)
}

// CallRecordFetcher looks up Bitrix24 telephony statistics.
type CallRecordFetcher interface {
	CallRecord(ctx context.Context, org *model.Organization, callID string) (*bitrix24.CallRecord, error)
}

// Alerter delivers operational alerts.
type Alerter interface {
	SendAlerts(ctx context.Context, alerts []monitoring.Alert) int
}
