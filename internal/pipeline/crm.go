package pipeline

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/pkg/amocrm"
	"github.com/sells-group/callscore/pkg/bitrix24"
	"github.com/sells-group/callscore/pkg/customcrm"
)

// ErrNoDealStatus is returned by write-back adapters whose CRM cannot report
// a deal's status.
var ErrNoDealStatus = eris.New("pipeline: CRM does not report deal status")

// Entity types used in CRMRef for amoCRM.
const (
	amoContacts  = "contacts"
	amoLeads     = "leads"
	amoCompanies = "companies"
)

func amoAccount(org *model.Organization) amocrm.Account {
	return amocrm.Account{Subdomain: org.AmoSubdomain, Token: org.AmoToken}
}

func bitrixAccount(org *model.Organization) bitrix24.Account {
	return bitrix24.Account{
		Domain:     org.BitrixDomain,
		AdminID:    org.BitrixAdminID,
		StatKey:    org.BitrixStatKey,
		CommentKey: org.BitrixCommentKey,
		LeadsKey:   org.BitrixLeadsKey,
	}
}

// AmoNotes writes notes to amoCRM contacts and leads.
type AmoNotes struct {
	Client amocrm.Client
}

func (a AmoNotes) AddNote(ctx context.Context, org *model.Organization, ref CRMRef, text string) error {
	if org.AmoToken == "" {
		return eris.Errorf("amocrm: organization %d has no token", org.ID)
	}
	return a.Client.AddNote(ctx, amoAccount(org), ref.EntityType, ref.EntityID, text)
}

// EntityStatus returns the status name of a lead.
func (a AmoNotes) EntityStatus(ctx context.Context, org *model.Organization, ref CRMRef) (string, error) {
	lead, err := a.Client.Lead(ctx, amoAccount(org), ref.EntityID)
	if err != nil {
		return "", err
	}
	return a.Client.StatusName(ctx, amoAccount(org), lead.StatusID)
}

func (a AmoNotes) ActiveDeals(ctx context.Context, org *model.Organization, contact CRMRef, tag string) ([]CRMRef, error) {
	leads, err := a.Client.ActiveLeads(ctx, amoAccount(org), contact.EntityID, tag)
	if err != nil {
		return nil, err
	}
	refs := make([]CRMRef, 0, len(leads))
	for _, l := range leads {
		refs = append(refs, CRMRef{EntityType: amoLeads, EntityID: strconv.FormatInt(l.ID, 10)})
	}
	return refs, nil
}

// BitrixNotes writes timeline comments to Bitrix24 and reads lead status.
type BitrixNotes struct {
	Client bitrix24.Client
}

func (b BitrixNotes) AddNote(ctx context.Context, org *model.Organization, ref CRMRef, text string) error {
	return b.Client.AddComment(ctx, bitrixAccount(org), ref.EntityType, ref.EntityID, text)
}

func (b BitrixNotes) EntityStatus(ctx context.Context, org *model.Organization, ref CRMRef) (string, error) {
	return b.Client.LeadStatus(ctx, bitrixAccount(org), ref.EntityID)
}

// ActiveDeals is not used for Bitrix24; comments go to the call's entity.
func (BitrixNotes) ActiveDeals(context.Context, *model.Organization, CRMRef, string) ([]CRMRef, error) {
	return nil, nil
}

// CallRecord implements CallRecordFetcher.
func (b BitrixNotes) CallRecord(ctx context.Context, org *model.Organization, callID string) (*bitrix24.CallRecord, error) {
	return b.Client.CallRecord(ctx, bitrixAccount(org), callID)
}

// CustomNotes sends notes to an organization's own CRM.
type CustomNotes struct {
	Client customcrm.Client
}

func (c CustomNotes) AddNote(ctx context.Context, _ *model.Organization, ref CRMRef, text string) error {
	return c.Client.AddNote(ctx, ref.EntityID, text)
}

func (CustomNotes) EntityStatus(context.Context, *model.Organization, CRMRef) (string, error) {
	return "", ErrNoDealStatus
}

func (CustomNotes) ActiveDeals(context.Context, *model.Organization, CRMRef, string) ([]CRMRef, error) {
	return nil, nil
}
