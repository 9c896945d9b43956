package pipeline

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/pkg/amocrm"
)

// RefreshDeals re-reads the status of every known deal from its CRM. A
// deal whose lookup fails keeps its last status.
func (p *Pipeline) RefreshDeals(ctx context.Context) error {
	orgs, err := p.Store.ListOrganizations(ctx)
	if err != nil {
		return err
	}
	var updated, failed int
	for i := range orgs {
		org := &orgs[i]
		deals, err := p.Store.ListDealStages(ctx, org.ID)
		if err != nil {
			return err
		}
		for j := range deals {
			if err := ctx.Err(); err != nil {
				return err
			}
			changed, err := p.refreshDeal(ctx, org, &deals[j])
			if err != nil {
				failed++
				zap.L().Warn("pipeline: refresh deal",
					zap.Int64("org_id", org.ID),
					zap.String("deal_id", deals[j].DealID),
					zap.Error(err),
				)
				continue
			}
			if changed {
				updated++
			}
		}
	}
	zap.L().Info("pipeline: deal stages refreshed",
		zap.Int("organizations", len(orgs)),
		zap.Int("updated", updated),
		zap.Int("failed", failed),
	)
	return nil
}

func (p *Pipeline) refreshDeal(ctx context.Context, org *model.Organization, deal *model.DealStage) (bool, error) {
	var notes NoteWriter
	var service, entity string
	switch deal.CRM {
	case model.CRMBitrix24:
		notes, service, entity = p.BitrixNotes, svcBitrix, "LEAD"
	default:
		if org.CustomCRM {
			return false, nil
		}
		notes, service, entity = p.AmoNotes, svcAmo, amoLeads
	}
	if notes == nil {
		return false, nil
	}
	status, err := guarded(ctx, p, service, "deal status", func(ctx context.Context) (string, error) {
		return notes.EntityStatus(ctx, org, CRMRef{EntityType: entity, EntityID: deal.DealID})
	})
	if err != nil {
		return false, err
	}
	if status == "" || status == deal.Status {
		return false, nil
	}
	deal.Status = status
	return true, p.Store.UpsertDealStage(ctx, deal)
}

// SyncManagers stores every active amoCRM user of an organization as a
// manager. It returns how many were written.
func (p *Pipeline) SyncManagers(ctx context.Context, orgID int64) (int, error) {
	org, err := p.Store.GetOrganization(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if org.AmoSubdomain == "" || org.AmoToken == "" {
		return 0, eris.Wrapf(model.ErrValidation, "organization %d has no amoCRM credentials", orgID)
	}
	if p.Amo == nil {
		return 0, eris.New("pipeline: amoCRM client not configured")
	}
	users, err := guarded(ctx, p, svcAmo, "list users", func(ctx context.Context) ([]amocrm.User, error) {
		return p.Amo.Users(ctx, amoAccount(org))
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range users {
		if !u.Rights.IsActive {
			continue
		}
		m := &model.Manager{
			OrganizationID: org.ID,
			CRMUserID:      strconv.FormatInt(u.ID, 10),
			FullName:       u.Name,
		}
		if err := p.Store.UpsertManager(ctx, m); err != nil {
			return n, err
		}
		n++
	}
	zap.L().Info("pipeline: managers synced", zap.Int64("org_id", org.ID), zap.Int("count", n))
	return n, nil
}
