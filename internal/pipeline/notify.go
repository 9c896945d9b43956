package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/parser"
)

const summaryHeading = "**Саммари:**\n\n"

// composeAmoNote builds the amoCRM note body for the organization's comment
// type. It returns "" when there is nothing to write.
func composeAmoNote(t model.CommentType, analytics, summary string) string {
	switch t {
	case model.CommentSummary:
		if summary == "" {
			return ""
		}
		return summaryHeading + summary
	case model.CommentBoth:
		if summary == "" {
			return analytics
		}
		return analytics + "\n\n" + summaryHeading + summary
	default:
		return analytics
	}
}

// handleNotify writes the latest analysis of a call back to its CRM. The
// call is marked crm_notified before writing so a redelivered job does not
// post the note twice; write failures are logged and never retried.
func (p *Pipeline) handleNotify(ctx context.Context, job CallJob) error {
	call, err := p.Store.GetCall(ctx, job.CallID)
	if err != nil {
		return err
	}
	log := callLogger(call)
	if call.Status != model.CallAnalyzed && call.Status != model.CallCriteriaExtracted {
		log.Debug("pipeline: notify skipped", zap.String("status", string(call.Status)))
		return nil
	}
	ok, err := p.advance(ctx, call, model.CallCRMNotified)
	if err != nil || !ok {
		return err
	}

	org, err := p.Store.GetOrganization(ctx, call.OrganizationID)
	if err != nil {
		return err
	}
	if !org.SendCommentsToCRM {
		log.Debug("pipeline: CRM comments disabled for organization")
		return nil
	}
	result, err := p.Store.LatestAnalysis(ctx, call.ID)
	if err != nil {
		log.Warn("pipeline: no analysis to write back", zap.Error(err))
		return nil
	}

	notes := p.notesFor(org, call)
	if notes == nil {
		log.Warn("pipeline: no CRM adapter configured")
		return nil
	}

	switch {
	case call.Source == model.SourceBitrix24:
		ref := CRMRef{EntityType: call.EntityType, EntityID: call.EntityID}
		p.writeNote(ctx, svcBitrix, notes, org, call, ref, parser.BitrixComment(result.Answer))

	case org.CustomCRM || call.Source == model.SourceAmoCRMCustom:
		id := call.ContactID
		if call.Source == model.SourceAmoCRMCustom {
			id = call.SourceID
		}
		ref := CRMRef{EntityType: call.EntityType, EntityID: id}
		p.writeNote(ctx, svcCustomCRM, notes, org, call, ref, strings.TrimSpace(result.Answer))

	default:
		p.notifyAmo(ctx, notes, org, call, result)
	}
	return nil
}

// notifyAmo writes the composed note to the call's contact (or its entity
// when no contact is known) and, when the organization asks for it, the
// summary to every open tagged deal of that contact.
func (p *Pipeline) notifyAmo(ctx context.Context, notes NoteWriter, org *model.Organization, call *model.Call, result *model.AnalysisResult) {
	log := callLogger(call)
	ref := CRMRef{EntityType: amoContacts, EntityID: call.ContactID}
	if call.ContactID == "" {
		ref = CRMRef{EntityType: call.EntityType, EntityID: call.EntityID}
	}
	if text := composeAmoNote(org.CommentType, result.Analytics, result.Summary); text != "" {
		p.writeNote(ctx, svcAmo, notes, org, call, ref, text)
	}

	if !org.SummaryToLead || result.Summary == "" || call.ContactID == "" {
		return
	}
	deals, err := guarded(ctx, p, svcAmo, "active deals", func(ctx context.Context) ([]CRMRef, error) {
		return notes.ActiveDeals(ctx, org, ref, org.SummaryLeadTag)
	})
	if err != nil {
		log.Warn("pipeline: list active deals", zap.Error(err))
		return
	}
	for _, deal := range deals {
		p.writeNote(ctx, svcAmo, notes, org, call, deal, summaryHeading+result.Summary)
	}
}

func (p *Pipeline) writeNote(ctx context.Context, service string, notes NoteWriter, org *model.Organization, call *model.Call, ref CRMRef, text string) {
	log := callLogger(call).With(zap.String("entity_type", ref.EntityType), zap.String("entity_id", ref.EntityID))
	if ref.EntityID == "" || text == "" {
		log.Debug("pipeline: nothing to write back")
		return
	}
	err := guardedDo(ctx, p, service, "add note", func(ctx context.Context) error {
		return notes.AddNote(ctx, org, ref, text)
	})
	if err != nil {
		log.Error("pipeline: CRM write-back failed", zap.Error(err))
		return
	}
	log.Info("pipeline: CRM note written", zap.Int("chars", len([]rune(text))))
}
