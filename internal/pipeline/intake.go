package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/queue"
	"github.com/sells-group/callscore/pkg/amocrm"
	"github.com/sells-group/callscore/pkg/bitrix24"
)

// Webhook acknowledgement statuses.
const (
	AckSuccess = "success"
	AckIgnored = "ignored"
	AckError   = "error"
)

// Ack is the body returned to a CRM webhook.
type Ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func ignored(msg string) Ack { return Ack{Status: AckIgnored, Message: msg} }

// amoNote is the call note selected from an amoCRM webhook form.
type amoNote struct {
	Source      string
	NoteType    string
	ElementID   string
	ElementType string
	NoteID      string
	Text        string
}

// Note sources in priority order. Company notes arrive under the contacts
// prefix and are told apart by element_type 3.
var amoNoteSources = []struct {
	source, prefix, elementType string
}{
	{amoContacts, "contacts[note][0][note]", ""},
	{amoLeads, "leads[note][0][note]", ""},
	{amoCompanies, "contacts[note][0][note]", "3"},
}

// selectAmoNote returns the first call note (note_type 10 incoming or 11
// outgoing) of the form.
func selectAmoNote(form map[string]string) (*amoNote, bool) {
	for _, src := range amoNoteSources {
		noteType := form[src.prefix+"[note_type]"]
		if noteType != "10" && noteType != "11" {
			continue
		}
		elementType := form[src.prefix+"[element_type]"]
		if src.elementType != "" && elementType != src.elementType {
			continue
		}
		return &amoNote{
			Source:      src.source,
			NoteType:    noteType,
			ElementID:   form[src.prefix+"[element_id]"],
			ElementType: elementType,
			NoteID:      form[src.prefix+"[id]"],
			Text:        form[src.prefix+"[text]"],
		}, true
	}
	return nil, false
}

// AcceptAmo validates an amoCRM webhook and queues its intake.
func (p *Pipeline) AcceptAmo(ctx context.Context, form map[string]string) (Ack, error) {
	const source = string(model.SourceAmoCRM)
	subdomain := strings.TrimSpace(form["account[subdomain]"])
	if subdomain == "" {
		p.Metrics.CallReceived(source, "malformed")
		return ignored("account[subdomain] is missing"), nil
	}

	org, err := p.Store.FindOrganizationByAmoSubdomain(ctx, subdomain)
	if errors.Is(err, model.ErrUnknownTenant) {
		zap.L().Warn("pipeline: webhook from unknown amoCRM account", zap.String("subdomain", subdomain))
		p.Metrics.CallReceived(source, "unknown_tenant")
		return ignored(fmt.Sprintf("subdomain %q is not registered", subdomain)), nil
	}
	if err != nil {
		return Ack{}, eris.Wrap(err, "pipeline: resolve amoCRM tenant")
	}
	if org.TrialExpired(p.Now()) {
		p.Metrics.CallReceived(source, "trial_expired")
		return Ack{Status: AckError, Message: "trial expired"}, nil
	}

	if _, ok := selectAmoNote(form); !ok {
		p.Metrics.CallReceived(source, "not_a_call")
		return ignored("note is not a call recording"), nil
	}

	if err := p.Queue.Submit(ctx, JobIntakeAmo, AmoIntakeJob{Form: form}); err != nil {
		return Ack{}, err
	}
	p.Metrics.CallReceived(source, "queued")
	return Ack{Status: AckSuccess, Message: "queued"}, nil
}

// bitrixField reads a Bitrix24 outbound webhook field, which may arrive
// nested under data[...] or at the top level.
func bitrixField(fields map[string]string, name string) string {
	if v := fields["data["+name+"]"]; v != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(fields[name])
}

// portalName returns the first label of a portal domain
// ("acme.bitrix24.ru" is "acme").
func portalName(domain string) string {
	domain = strings.TrimSpace(domain)
	if i := strings.IndexByte(domain, '.'); i >= 0 {
		return domain[:i]
	}
	return domain
}

// AcceptBitrix stores a Bitrix24 call and schedules the lookup of its
// recording. The recording is usually not ready when the webhook fires.
func (p *Pipeline) AcceptBitrix(ctx context.Context, fields map[string]string) (Ack, error) {
	const source = string(model.SourceBitrix24)
	callID := bitrixField(fields, "CALL_ID")
	domain := portalName(fields["auth[domain]"])
	if callID == "" || domain == "" {
		p.Metrics.CallReceived(source, "malformed")
		return ignored("CALL_ID or auth[domain] is missing"), nil
	}

	org, err := p.Store.FindOrganizationByBitrixDomain(ctx, domain)
	if errors.Is(err, model.ErrUnknownTenant) {
		zap.L().Warn("pipeline: webhook from unknown Bitrix24 portal", zap.String("domain", domain))
		p.Metrics.CallReceived(source, "unknown_tenant")
		return ignored(fmt.Sprintf("domain %q is not registered", domain)), nil
	}
	if err != nil {
		return Ack{}, eris.Wrap(err, "pipeline: resolve Bitrix24 tenant")
	}
	if org.TrialExpired(p.Now()) {
		p.Metrics.CallReceived(source, "trial_expired")
		return Ack{Status: AckError, Message: "trial expired"}, nil
	}

	duration, _ := strconv.Atoi(bitrixField(fields, "CALL_DURATION"))
	direction := model.DirectionOutgoing
	if bitrix24.Incoming(bitrixField(fields, "CALL_TYPE")) {
		direction = model.DirectionIncoming
	}
	raw, _ := json.Marshal(fields)
	call := &model.Call{
		OrganizationID: org.ID,
		Source:         model.SourceBitrix24,
		SourceID:       callID,
		RawPayload:     raw,
		Duration:       duration,
		Direction:      direction,
	}

	proceed, err := p.admit(ctx, org, call)
	if err != nil {
		return Ack{}, err
	}
	if !proceed {
		p.Metrics.CallReceived(source, "ignored")
		return ignored("call is too short or already received"), nil
	}

	job := BitrixIntakeJob{CallID: call.ID, Attempt: 1}
	if err := p.Queue.Submit(ctx, JobIntakeBitrix, job, queue.WithDelay(p.cfg.BitrixShortDelay)); err != nil {
		return Ack{}, err
	}
	p.Metrics.CallReceived(source, "queued")
	return Ack{Status: AckSuccess, Message: "queued"}, nil
}

// admit stores a new call and applies the duration guard. It reports
// whether the call should continue through the pipeline; duplicates and
// short calls stop here.
func (p *Pipeline) admit(ctx context.Context, org *model.Organization, call *model.Call) (bool, error) {
	created, err := p.Store.CreateCall(ctx, call)
	if err != nil {
		return false, err
	}
	log := callLogger(call)
	if !created {
		log.Info("pipeline: duplicate webhook, call already stored", zap.String("status", string(call.Status)))
		return false, nil
	}

	if call.Duration < org.MinDuration() {
		if _, err := p.advance(ctx, call, model.CallIgnored); err != nil {
			return false, err
		}
		log.Info("pipeline: call ignored, too short",
			zap.Int("duration", call.Duration), zap.Int("min", org.MinDuration()))
		return false, nil
	}

	ok, err := p.advance(ctx, call, model.CallDurationChecked)
	return ok, err
}

// noteParams are the fields amoCRM telephony integrations put in the call
// note text.
type noteParams struct {
	Link      string
	Phone     string
	CreatedBy string
	Direction string
}

func parseNoteParams(text string) (noteParams, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return noteParams{}, eris.Wrapf(model.ErrMalformedPayload, "note text: %v", err)
	}
	phone, _, _ := strings.Cut(stringValue(m["PHONE"]), ",")
	return noteParams{
		Link:      stringValue(m["LINK"]),
		Phone:     strings.TrimSpace(phone),
		CreatedBy: stringValue(m["created_by"]),
		Direction: strings.ToLower(stringValue(m["DIRECTION"])),
	}, nil
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// handleAmoIntake turns a queued amoCRM webhook into a stored call.
func (p *Pipeline) handleAmoIntake(ctx context.Context, job AmoIntakeJob) error {
	form := job.Form
	org, err := p.Store.FindOrganizationByAmoSubdomain(ctx, form["account[subdomain]"])
	if errors.Is(err, model.ErrUnknownTenant) {
		zap.L().Warn("pipeline: amoCRM intake for unknown account", zap.String("subdomain", form["account[subdomain]"]))
		return nil
	}
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(form)

	if org.CustomCRM {
		return p.amoCustomIntake(ctx, org, form, raw)
	}

	note, ok := selectAmoNote(form)
	if !ok {
		return nil
	}
	if note.ElementID == "" || note.NoteID == "" || note.Text == "" {
		zap.L().Warn("pipeline: amoCRM note is incomplete",
			zap.Int64("org_id", org.ID), zap.String("note_id", note.NoteID))
		return nil
	}
	params, err := parseNoteParams(note.Text)
	if err != nil {
		zap.L().Warn("pipeline: amoCRM note text is not JSON",
			zap.Int64("org_id", org.ID), zap.String("note_id", note.NoteID), zap.Error(err))
		return nil
	}

	entity, ok := amocrm.EntityForElementType(note.ElementType)
	if !ok {
		entity = note.Source
	}
	call := &model.Call{
		OrganizationID: org.ID,
		Source:         model.SourceAmoCRM,
		SourceID:       note.NoteID,
		RawPayload:     raw,
		AudioURL:       params.Link,
		Duration:       p.probe(ctx, params.Link),
		Direction:      p.amoDirection(ctx, org, entity, note),
		EntityType:     entity,
		EntityID:       note.ElementID,
		ClientPhone:    params.Phone,
		ManagerID:      p.managerID(ctx, org.ID, params.CreatedBy),
	}

	proceed, err := p.admit(ctx, org, call)
	if err != nil || !proceed {
		return err
	}

	p.resolveAmoDeal(ctx, org, call, note)
	return p.queueTranscription(ctx, call)
}

// amoCustomIntake handles organizations whose amoCRM notes are produced by
// their own CRM; write-back goes to that CRM keyed by the note id.
func (p *Pipeline) amoCustomIntake(ctx context.Context, org *model.Organization, form map[string]string, raw []byte) error {
	const prefix = "contacts[note][0][note]"
	noteID := form[prefix+"[id]"]
	params, err := parseNoteParams(form[prefix+"[text]"])
	if err != nil {
		zap.L().Warn("pipeline: custom CRM note text is not JSON",
			zap.Int64("org_id", org.ID), zap.String("note_id", noteID), zap.Error(err))
	}

	direction := model.DirectionOutgoing
	if params.Direction == "incoming" {
		direction = model.DirectionIncoming
	}
	call := &model.Call{
		OrganizationID: org.ID,
		Source:         model.SourceAmoCRMCustom,
		SourceID:       noteID,
		RawPayload:     raw,
		AudioURL:       params.Link,
		Duration:       p.probe(ctx, params.Link),
		Direction:      direction,
		EntityType:     "notes",
		EntityID:       noteID,
		ClientPhone:    params.Phone,
		ManagerID:      p.managerID(ctx, org.ID, params.CreatedBy),
	}

	proceed, err := p.admit(ctx, org, call)
	if err != nil || !proceed {
		return err
	}
	return p.queueTranscription(ctx, call)
}

// probe measures the recording, treating any failure as zero length.
func (p *Pipeline) probe(ctx context.Context, url string) int {
	if url == "" || p.Prober == nil {
		return 0
	}
	seconds, err := p.Prober.Duration(ctx, url)
	if err != nil {
		zap.L().Warn("pipeline: audio duration probe failed", zap.String("url", url), zap.Error(err))
		return 0
	}
	return seconds
}

// amoDirection asks amoCRM for the note type; call_in means inbound.
func (p *Pipeline) amoDirection(ctx context.Context, org *model.Organization, entity string, note *amoNote) model.Direction {
	if p.Amo == nil {
		return model.DirectionOutgoing
	}
	n, err := guarded(ctx, p, svcAmo, "get note", func(ctx context.Context) (*amocrm.Note, error) {
		return p.Amo.Note(ctx, amoAccount(org), entity, note.ElementID, note.NoteID)
	})
	if err != nil {
		zap.L().Debug("pipeline: amoCRM note lookup failed", zap.String("note_id", note.NoteID), zap.Error(err))
		return model.DirectionOutgoing
	}
	if n.Incoming() {
		return model.DirectionIncoming
	}
	return model.DirectionOutgoing
}

func (p *Pipeline) managerID(ctx context.Context, orgID int64, crmUserID string) *int64 {
	if crmUserID == "" {
		return nil
	}
	m, err := p.Store.FindManager(ctx, orgID, crmUserID)
	if err != nil {
		zap.L().Warn("pipeline: manager lookup failed", zap.String("crm_user_id", crmUserID), zap.Error(err))
		return nil
	}
	if m == nil {
		return nil
	}
	return &m.ID
}

// resolveAmoDeal links the call to its deal and records the contact that
// write-back notes go to. A contact note resolves to the contact's newest
// open lead; a lead note resolves to the lead and its first contact.
// Failures are logged; the call continues without a deal.
func (p *Pipeline) resolveAmoDeal(ctx context.Context, org *model.Organization, call *model.Call, note *amoNote) {
	if p.Amo == nil {
		return
	}
	log := callLogger(call)
	acct := amoAccount(org)

	var lead *amocrm.Lead
	var err error
	switch note.ElementType {
	case "1":
		call.ContactID = note.ElementID
		lead, err = guarded(ctx, p, svcAmo, "latest active lead", func(ctx context.Context) (*amocrm.Lead, error) {
			return p.Amo.LatestActiveLead(ctx, acct, note.ElementID)
		})
	case "2":
		lead, err = guarded(ctx, p, svcAmo, "get lead", func(ctx context.Context) (*amocrm.Lead, error) {
			return p.Amo.Lead(ctx, acct, note.ElementID)
		})
		if lead != nil && lead.FirstContactID() != 0 {
			call.ContactID = strconv.FormatInt(lead.FirstContactID(), 10)
		}
	default:
		return
	}
	if err != nil && !errors.Is(err, amocrm.ErrNotFound) {
		log.Warn("pipeline: amoCRM deal lookup failed", zap.Error(err))
	}

	if call.ContactID != "" {
		if err := p.Store.UpdateCallDetails(ctx, call.ID, detailsOf(call)); err != nil {
			log.Warn("pipeline: store call contact", zap.Error(err))
		}
	}
	if lead == nil {
		return
	}

	status, err := guarded(ctx, p, svcAmo, "status name", func(ctx context.Context) (string, error) {
		return p.Amo.StatusName(ctx, acct, lead.StatusID)
	})
	if err != nil {
		log.Warn("pipeline: amoCRM status lookup failed", zap.Int64("lead_id", lead.ID), zap.Error(err))
		status = fmt.Sprintf("Неизвестный статус (%d)", lead.StatusID)
	}
	p.linkDeal(ctx, call, &model.DealStage{
		OrganizationID: org.ID,
		CRM:            model.CRMAmo,
		DealID:         strconv.FormatInt(lead.ID, 10),
		DealType:       model.DealFirst,
		Status:         status,
	})
}

func (p *Pipeline) linkDeal(ctx context.Context, call *model.Call, deal *model.DealStage) {
	log := callLogger(call)
	if err := p.Store.UpsertDealStage(ctx, deal); err != nil {
		log.Warn("pipeline: upsert deal stage", zap.String("deal_id", deal.DealID), zap.Error(err))
		return
	}
	if err := p.Store.LinkDealStage(ctx, call.ID, deal.ID); err != nil {
		log.Warn("pipeline: link deal stage", zap.String("deal_id", deal.DealID), zap.Error(err))
	}
}

func (p *Pipeline) queueTranscription(ctx context.Context, call *model.Call) error {
	if call.AudioURL == "" {
		p.fail(ctx, call, "no audio link")
		return nil
	}
	return p.Queue.Submit(ctx, JobTranscribe, CallJob{CallID: call.ID})
}

// handleBitrixIntake fetches the recording of a Bitrix24 call, retrying
// until the portal has it or the attempt budget runs out.
func (p *Pipeline) handleBitrixIntake(ctx context.Context, job BitrixIntakeJob) error {
	call, err := p.Store.GetCall(ctx, job.CallID)
	if err != nil {
		return err
	}
	log := callLogger(call).With(zap.Int("attempt", job.Attempt))
	if call.Status != model.CallDurationChecked {
		log.Debug("pipeline: bitrix intake skipped", zap.String("status", string(call.Status)))
		return nil
	}
	org, err := p.Store.GetOrganization(ctx, call.OrganizationID)
	if err != nil {
		return err
	}
	if org.BitrixStatKey == "" {
		p.fail(ctx, call, "bitrix statistics webhook key not configured")
		return nil
	}

	rec, err := guarded(ctx, p, svcBitrix, "call record", func(ctx context.Context) (*bitrix24.CallRecord, error) {
		return p.Bitrix.CallRecord(ctx, org, call.SourceID)
	})
	if err != nil || rec == nil || rec.RecordURL == "" {
		reason := "recording not ready"
		if err != nil {
			reason = err.Error()
		}
		return p.retryBitrixIntake(ctx, call, job, reason)
	}

	call.AudioURL = rec.RecordURL
	if d := rec.Duration.Int(); d > 0 {
		call.Duration = d
	}
	if ct := string(rec.CallType); ct != "" {
		call.Direction = model.DirectionOutgoing
		if bitrix24.Incoming(ct) {
			call.Direction = model.DirectionIncoming
		}
	}
	call.EntityType = rec.EntityType
	call.EntityID = string(rec.EntityID)
	call.ClientPhone = rec.PhoneNumber
	call.ManagerID = p.managerID(ctx, org.ID, string(rec.PortalUserID))
	if err := p.Store.UpdateCallDetails(ctx, call.ID, detailsOf(call)); err != nil {
		return err
	}

	if strings.EqualFold(call.EntityType, "LEAD") && call.EntityID != "" && p.BitrixNotes != nil {
		status, err := guarded(ctx, p, svcBitrix, "lead status", func(ctx context.Context) (string, error) {
			return p.BitrixNotes.EntityStatus(ctx, org, CRMRef{EntityType: call.EntityType, EntityID: call.EntityID})
		})
		if err != nil {
			log.Warn("pipeline: bitrix lead status lookup failed", zap.Error(err))
		} else {
			p.linkDeal(ctx, call, &model.DealStage{
				OrganizationID: org.ID,
				CRM:            model.CRMBitrix24,
				DealID:         call.EntityID,
				DealType:       model.DealFirst,
				Status:         status,
			})
		}
	}

	return p.queueTranscription(ctx, call)
}

func (p *Pipeline) retryBitrixIntake(ctx context.Context, call *model.Call, job BitrixIntakeJob, reason string) error {
	log := callLogger(call).With(zap.Int("attempt", job.Attempt))
	if job.Attempt >= p.cfg.BitrixMaxAttempts {
		p.fail(ctx, call, "bitrix recording unavailable: "+reason)
		p.deadLetter(ctx, JobIntakeBitrix, job, job.Attempt, reason)
		return nil
	}
	delay := p.cfg.BitrixLongDelay
	if job.Attempt < p.cfg.BitrixShortAttempts {
		delay = p.cfg.BitrixShortDelay
	}
	log.Debug("pipeline: bitrix recording not ready, retrying",
		zap.String("reason", reason), zap.Duration("delay", delay))
	next := BitrixIntakeJob{CallID: call.ID, Attempt: job.Attempt + 1}
	return p.Queue.Submit(ctx, JobIntakeBitrix, next, queue.WithDelay(delay))
}
