package pipeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callscore/internal/model"
	"github.com/sells-group/callscore/internal/queue"
	"github.com/sells-group/callscore/internal/store"
	"github.com/sells-group/callscore/pkg/amocrm"
	"github.com/sells-group/callscore/pkg/bitrix24"
	"github.com/sells-group/callscore/pkg/completion"
	"github.com/sells-group/callscore/pkg/speech2text"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTranscriber struct {
	mu        sync.Mutex
	submits   int
	polls     int
	pendingTo int // polls answered pending before done; -1 never finishes
	text      string
	pollErr   error
}

func (f *fakeTranscriber) Submit(_ context.Context, _, _, _ string, _ int) (*speech2text.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return &speech2text.Submission{TaskID: "task-1", State: speech2text.StatePending}, nil
}

func (f *fakeTranscriber) Poll(_ context.Context, _, taskID string) (*speech2text.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.pendingTo < 0 || f.polls <= f.pendingTo {
		return &speech2text.Submission{TaskID: taskID, State: speech2text.StatePending}, nil
	}
	return &speech2text.Submission{TaskID: taskID, State: speech2text.StateDone, Text: f.text, ResultLink: "https://stt/result"}, nil
}

type fakeCompleter struct {
	mu      sync.Mutex
	prompts []string
	answer  string
	err     error
}

func (f *fakeCompleter) Complete(_ context.Context, _, prompt string) (*completion.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &completion.Completion{Text: f.answer, Raw: `{"raw":true}`, TokensUsed: 321}, nil
}

// brokenTaskStore fails every transcription task insert.
type brokenTaskStore struct {
	store.Store
}

func (brokenTaskStore) CreateTranscriptionTask(context.Context, *model.TranscriptionTask) error {
	return eris.New("disk full")
}

type fakeProber struct{ seconds int }

func (f fakeProber) Duration(context.Context, string) (int, error) { return f.seconds, nil }

type amoNoteWrite struct {
	Entity, EntityID, Text string
}

type fakeAmo struct {
	mu       sync.Mutex
	notes    []amoNoteWrite
	lead     *amocrm.Lead
	status   string
	users    []amocrm.User
	incoming bool
}

func (f *fakeAmo) Note(context.Context, amocrm.Account, string, string, string) (*amocrm.Note, error) {
	n := &amocrm.Note{NoteType: "call_out"}
	if f.incoming {
		n.NoteType = "call_in"
	}
	return n, nil
}

func (f *fakeAmo) Contact(context.Context, amocrm.Account, string) (*amocrm.Contact, error) {
	return &amocrm.Contact{}, nil
}

func (f *fakeAmo) Lead(context.Context, amocrm.Account, string) (*amocrm.Lead, error) {
	if f.lead == nil {
		return nil, amocrm.ErrNotFound
	}
	return f.lead, nil
}

func (f *fakeAmo) LatestActiveLead(context.Context, amocrm.Account, string) (*amocrm.Lead, error) {
	if f.lead == nil {
		return nil, amocrm.ErrNotFound
	}
	return f.lead, nil
}

func (f *fakeAmo) ActiveLeads(context.Context, amocrm.Account, string, string) ([]amocrm.Lead, error) {
	if f.lead == nil {
		return nil, nil
	}
	return []amocrm.Lead{*f.lead}, nil
}

func (f *fakeAmo) StatusName(context.Context, amocrm.Account, int64) (string, error) {
	return f.status, nil
}

func (f *fakeAmo) Users(context.Context, amocrm.Account) ([]amocrm.User, error) {
	return f.users, nil
}

func (f *fakeAmo) AddNote(_ context.Context, _ amocrm.Account, entity, entityID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, amoNoteWrite{Entity: entity, EntityID: entityID, Text: text})
	return nil
}

func amocrmUser(id int64, name string, active bool) amocrm.User {
	u := amocrm.User{ID: id, Name: name}
	u.Rights.IsActive = active
	return u
}

func (f *fakeAmo) written() []amoNoteWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]amoNoteWrite(nil), f.notes...)
}

type fakeBitrix struct {
	mu       sync.Mutex
	record   *bitrix24.CallRecord
	lookups  int
	comments []amoNoteWrite
}

func (f *fakeBitrix) CallRecord(_ context.Context, _ *model.Organization, _ string) (*bitrix24.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.record == nil {
		return &bitrix24.CallRecord{}, nil
	}
	return f.record, nil
}

func (f *fakeBitrix) AddNote(_ context.Context, _ *model.Organization, ref CRMRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, amoNoteWrite{Entity: ref.EntityType, EntityID: ref.EntityID, Text: text})
	return nil
}

func (f *fakeBitrix) EntityStatus(context.Context, *model.Organization, CRMRef) (string, error) {
	return "NEW", nil
}

func (f *fakeBitrix) ActiveDeals(context.Context, *model.Organization, CRMRef, string) ([]CRMRef, error) {
	return nil, nil
}

type fakeCustomCRM struct {
	mu    sync.Mutex
	notes map[string]string
}

func (f *fakeCustomCRM) AddNote(_ context.Context, externalID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notes == nil {
		f.notes = make(map[string]string)
	}
	f.notes[externalID] = text
	return nil
}

// harness wires a pipeline to a SQLite store, an in-memory broker on a fake
// clock, and fake adapters.
type harness struct {
	t      *testing.T
	ctx    context.Context
	dsn    string
	store  *store.SQLiteStore
	broker *queue.MemoryBroker
	pool   *queue.WorkerPool
	clock  *fakeClock
	p      *Pipeline

	stt    *fakeTranscriber
	llm    *fakeCompleter
	amo    *fakeAmo
	bitrix *fakeBitrix
	custom *fakeCustomCRM
}

func newHarness(t *testing.T, cfg Config, prober DurationProber) *harness {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "pipeline.db")
	st, err := store.NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{
		t:      t,
		ctx:    context.Background(),
		dsn:    dsn,
		store:  st,
		clock:  newFakeClock(),
		stt:    &fakeTranscriber{pendingTo: 1, text: longTranscript},
		llm:    &fakeCompleter{answer: sampleAnswer},
		amo:    &fakeAmo{lead: &amocrm.Lead{ID: 200, StatusID: 10}, status: "Переговоры"},
		bitrix: &fakeBitrix{},
		custom: &fakeCustomCRM{},
	}
	h.broker = queue.NewMemoryBroker(queue.WithClock(h.clock.Now))

	cfg.Retry.MaxAttempts = 1
	h.p = New(Deps{
		Store:       st,
		Queue:       h.broker,
		Transcriber: h.stt,
		Completer:   h.llm,
		Prober:      prober,
		Amo:         h.amo,
		Bitrix:      h.bitrix,
		AmoNotes:    AmoNotes{Client: h.amo},
		BitrixNotes: h.bitrix,
		CustomNotes: CustomNotes{Client: h.custom},
		Now:         h.clock.Now,
	}, cfg)
	h.pool = queue.NewWorkerPool(1)
	h.p.Register(h.pool)
	return h
}

// drain runs every visible job, then steps the clock and repeats until the
// queue is empty or rounds run out.
func (h *harness) drain(rounds int, step time.Duration) {
	for i := 0; i < rounds; i++ {
		h.pool.Drain(h.ctx, h.broker)
		if h.broker.Len() == 0 {
			return
		}
		h.clock.Advance(step)
	}
}

// rowsForCall counts a table's rows that belong to callID.
func (h *harness) rowsForCall(table string, callID int64) int {
	h.t.Helper()
	db, err := sql.Open("sqlite", h.dsn)
	require.NoError(h.t, err)
	defer db.Close() //nolint:errcheck
	var n int
	require.NoError(h.t, db.QueryRowContext(h.ctx, `SELECT COUNT(*) FROM `+table+` WHERE call_id = ?`, callID).Scan(&n))
	return n
}

func (h *harness) seedOrg(mut func(o *model.Organization)) *model.Organization {
	h.t.Helper()
	org := &model.Organization{
		Name:              "Acme",
		AmoSubdomain:      "acme",
		AmoToken:          "amo-token",
		BitrixDomain:      "acme-b24",
		BitrixStatKey:     "stat-key",
		BitrixCommentKey:  "comment-key",
		TranscriptionKey:  "stt-key",
		CompletionKey:     "llm-key",
		SendCommentsToCRM: true,
		MinimalCallLength: 30,
		CommentType:       model.CommentBoth,
	}
	if mut != nil {
		mut(org)
	}
	require.NoError(h.t, h.store.CreateOrganization(h.ctx, org))
	require.NoError(h.t, h.store.CreatePrompt(h.ctx, &model.Prompt{OrganizationID: org.ID, Name: "default", Body: "Оцени звонок по критериям."}))
	for pos, label := range []string{"Установление контакта", "Выявление потребностей"} {
		require.NoError(h.t, h.store.SetCriteriaLabel(h.ctx, model.CriteriaLabel{OrganizationID: org.ID, Position: pos + 1, Label: label}))
	}
	return org
}

func amoForm(subdomain, noteID string) map[string]string {
	const prefix = "contacts[note][0][note]"
	return map[string]string{
		"account[subdomain]":     subdomain,
		prefix + "[note_type]":    "10",
		prefix + "[element_id]":   "100",
		prefix + "[element_type]": "1",
		prefix + "[id]":           noteID,
		prefix + "[text]":         `{"LINK":"https://records.example/1.mp3","PHONE":"+79990001122,+79990003344","created_by":"7","DIRECTION":"inbound"}`,
	}
}

const sampleAnswer = `1. Установление контакта (оценка: 3)
2. Выявление потребностей (оценка: 2)
3. Презентация (оценка: 1)
Итоговая оценка: 9/14
Саммари: Клиент интересуется тарифом и просит перезвонить.`

var longTranscript = "Менеджер: Добрый день, компания Акме, меня зовут Анна. " +
	"Клиент: Здравствуйте, я хотел узнать про ваш тариф для небольшого офиса. " +
	"Менеджер: Конечно, расскажите, сколько у вас сотрудников?"
