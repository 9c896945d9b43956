// Package amocrm is a client for the amoCRM v4 REST API, limited to what
// call scoring needs: call notes, contacts, leads, pipelines and users.
package amocrm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/callscore/internal/ratelimit"
	"github.com/sells-group/callscore/internal/resilience"
)

const (
	service      = "amocrm"
	usersPerPage = 250
)

// ErrNotFound is returned when amoCRM has no such entity (404 or 204).
var ErrNotFound = eris.New("amocrm: not found")

// Client defines the amoCRM operations used by the pipeline.
type Client interface {
	Note(ctx context.Context, acct Account, entity, entityID, noteID string) (*Note, error)
	Contact(ctx context.Context, acct Account, id string) (*Contact, error)
	Lead(ctx context.Context, acct Account, id string) (*Lead, error)
	LatestActiveLead(ctx context.Context, acct Account, contactID string) (*Lead, error)
	ActiveLeads(ctx context.Context, acct Account, contactID, tag string) ([]Lead, error)
	StatusName(ctx context.Context, acct Account, statusID int64) (string, error)
	Users(ctx context.Context, acct Account) ([]User, error)
	AddNote(ctx context.Context, acct Account, entity, entityID, text string) error
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL pins the API base URL for every account. Without it the
// base is https://<subdomain>.amocrm.ru/api/v4.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.hc = hc
	}
}

// WithRateLimit sets the per-account request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *httpClient) {
		c.limiters = ratelimit.NewRegistry(rate.Limit(perSecond), burst)
	}
}

// WithStatusTTL sets how long pipeline status names are cached.
func WithStatusTTL(ttl time.Duration) Option {
	return func(c *httpClient) {
		c.statusTTL = ttl
	}
}

type httpClient struct {
	baseURL   string
	hc        *http.Client
	rest      *resty.Client
	limiters  *ratelimit.Registry
	statusTTL time.Duration
	statuses  *cache.Cache
}

// NewClient creates an amoCRM client. amoCRM allows 7 requests per second
// per account.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		hc: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 20,
			},
		},
		limiters:  ratelimit.NewRegistry(7, 7),
		statusTTL: 10 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	c.rest = resty.NewWithClient(c.hc).SetHeader("Accept", "application/json")
	c.statuses = cache.New(c.statusTTL, 2*c.statusTTL)
	return c
}

func (c *httpClient) base(acct Account) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return "https://" + acct.Subdomain + ".amocrm.ru/api/v4"
}

func (c *httpClient) do(ctx context.Context, acct Account, op string, build func(*resty.Request) (*resty.Response, error)) error {
	limiter := c.limiters.For(acct.Subdomain)
	if err := limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "amocrm: %s: rate limit wait", op)
	}

	resp, err := build(c.rest.R().SetContext(ctx).SetAuthToken(acct.Token))
	if err != nil {
		return resilience.CallError(service, op, err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusTooManyRequests:
		limiter.OnRateLimit()
		return resilience.HTTPError(service, op, status, resp.String())
	case status == http.StatusNoContent || status == http.StatusNotFound:
		return eris.Wrapf(ErrNotFound, "amocrm: %s", op)
	case resp.IsError():
		return resilience.HTTPError(service, op, status, resp.String())
	}
	limiter.OnSuccess()
	return nil
}

func (c *httpClient) get(ctx context.Context, acct Account, op, path string, query map[string]string, out any) error {
	return c.do(ctx, acct, op, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(query).SetResult(out).Get(c.base(acct) + path)
	})
}

// Note fetches one note of an entity.
func (c *httpClient) Note(ctx context.Context, acct Account, entity, entityID, noteID string) (*Note, error) {
	var n Note
	path := fmt.Sprintf("/%s/%s/notes/%s", entity, entityID, noteID)
	if err := c.get(ctx, acct, "get note", path, nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Contact fetches a contact with its linked leads.
func (c *httpClient) Contact(ctx context.Context, acct Account, id string) (*Contact, error) {
	var ct Contact
	if err := c.get(ctx, acct, "get contact", "/contacts/"+id, map[string]string{"with": "leads"}, &ct); err != nil {
		return nil, err
	}
	return &ct, nil
}

// Lead fetches a lead with its contacts and tags.
func (c *httpClient) Lead(ctx context.Context, acct Account, id string) (*Lead, error) {
	var l Lead
	if err := c.get(ctx, acct, "get lead", "/leads/"+id, map[string]string{"with": "contacts"}, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// contactLeads loads every lead linked to a contact. Leads that cannot be
// read are skipped.
func (c *httpClient) contactLeads(ctx context.Context, acct Account, contactID string) ([]Lead, error) {
	ct, err := c.Contact(ctx, acct, contactID)
	if err != nil {
		return nil, err
	}
	leads := make([]Lead, 0, len(ct.Embedded.Leads))
	for _, ref := range ct.Embedded.Leads {
		l, err := c.Lead(ctx, acct, strconv.FormatInt(ref.ID, 10))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			zap.L().Debug("amocrm: skipping unreadable lead",
				zap.Int64("lead_id", ref.ID), zap.Error(err))
			continue
		}
		leads = append(leads, *l)
	}
	return leads, nil
}

// LatestActiveLead returns the most recently created open lead of a
// contact, or nil when it has none.
func (c *httpClient) LatestActiveLead(ctx context.Context, acct Account, contactID string) (*Lead, error) {
	leads, err := c.ActiveLeads(ctx, acct, contactID, "")
	if err != nil || len(leads) == 0 {
		return nil, err
	}
	sort.SliceStable(leads, func(i, j int) bool { return leads[i].CreatedAt > leads[j].CreatedAt })
	return &leads[0], nil
}

// ActiveLeads returns a contact's open leads, optionally only those
// carrying tag.
func (c *httpClient) ActiveLeads(ctx context.Context, acct Account, contactID, tag string) ([]Lead, error) {
	leads, err := c.contactLeads(ctx, acct, contactID)
	if err != nil {
		return nil, err
	}
	var out []Lead
	for i := range leads {
		if !leads[i].Active() {
			continue
		}
		if tag != "" && !leads[i].HasTag(tag) {
			continue
		}
		out = append(out, leads[i])
	}
	return out, nil
}

// StatusName resolves a lead status id to its name across all pipelines.
// The mapping is cached per account.
func (c *httpClient) StatusName(ctx context.Context, acct Account, statusID int64) (string, error) {
	names, err := c.statusNames(ctx, acct)
	if err != nil {
		return "", err
	}
	if name, ok := names[statusID]; ok {
		return name, nil
	}
	return fmt.Sprintf("Неизвестный статус (%d)", statusID), nil
}

func (c *httpClient) statusNames(ctx context.Context, acct Account) (map[int64]string, error) {
	if v, ok := c.statuses.Get(acct.Subdomain); ok {
		return v.(map[int64]string), nil
	}

	var resp pipelinesResponse
	if err := c.get(ctx, acct, "list pipelines", "/leads/pipelines", nil, &resp); err != nil {
		return nil, err
	}
	names := make(map[int64]string)
	for _, p := range resp.Embedded.Pipelines {
		for _, s := range p.Embedded.Statuses {
			names[s.ID] = s.Name
		}
	}
	c.statuses.SetDefault(acct.Subdomain, names)
	return names, nil
}

// Users lists every user of the account.
func (c *httpClient) Users(ctx context.Context, acct Account) ([]User, error) {
	var all []User
	for page := 1; ; page++ {
		var resp usersResponse
		err := c.get(ctx, acct, "list users", "/users", map[string]string{
			"page":  strconv.Itoa(page),
			"limit": strconv.Itoa(usersPerPage),
		}, &resp)
		if eris.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Embedded.Users...)
		if len(resp.Embedded.Users) < usersPerPage {
			break
		}
	}
	return all, nil
}

// AddNote attaches a common note to a contact or lead.
func (c *httpClient) AddNote(ctx context.Context, acct Account, entity, entityID, text string) error {
	id, err := strconv.ParseInt(entityID, 10, 64)
	if err != nil {
		return eris.Wrapf(err, "amocrm: add note: invalid %s id %q", entity, entityID)
	}
	body := []newNote{{EntityID: id, NoteType: "common", Params: noteParams{Text: text}}}
	return c.do(ctx, acct, "add note", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(body).Post(fmt.Sprintf("%s/%s/%d/notes", c.base(acct), entity, id))
	})
}
