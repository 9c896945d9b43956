// Package bitrix24 calls the Bitrix24 REST API through per-portal inbound
// webhooks.
package bitrix24

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/callscore/internal/ratelimit"
	"github.com/sells-group/callscore/internal/resilience"
)

const service = "bitrix24"

// Account carries a portal's webhook credentials. Each key is a separate
// inbound webhook with its own scope.
type Account struct {
	Domain     string
	AdminID    string
	StatKey    string
	CommentKey string
	LeadsKey   string
}

// FlexString decodes a JSON string or number. Bitrix24 is not consistent
// about which it sends for ids and durations.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(b)
	return nil
}

// Int parses the value, returning 0 when it is not a number.
func (f FlexString) Int() int {
	n, _ := strconv.Atoi(strings.TrimSpace(string(f)))
	return n
}

// CallRecord is a row of voximplant.statistic.get.
type CallRecord struct {
	CallID       string     `json:"CALL_ID"`
	RecordURL    string     `json:"CALL_RECORD_URL"`
	Duration     FlexString `json:"CALL_DURATION"`
	CallType     FlexString `json:"CALL_TYPE"`
	EntityType   string     `json:"CRM_ENTITY_TYPE"`
	EntityID     FlexString `json:"CRM_ENTITY_ID"`
	PhoneNumber  string     `json:"PHONE_NUMBER"`
	PortalUserID FlexString `json:"PORTAL_USER_ID"`
}

// Incoming reports whether CALL_TYPE marks an inbound call (1 inbound,
// 3 inbound with redirect).
func Incoming(callType string) bool {
	return callType == "1" || callType == "3"
}

// Client defines the Bitrix24 operations used by the pipeline.
type Client interface {
	CallRecord(ctx context.Context, acct Account, callID string) (*CallRecord, error)
	LeadStatus(ctx context.Context, acct Account, leadID string) (string, error)
	AddComment(ctx context.Context, acct Account, entityType, entityID, text string) error
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL pins the portal URL for every account. Without it the base
// is https://<domain>.bitrix24.ru.
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

// WithRateLimit sets the per-portal request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *httpClient) {
		c.limiters = ratelimit.NewRegistry(rate.Limit(perSecond), burst)
	}
}

type httpClient struct {
	baseURL  string
	hc       *http.Client
	rest     *resty.Client
	limiters *ratelimit.Registry
}

// NewClient creates a Bitrix24 client. Portals allow 2 requests per second
// with a burst of 50.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		hc: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 20,
			},
		},
		limiters: ratelimit.NewRegistry(2, 50),
	}
	for _, o := range opts {
		o(c)
	}
	c.rest = resty.NewWithClient(c.hc)
	return c
}

type apiResponse struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (c *httpClient) call(ctx context.Context, acct Account, key, method string, params any, out any) error {
	if key == "" {
		return eris.Errorf("bitrix24: %s: webhook key not configured", method)
	}
	limiter := c.limiters.For(acct.Domain)
	if err := limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "bitrix24: %s: rate limit wait", method)
	}

	base := c.baseURL
	if base == "" {
		base = "https://" + acct.Domain + ".bitrix24.ru"
	}
	url := base + "/rest/" + acct.AdminID + "/" + key + "/" + method

	var body apiResponse
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(params).
		SetResult(&body).
		SetError(&body).
		Post(url)
	if err != nil {
		return resilience.CallError(service, method, err)
	}
	if resp.StatusCode() == http.StatusServiceUnavailable || body.Error == "QUERY_LIMIT_EXCEEDED" {
		limiter.OnRateLimit()
		return resilience.HTTPError(service, method, http.StatusTooManyRequests, body.ErrorDescription)
	}
	if resp.IsError() {
		return resilience.HTTPError(service, method, resp.StatusCode(), body.Error+" "+body.ErrorDescription)
	}
	if body.Error != "" {
		return resilience.HTTPError(service, method, resp.StatusCode(), body.Error+" "+body.ErrorDescription)
	}
	limiter.OnSuccess()

	if out == nil || len(body.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(body.Result, out); err != nil {
		return eris.Wrapf(err, "bitrix24: %s: decode result", method)
	}
	return nil
}

// CallRecord looks up telephony statistics for a call. It returns nil when
// Bitrix24 has no row for the call yet.
func (c *httpClient) CallRecord(ctx context.Context, acct Account, callID string) (*CallRecord, error) {
	params := map[string]any{
		"FILTER": map[string]any{"CALL_ID": callID},
		"SELECT": []string{
			"CALL_ID", "CALL_RECORD_URL", "CALL_DURATION", "CALL_TYPE",
			"CRM_ENTITY_TYPE", "CRM_ENTITY_ID", "PHONE_NUMBER", "PORTAL_USER_ID",
		},
	}
	var rows []CallRecord
	if err := c.call(ctx, acct, acct.StatKey, "voximplant.statistic.get", params, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := rows[0]
	rec.PhoneNumber = strings.TrimSpace(rec.PhoneNumber)
	return &rec, nil
}

// LeadStatus returns a lead's STATUS_ID.
func (c *httpClient) LeadStatus(ctx context.Context, acct Account, leadID string) (string, error) {
	var lead struct {
		StatusID string `json:"STATUS_ID"`
	}
	if err := c.call(ctx, acct, acct.LeadsKey, "crm.lead.get", map[string]any{"ID": leadID}, &lead); err != nil {
		return "", err
	}
	return strings.TrimSpace(lead.StatusID), nil
}

// AddComment posts a timeline comment on a CRM entity as the portal admin.
func (c *httpClient) AddComment(ctx context.Context, acct Account, entityType, entityID, text string) error {
	params := map[string]any{
		"fields": map[string]any{
			"ENTITY_ID":   entityID,
			"ENTITY_TYPE": strings.ToLower(entityType),
			"COMMENT":     text,
			"AUTHOR_ID":   acct.AdminID,
		},
	}
	return c.call(ctx, acct, acct.CommentKey, "crm.timeline.comment.add", params, nil)
}
