// Package customcrm posts analysis notes to a tenant's own CRM through its
// notes endpoint.
package customcrm

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callscore/internal/resilience"
)

const service = "customcrm"

// Client sends notes keyed by the CRM's own record id.
type Client interface {
	AddNote(ctx context.Context, externalID, text string) error
}

type noteRequest struct {
	ID       string `json:"id"`
	Notes    string `json:"notes"`
	AppToken string `json:"app_token"`
}

type httpClient struct {
	url   string
	token string
	rest  *resty.Client
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.rest = resty.NewWithClient(hc)
	}
}

// NewClient creates a client posting to notesURL with the app token.
func NewClient(notesURL, token string, opts ...Option) Client {
	c := &httpClient{
		url:   notesURL,
		token: token,
		rest:  resty.New().SetTimeout(10 * time.Second),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) AddNote(ctx context.Context, externalID, text string) error {
	if c.url == "" {
		return eris.New("customcrm: notes url not configured")
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(noteRequest{ID: externalID, Notes: text, AppToken: c.token}).
		Post(c.url)
	if err != nil {
		return resilience.CallError(service, "add note", err)
	}
	if resp.IsError() {
		return resilience.HTTPError(service, "add note", resp.StatusCode(), resp.String())
	}
	return nil
}
