// Package speech2text is a client for the speech2text.ru recognition API.
package speech2text

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/requests"

	"github.com/sells-group/callscore/internal/resilience"
)

const (
	service        = "speech2text"
	defaultBaseURL = "https://speech2text.ru"

	// codeDone is the task status code of a finished recognition.
	codeDone = 200
)

// State is the coarse state of a recognition task.
type State string

const (
	StatePending State = "pending"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Submission is the result of submitting or polling a task. Text and
// ResultLink are set once State is StateDone.
type Submission struct {
	TaskID      string
	State       State
	Code        int
	Description string
	ResultLink  string
	Text        string
}

// Client submits audio links and polls recognition tasks.
type Client interface {
	Submit(ctx context.Context, apiKey, audioURL, lang string, speakers int) (*Submission, error)
	Poll(ctx context.Context, apiKey, taskID string) (*Submission, error)
}

type taskRequest struct {
	Lang         string `json:"lang"`
	URL          string `json:"url"`
	Speakers     int    `json:"speakers"`
	MultiChannel int    `json:"multi_channel"`
}

type taskResponse struct {
	ID     any `json:"id"`
	Status struct {
		Code        int    `json:"code"`
		Description string `json:"description"`
	} `json:"status"`
	Result struct {
		TXT string `json:"txt"`
	} `json:"result"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a speech2text client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 20,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit creates a recognition task for a publicly reachable audio link.
// Short files can come back already recognized.
func (c *httpClient) Submit(ctx context.Context, apiKey, audioURL, lang string, speakers int) (*Submission, error) {
	if lang == "" {
		lang = "ru"
	}
	if speakers <= 0 {
		speakers = 2
	}

	var resp taskResponse
	var errBody string
	err := requests.
		URL(c.baseURL).
		Path("/api/recognitions/task/link").
		Param("api-key", apiKey).
		Client(c.http).
		BodyJSON(taskRequest{Lang: lang, URL: audioURL, Speakers: speakers, MultiChannel: 1}).
		AddValidator(requests.ValidatorHandler(
			requests.CheckStatus(http.StatusCreated, http.StatusOK),
			requests.ToString(&errBody),
		)).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return nil, adapterError("submit", err, errBody)
	}
	return c.finish(ctx, apiKey, resp)
}

// Poll fetches the current state of a task.
func (c *httpClient) Poll(ctx context.Context, apiKey, taskID string) (*Submission, error) {
	var resp taskResponse
	var errBody string
	err := requests.
		URL(c.baseURL).
		Pathf("/api/recognitions/%s", taskID).
		Param("api-key", apiKey).
		Client(c.http).
		AddValidator(requests.ValidatorHandler(
			requests.DefaultValidator,
			requests.ToString(&errBody),
		)).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return nil, adapterError("poll", err, errBody)
	}
	if resp.ID == nil {
		resp.ID = taskID
	}
	return c.finish(ctx, apiKey, resp)
}

func (c *httpClient) finish(ctx context.Context, apiKey string, resp taskResponse) (*Submission, error) {
	sub := &Submission{
		TaskID:      idString(resp.ID),
		Code:        resp.Status.Code,
		Description: resp.Status.Description,
		State:       classify(resp.Status.Code),
	}
	if sub.TaskID == "" {
		return nil, resilience.HTTPError(service, "decode task", 0, "response has no task id")
	}
	if sub.State != StateDone {
		return sub, nil
	}

	sub.ResultLink = resp.Result.TXT
	if sub.ResultLink == "" {
		sub.State = StateFailed
		sub.Description = "done without a text result"
		return sub, nil
	}
	text, err := c.resultText(ctx, apiKey, sub.ResultLink)
	if err != nil {
		return nil, err
	}
	sub.Text = text
	return sub, nil
}

func (c *httpClient) resultText(ctx context.Context, apiKey, link string) (string, error) {
	var text, errBody string
	err := requests.
		URL(link).
		Param("api-key", apiKey).
		Client(c.http).
		AddValidator(requests.ValidatorHandler(
			requests.DefaultValidator,
			requests.ToString(&errBody),
		)).
		ToString(&text).
		Fetch(ctx)
	if err != nil {
		return "", adapterError("fetch result", err, errBody)
	}
	return text, nil
}

// classify maps a task status code. Anything below 400 that is not done
// (created, queued, fetching the file, recognizing) is still pending.
func classify(code int) State {
	switch {
	case code == codeDone:
		return StateDone
	case code >= 400:
		return StateFailed
	default:
		return StatePending
	}
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

func adapterError(op string, err error, body string) error {
	var re *requests.ResponseError
	if errors.As(err, &re) {
		return resilience.HTTPError(service, op, re.StatusCode, body)
	}
	return resilience.CallError(service, op, err)
}
