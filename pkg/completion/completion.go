// Package completion sends call transcripts and weekly batches to a large
// language model. Two vendors are supported: any OpenAI-compatible chat API
// (Fireworks by default) and Anthropic.
package completion

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const service = "completion"

// Completion is a single model answer.
type Completion struct {
	Text       string
	Raw        string
	TokensUsed int
}

// Client sends one user prompt and returns the answer. The API key is
// passed per call because every organization brings its own.
type Client interface {
	Complete(ctx context.Context, apiKey, prompt string) (*Completion, error)
}

type settings struct {
	baseURL   string
	model     string
	maxTokens int
	cacheSize int
	http      *http.Client
}

// Option configures a vendor client.
type Option func(*settings)

// WithBaseURL overrides the vendor's API base URL.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.baseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(s *settings) {
		s.model = model
	}
}

// WithMaxTokens caps the answer length. Zero leaves the vendor default.
func WithMaxTokens(n int) Option {
	return func(s *settings) {
		s.maxTokens = n
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) {
		s.http = hc
	}
}

// WithClientCache sets how many per-key SDK clients are kept.
func WithClientCache(n int) Option {
	return func(s *settings) {
		s.cacheSize = n
	}
}

func newSettings(baseURL, model string, opts []Option) settings {
	s := settings{
		baseURL:   baseURL,
		model:     model,
		cacheSize: 64,
	}
	for _, o := range opts {
		o(&s)
	}
	if s.http == nil {
		s.http = defaultHTTPClient()
	}
	if s.cacheSize <= 0 {
		s.cacheSize = 1
	}
	return s
}

// Model answers can take minutes for a long transcript.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 20,
		},
	}
}

// New returns the client for the named vendor: "openai" (any compatible
// API, the default) or "anthropic".
func New(vendor string, opts ...Option) (Client, error) {
	switch vendor {
	case "anthropic":
		return NewAnthropic(opts...), nil
	default:
		return NewOpenAI(opts...)
	}
}

func logUsage(model string, c *Completion) {
	zap.L().Debug("completion: usage",
		zap.String("model", model),
		zap.Int("tokens", c.TokensUsed),
		zap.Int("answer_len", len(c.Text)),
	)
}
