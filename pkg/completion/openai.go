package completion

import (
	"context"
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/callscore/internal/resilience"
)

const (
	// DefaultBaseURL is the Fireworks OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.fireworks.ai/inference/v1"
	// DefaultModel is the model every organization is scored with.
	DefaultModel = "accounts/fireworks/models/deepseek-v3p1-terminus"
)

type openAIClient struct {
	settings
	clients *lru.Cache[string, *openai.Client]
}

// NewOpenAI creates a client for an OpenAI-compatible chat completions API.
func NewOpenAI(opts ...Option) (Client, error) {
	s := newSettings(DefaultBaseURL, DefaultModel, opts)
	cache, err := lru.New[string, *openai.Client](s.cacheSize)
	if err != nil {
		return nil, eris.Wrap(err, "completion: client cache")
	}
	return &openAIClient{settings: s, clients: cache}, nil
}

func (c *openAIClient) client(apiKey string) *openai.Client {
	if cl, ok := c.clients.Get(apiKey); ok {
		return cl
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = c.baseURL
	cfg.HTTPClient = c.http
	cl := openai.NewClientWithConfig(cfg)
	c.clients.Add(apiKey, cl)
	return cl
}

func (c *openAIClient) Complete(ctx context.Context, apiKey, prompt string) (*Completion, error) {
	if apiKey == "" {
		return nil, eris.New("completion: missing api key")
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}

	resp, err := c.client(apiKey).CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("completion: response has no choices")
	}

	raw := resp.Choices[0].Message.Content
	out := &Completion{
		Text:       strings.TrimSpace(raw),
		Raw:        raw,
		TokensUsed: resp.Usage.TotalTokens,
	}
	logUsage(c.model, out)
	return out, nil
}

func openAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return resilience.HTTPError(service, "chat", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return resilience.HTTPError(service, "chat", reqErr.HTTPStatusCode, reqErr.Error())
	}
	return resilience.CallError(service, "chat", err)
}
