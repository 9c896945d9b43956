package completion

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/callscore/internal/resilience"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5-20250929"
	defaultAnthropicMaxTokens = 4096
)

// anthropicClient implements Client using the official anthropic-sdk-go.
// The key travels as a request option so one SDK client serves every tenant.
type anthropicClient struct {
	settings
	client sdk.Client
}

// NewAnthropic creates a client for the Anthropic Messages API.
func NewAnthropic(opts ...Option) Client {
	s := newSettings("", defaultAnthropicModel, opts)
	if s.maxTokens <= 0 {
		s.maxTokens = defaultAnthropicMaxTokens
	}
	sdkOpts := []option.RequestOption{option.WithHTTPClient(s.http)}
	if s.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(s.baseURL))
	}
	return &anthropicClient{settings: s, client: sdk.NewClient(sdkOpts...)}
}

func (c *anthropicClient) Complete(ctx context.Context, apiKey, prompt string) (*Completion, error) {
	if apiKey == "" {
		return nil, eris.New("completion: missing api key")
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}, option.WithAPIKey(apiKey))
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, resilience.HTTPError(service, "messages", apiErr.StatusCode, apiErr.Error())
		}
		return nil, resilience.CallError(service, "messages", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	raw := b.String()
	out := &Completion{
		Text:       strings.TrimSpace(raw),
		Raw:        raw,
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	logUsage(c.model, out)
	return out, nil
}
