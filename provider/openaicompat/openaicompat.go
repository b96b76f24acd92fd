// Package openaicompat adapts any OpenAI-compatible chat completions API to
// analyzer.Provider.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ineyio/creditgate/analyzer"
)

const defaultModel = "gpt-4o-mini"

// Provider is an OpenAI-compatible API adapter.
type Provider struct {
	name   string
	model  string
	client openai.Client
}

var _ analyzer.Provider = (*Provider)(nil)

type options struct {
	name        string
	model       string
	requestOpts []option.RequestOption
}

// Option configures the provider.
type Option func(*options)

// WithName sets the provider name (default "openai").
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithModel sets the model (default "gpt-4o-mini").
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) { o.requestOpts = append(o.requestOpts, option.WithBaseURL(url)) }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.requestOpts = append(o.requestOpts, option.WithHTTPClient(c)) }
}

// WithMaxRetries sets how often the client retries a request itself.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.requestOpts = append(o.requestOpts, option.WithMaxRetries(n)) }
}

// New creates a new OpenAI-compatible provider.
func New(apiKey string, opts ...Option) *Provider {
	o := options{
		name:  "openai",
		model: defaultModel,
	}
	for _, opt := range opts {
		opt(&o)
	}

	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, o.requestOpts...)
	return &Provider{
		name:   o.name,
		model:  o.model,
		client: openai.NewClient(reqOpts...),
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, req analyzer.Request) (analyzer.Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return analyzer.Response{}, mapError(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return analyzer.Response{}, fmt.Errorf("%w: no choices in response", analyzer.ErrInvalidResult)
	}

	return analyzer.Response{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: analyzer.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", analyzer.ErrProviderUnavailable, err)
	}

	switch apiErr.StatusCode {
	case http.StatusTooManyRequests:
		return analyzer.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return analyzer.ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", analyzer.ErrInvalidRequest, apiErr.Message)
	default:
		return fmt.Errorf("%w: status %d", analyzer.ErrProviderUnavailable, apiErr.StatusCode)
	}
}
