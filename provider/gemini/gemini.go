// Package gemini adapts the Google Gen AI SDK to analyzer.Provider.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/ineyio/creditgate/analyzer"
)

const defaultModel = "gemini-1.5-flash"

// Provider is the Gemini API adapter.
type Provider struct {
	name   string
	model  string
	models *genai.Models
}

var _ analyzer.Provider = (*Provider)(nil)

type options struct {
	name       string
	model      string
	baseURL    string
	httpClient *http.Client
	backend    genai.Backend
}

// Option configures the provider.
type Option func(*options)

// WithName sets the provider name (default "gemini").
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithModel sets the model (default "gemini-1.5-flash").
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	o := options{
		name:    "gemini",
		model:   defaultModel,
		backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    o.backend,
		HTTPClient: o.httpClient,
	}
	if o.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &Provider{
		name:   o.name,
		model:  o.model,
		models: client.Models,
	}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, req analyzer.Request) (analyzer.Response, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	resp, err := p.models.GenerateContent(ctx, p.model, genai.Text(req.UserPrompt), cfg)
	if err != nil {
		return analyzer.Response{}, mapError(ctx, err)
	}

	text := resp.Text()
	if text == "" {
		return analyzer.Response{}, fmt.Errorf("%w: empty gemini response", analyzer.ErrInvalidResult)
	}

	out := analyzer.Response{Text: text, Model: p.model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = analyzer.Usage{
			PromptTokens:     int64(u.PromptTokenCount),
			CompletionTokens: int64(u.CandidatesTokenCount),
			TotalTokens:      int64(u.TotalTokenCount),
		}
	}
	return out, nil
}

func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return fmt.Errorf("%w: %v", analyzer.ErrProviderUnavailable, err)
		}
		apiErr = *ptr
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return analyzer.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return analyzer.ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", analyzer.ErrInvalidRequest, apiErr.Message)
	default:
		return fmt.Errorf("%w: %s", analyzer.ErrProviderUnavailable, apiErr.Message)
	}
}
