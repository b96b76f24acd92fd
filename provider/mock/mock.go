package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ineyio/creditgate/analyzer"
)

// DefaultResponse is a valid analysis document returned when no other
// response is configured.
const DefaultResponse = `{
  "features": {
    "core": [{"name": "Accounts", "description": "Sign up and sign in", "estimatedHours": 12}],
    "optional": [{"name": "Dark mode", "description": "Theme toggle", "estimatedHours": 4}],
    "excluded": []
  },
  "techStack": [{"name": "Go", "category": "Backend", "reason": "Single static binary"}],
  "timeline": {"bestCase": 4, "worstCase": 6, "bufferWeeks": 1, "confidence": "medium", "bufferReason": "Unclear scope"},
  "risks": [{"severity": "medium", "title": "Scope creep", "description": "Ideas grow", "mitigation": "Freeze the MVP"}],
  "assumptions": ["One developer"]
}`

// Provider is a mock LLM provider for testing.
type Provider struct {
	name         string
	model        string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	text         string
	responseFunc func(analyzer.Request) (analyzer.Response, error)
}

var _ analyzer.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:  "mock",
		model: "mock-model",
		text:  DefaultResponse,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModel sets the model name reported in responses.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithText sets the raw text returned by the mock.
func WithText(text string) Option {
	return func(p *Provider) { p.text = text }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(analyzer.Request) (analyzer.Response, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

// Calls returns how many times Generate has been invoked.
func (p *Provider) Calls() int64 { return p.callCount.Load() }

func (p *Provider) Generate(ctx context.Context, req analyzer.Request) (analyzer.Response, error) {
	count := p.callCount.Add(1)

	if p.latency > 0 {
		t := time.NewTimer(p.latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return analyzer.Response{}, ctx.Err()
		}
	}

	if p.staticErr != nil {
		return analyzer.Response{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return analyzer.Response{}, analyzer.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return analyzer.Response{
		Text:  p.text,
		Model: p.model,
		Usage: analyzer.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}, nil
}
