// Package analyzer turns a project description into an execution plan by
// asking an LLM provider for a JSON analysis, falling back across providers.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Analyzer sends project inputs to providers in order until one returns a
// valid analysis.
type Analyzer struct {
	providers []Provider
	health    *HealthTracker
	logger    *zap.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(a *Analyzer) { a.health = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// New creates an Analyzer that tries providers in the given order.
func New(providers []Provider, opts ...Option) (*Analyzer, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if seen[p.Name()] {
			return nil, fmt.Errorf("analyzer: duplicate provider name %q", p.Name())
		}
		seen[p.Name()] = true
	}

	a := &Analyzer{
		providers: providers,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.health == nil {
		a.health = NewHealthTracker()
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a, nil
}

// Analyze validates the input and returns the first valid analysis.
// Auth and invalid-request errors stop the fallback immediately.
func (a *Analyzer) Analyze(ctx context.Context, in ProjectInput) (AnalysisResult, error) {
	if err := in.Validate(); err != nil {
		return AnalysisResult{}, err
	}

	req := Request{
		SystemPrompt: SystemPrompt,
		UserPrompt:   UserPrompt(in),
	}

	var lastErr error
	attempts := 0
	for _, p := range a.providers {
		if a.health.State(p.Name()) == HealthUnhealthy {
			continue
		}
		if err := ctx.Err(); err != nil {
			return AnalysisResult{}, err
		}
		attempts++

		start := time.Now()
		res, err := a.try(ctx, p, req)
		duration := time.Since(start)

		if err == nil {
			a.health.RecordSuccess(p.Name())
			a.logger.Info("analysis complete",
				zap.String("provider", p.Name()),
				zap.Int("attempt", attempts),
				zap.Duration("duration", duration),
			)
			return res, nil
		}

		// The caller going away says nothing about the provider.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return AnalysisResult{}, ctxErr
		}

		a.health.RecordFailure(p.Name())
		a.logger.Warn("analysis failed",
			zap.String("provider", p.Name()),
			zap.Int("attempt", attempts),
			zap.Duration("duration", duration),
			zap.Error(err),
		)

		if IsFatal(err) {
			return AnalysisResult{}, &Error{Err: err, Provider: p.Name(), Attempts: attempts}
		}
		lastErr = err
	}

	if lastErr == nil {
		return AnalysisResult{}, ErrNoHealthyProviders
	}
	return AnalysisResult{}, &Error{Err: errors.Join(ErrAllFailed, lastErr), Attempts: attempts}
}

func (a *Analyzer) try(ctx context.Context, p Provider, req Request) (AnalysisResult, error) {
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return AnalysisResult{}, err
	}
	return ParseResult(resp.Text)
}
