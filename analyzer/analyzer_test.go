package analyzer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate/analyzer"
	"github.com/ineyio/creditgate/provider/mock"
)

func validInput() analyzer.ProjectInput {
	return analyzer.ProjectInput{
		ProjectIdea:  "A habit tracker with streaks",
		SkillLevel:   analyzer.SkillBeginner,
		TeamSize:     analyzer.TeamSolo,
		TotalWeeks:   8,
		HoursPerWeek: 10,
		Platform:     analyzer.PlatformWeb,
	}
}

func TestAnalyze_ReturnsFirstValidResult(t *testing.T) {
	p := mock.New()
	a, err := analyzer.New([]analyzer.Provider{p})
	require.NoError(t, err)

	res, err := a.Analyze(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, "Accounts", res.Features.Core[0].Name)
	assert.Equal(t, analyzer.ConfidenceMedium, res.Timeline.Confidence)
	assert.NotNil(t, res.Features.Excluded)
	assert.Equal(t, int64(1), p.Calls())
}

func TestAnalyze_InvalidInputNeverCallsProvider(t *testing.T) {
	p := mock.New()
	a, err := analyzer.New([]analyzer.Provider{p})
	require.NoError(t, err)

	in := validInput()
	in.ProjectIdea = "   "
	_, err = a.Analyze(context.Background(), in)
	require.ErrorIs(t, err, analyzer.ErrInvalidInput)
	assert.Zero(t, p.Calls())
}

func TestAnalyze_FallsBackOnRetryableError(t *testing.T) {
	first := mock.New(mock.WithName("first"), mock.WithError(analyzer.ErrRateLimited))
	second := mock.New(mock.WithName("second"))
	a, err := analyzer.New([]analyzer.Provider{first, second})
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Calls())
	assert.Equal(t, int64(1), second.Calls())
}

func TestAnalyze_FallsBackOnInvalidResult(t *testing.T) {
	first := mock.New(mock.WithName("first"), mock.WithText(`{"features": {"core": []}}`))
	second := mock.New(mock.WithName("second"))
	a, err := analyzer.New([]analyzer.Provider{first, second})
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Calls())
}

func TestAnalyze_FatalErrorStopsFallback(t *testing.T) {
	first := mock.New(mock.WithName("first"), mock.WithError(analyzer.ErrAuthFailed))
	second := mock.New(mock.WithName("second"))
	a, err := analyzer.New([]analyzer.Provider{first, second})
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), validInput())
	require.ErrorIs(t, err, analyzer.ErrAuthFailed)

	var aerr *analyzer.Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, "first", aerr.Provider)
	assert.Zero(t, second.Calls())
}

func TestAnalyze_AllFailed(t *testing.T) {
	a, err := analyzer.New([]analyzer.Provider{
		mock.New(mock.WithName("a"), mock.WithError(analyzer.ErrProviderUnavailable)),
		mock.New(mock.WithName("b"), mock.WithText("not json")),
	})
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), validInput())
	require.ErrorIs(t, err, analyzer.ErrAllFailed)
	assert.ErrorIs(t, err, analyzer.ErrInvalidResult)
}

func TestAnalyze_SkipsUnhealthyProvider(t *testing.T) {
	health := analyzer.NewHealthTracker(analyzer.WithFailureThreshold(1))
	broken := mock.New(mock.WithName("broken"), mock.WithError(analyzer.ErrProviderUnavailable))
	backup := mock.New(mock.WithName("backup"))
	a, err := analyzer.New([]analyzer.Provider{broken, backup}, analyzer.WithHealthTracker(health))
	require.NoError(t, err)

	for range 3 {
		_, err := a.Analyze(context.Background(), validInput())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), broken.Calls())
	assert.Equal(t, int64(3), backup.Calls())
}

func TestAnalyze_NoHealthyProviders(t *testing.T) {
	health := analyzer.NewHealthTracker(analyzer.WithFailureThreshold(1))
	health.RecordFailure("only")
	a, err := analyzer.New([]analyzer.Provider{mock.New(mock.WithName("only"))}, analyzer.WithHealthTracker(health))
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), validInput())
	require.ErrorIs(t, err, analyzer.ErrNoHealthyProviders)
}

func TestAnalyze_CancellationIsNotAProviderFailure(t *testing.T) {
	health := analyzer.NewHealthTracker(analyzer.WithFailureThreshold(1))
	slow := mock.New(mock.WithName("slow"), mock.WithLatency(time.Second))
	a, err := analyzer.New([]analyzer.Provider{slow}, analyzer.WithHealthTracker(health))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = a.Analyze(ctx, validInput())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, analyzer.HealthHealthy, health.State("slow"))
}

func TestNew_Validation(t *testing.T) {
	_, err := analyzer.New(nil)
	require.ErrorIs(t, err, analyzer.ErrNoProviders)

	_, err = analyzer.New([]analyzer.Provider{mock.New(), mock.New()})
	require.Error(t, err)
}
