package analyzer_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate/analyzer"
	"github.com/ineyio/creditgate/provider/mock"
)

func TestParseResult_AcceptsFencedJSON(t *testing.T) {
	res, err := analyzer.ParseResult("```json\n" + mock.DefaultResponse + "\n```")
	require.NoError(t, err)
	assert.Equal(t, 4.0, res.Timeline.BestCase)
	assert.Equal(t, []string{"One developer"}, res.Assumptions)
}

func TestParseResult_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"not json", "sorry, I cannot help"},
		{"no core features", `{"features": {"core": []}, "timeline": {"bestCase": 2, "worstCase": 3, "confidence": "low"}}`},
		{"worst before best", strings.Replace(mock.DefaultResponse, `"worstCase": 6`, `"worstCase": 1`, 1)},
		{"bad confidence", strings.Replace(mock.DefaultResponse, `"confidence": "medium"`, `"confidence": "sure"`, 1)},
		{"bad severity", strings.Replace(mock.DefaultResponse, `"severity": "medium"`, `"severity": "huge"`, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := analyzer.ParseResult(tt.text)
			assert.ErrorIs(t, err, analyzer.ErrInvalidResult)
		})
	}
}

func TestProjectInput_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*analyzer.ProjectInput)
		ok     bool
	}{
		{"valid", func(*analyzer.ProjectInput) {}, true},
		{"missing platform defaults to web", func(in *analyzer.ProjectInput) { in.Platform = "" }, true},
		{"bad skill", func(in *analyzer.ProjectInput) { in.SkillLevel = "expert" }, false},
		{"bad team", func(in *analyzer.ProjectInput) { in.TeamSize = "army" }, false},
		{"bad platform", func(in *analyzer.ProjectInput) { in.Platform = "desktop" }, false},
		{"zero weeks", func(in *analyzer.ProjectInput) { in.TotalWeeks = 0 }, false},
		{"too many hours", func(in *analyzer.ProjectInput) { in.HoursPerWeek = 200 }, false},
		{"idea too long", func(in *analyzer.ProjectInput) { in.ProjectIdea = strings.Repeat("x", 5000) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			err := in.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, analyzer.ErrInvalidInput)
			}
		})
	}
}

func TestUserPrompt_IncludesInputs(t *testing.T) {
	in := validInput()
	in.UseAI = true
	p := analyzer.UserPrompt(in)

	assert.Contains(t, p, "A habit tracker with streaks")
	assert.Contains(t, p, "beginner")
	assert.Contains(t, p, "8 weeks, 10 hours per week")
	assert.Contains(t, p, "AI features")
}
