package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResult decodes a provider's JSON reply into an AnalysisResult.
// Markdown code fences around the JSON are tolerated.
func ParseResult(text string) (AnalysisResult, error) {
	body := stripFences(text)
	if body == "" {
		return AnalysisResult{}, fmt.Errorf("%w: empty response", ErrInvalidResult)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	var res AnalysisResult
	if err := dec.Decode(&res); err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if err := res.Validate(); err != nil {
		return AnalysisResult{}, err
	}
	res.normalize()
	return res, nil
}

// Validate checks the fields clients rely on.
func (r AnalysisResult) Validate() error {
	if len(r.Features.Core) == 0 {
		return fmt.Errorf("%w: no core features", ErrInvalidResult)
	}
	for _, f := range r.Features.Core {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("%w: core feature without a name", ErrInvalidResult)
		}
	}
	t := r.Timeline
	if t.BestCase <= 0 || t.WorstCase < t.BestCase {
		return fmt.Errorf("%w: timeline best=%v worst=%v", ErrInvalidResult, t.BestCase, t.WorstCase)
	}
	switch t.Confidence {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
	default:
		return fmt.Errorf("%w: timeline confidence %q", ErrInvalidResult, t.Confidence)
	}
	for _, risk := range r.Risks {
		switch risk.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh:
		default:
			return fmt.Errorf("%w: risk severity %q", ErrInvalidResult, risk.Severity)
		}
	}
	return nil
}

// normalize replaces nil slices so clients always see arrays.
func (r *AnalysisResult) normalize() {
	if r.Features.Optional == nil {
		r.Features.Optional = []Feature{}
	}
	if r.Features.Excluded == nil {
		r.Features.Excluded = []Feature{}
	}
	if r.TechStack == nil {
		r.TechStack = []TechStackItem{}
	}
	if r.Risks == nil {
		r.Risks = []Risk{}
	}
	if r.Assumptions == nil {
		r.Assumptions = []string{}
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
