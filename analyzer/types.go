package analyzer

import (
	"fmt"
	"strings"
)

type SkillLevel string

const (
	SkillBeginner     SkillLevel = "beginner"
	SkillIntermediate SkillLevel = "intermediate"
)

type TeamSize string

const (
	TeamSolo  TeamSize = "solo"
	TeamSmall TeamSize = "small-team"
)

type Platform string

const (
	PlatformWeb    Platform = "web"
	PlatformMobile Platform = "mobile"
)

const (
	maxIdeaLength   = 4000
	maxTotalWeeks   = 104
	maxHoursPerWeek = 168
)

// ProjectInput describes the project a user wants analyzed.
type ProjectInput struct {
	ProjectIdea  string     `json:"projectIdea"`
	SkillLevel   SkillLevel `json:"skillLevel"`
	TeamSize     TeamSize   `json:"teamSize"`
	TotalWeeks   int        `json:"totalWeeks"`
	HoursPerWeek int        `json:"hoursPerWeek"`
	Platform     Platform   `json:"platform"`
	UseAI        bool       `json:"useAI"`
}

// Validate reports the first problem with the input as ErrInvalidInput.
func (in ProjectInput) Validate() error {
	idea := strings.TrimSpace(in.ProjectIdea)
	switch {
	case idea == "":
		return fmt.Errorf("%w: projectIdea is required", ErrInvalidInput)
	case len(idea) > maxIdeaLength:
		return fmt.Errorf("%w: projectIdea exceeds %d characters", ErrInvalidInput, maxIdeaLength)
	}

	switch in.SkillLevel {
	case SkillBeginner, SkillIntermediate:
	default:
		return fmt.Errorf("%w: skillLevel must be beginner or intermediate", ErrInvalidInput)
	}

	switch in.TeamSize {
	case TeamSolo, TeamSmall:
	default:
		return fmt.Errorf("%w: teamSize must be solo or small-team", ErrInvalidInput)
	}

	// Older clients omit platform; web is the default.
	switch in.Platform {
	case "", PlatformWeb, PlatformMobile:
	default:
		return fmt.Errorf("%w: platform must be web or mobile", ErrInvalidInput)
	}

	if in.TotalWeeks < 1 || in.TotalWeeks > maxTotalWeeks {
		return fmt.Errorf("%w: totalWeeks must be between 1 and %d", ErrInvalidInput, maxTotalWeeks)
	}
	if in.HoursPerWeek < 1 || in.HoursPerWeek > maxHoursPerWeek {
		return fmt.Errorf("%w: hoursPerWeek must be between 1 and %d", ErrInvalidInput, maxHoursPerWeek)
	}
	return nil
}

type Feature struct {
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	EstimatedHours float64 `json:"estimatedHours"`
}

type FeatureBreakdown struct {
	Core     []Feature `json:"core"`
	Optional []Feature `json:"optional"`
	Excluded []Feature `json:"excluded"`
}

type TechStackItem struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

type TimelineEstimate struct {
	BestCase     float64    `json:"bestCase"`
	WorstCase    float64    `json:"worstCase"`
	BufferWeeks  float64    `json:"bufferWeeks"`
	Confidence   Confidence `json:"confidence"`
	BufferReason string     `json:"bufferReason"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Risk struct {
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Mitigation  string   `json:"mitigation"`
}

// AnalysisResult is the execution plan returned to the client.
type AnalysisResult struct {
	Features    FeatureBreakdown `json:"features"`
	TechStack   []TechStackItem  `json:"techStack"`
	Timeline    TimelineEstimate `json:"timeline"`
	Risks       []Risk           `json:"risks"`
	Assumptions []string         `json:"assumptions"`
}
