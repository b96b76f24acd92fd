package analyzer

import (
	"fmt"
	"strings"
)

// SystemPrompt instructs the model to act as a planning engineer and answer
// with a single JSON document.
const SystemPrompt = `You are a senior technical project manager and solution architect.
Analyze the project idea you are given and reply with a strict JSON execution plan.
Be realistic about timelines and strict about feature scope. Do not chat.

Reply with exactly this JSON shape:
{
  "features": {
    "core":     [{"name": "string", "description": "string", "estimatedHours": number}],
    "optional": [{"name": "string", "description": "string", "estimatedHours": number}],
    "excluded": [{"name": "string", "description": "string", "estimatedHours": number}]
  },
  "techStack": [{"name": "string", "category": "Frontend|Backend|Database|DevOps|AI", "reason": "string"}],
  "timeline": {
    "bestCase": number,
    "worstCase": number,
    "bufferWeeks": number,
    "confidence": "low|medium|high",
    "bufferReason": "string"
  },
  "risks": [{"severity": "low|medium|high", "title": "string", "description": "string", "mitigation": "string"}],
  "assumptions": ["string"]
}

Rules:
1. Timeline values are in weeks.
2. For a beginner, multiply the timeline by 1.5 and prefer simpler tools.
3. For a solo developer, keep core features to the minimum viable product.
4. Give a concrete reason for every tech stack choice.
5. Lower the confidence when the idea is vague.
6. bestCase is at least 2 weeks for any non-trivial project.`

// UserPrompt renders the project input as the user turn.
func UserPrompt(in ProjectInput) string {
	platform := in.Platform
	if platform == "" {
		platform = PlatformWeb
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project idea: %s\n", strings.TrimSpace(in.ProjectIdea))
	fmt.Fprintf(&b, "Skill level: %s\n", in.SkillLevel)
	fmt.Fprintf(&b, "Team size: %s\n", in.TeamSize)
	fmt.Fprintf(&b, "Platform: %s\n", platform)
	fmt.Fprintf(&b, "Available time: %d weeks, %d hours per week\n", in.TotalWeeks, in.HoursPerWeek)
	if in.UseAI {
		b.WriteString("The product should use AI features.\n")
	}
	b.WriteString("\nReturn only JSON.")
	return b.String()
}
