// Package steps implements the pipeline phases. Each step is pure over
// its input: suspension state lives in the answered interaction rows, so
// re-executing a step after a response (or a restart) converges instead
// of re-prompting.
package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/validation"
)

// Planner produces a structured plan from a task description. Questions
// are returned when the task is too ambiguous to plan.
type Planner interface {
	Plan(ctx context.Context, task string, answers, feedback []string) (*models.SkillPlan, []string, error)
}

// Generator produces the draft document for a plan.
type Generator interface {
	Generate(ctx context.Context, plan *models.SkillPlan, feedback []string) (*models.DraftContent, error)
}

// Set maps phases to their steps.
type Set struct {
	steps map[models.Phase]interfaces.PhaseStep
}

// NewSet builds the three-phase step set over a planner and generator.
func NewSet(planner Planner, generator Generator, validator *validation.Service, logger arbor.ILogger) *Set {
	return &Set{
		steps: map[models.Phase]interfaces.PhaseStep{
			models.PhaseUnderstand: &UnderstandStep{planner: planner, logger: logger},
			models.PhaseGenerate:   &GenerateStep{generator: generator, logger: logger},
			models.PhaseValidate:   &ValidateStep{validator: validator, logger: logger},
		},
	}
}

// NewLLMSet builds steps backed by an LLM provider.
func NewLLMSet(llm interfaces.LLMService, validator *validation.Service, logger arbor.ILogger) *Set {
	return NewSet(&llmPlanner{llm: llm, logger: logger}, &llmGenerator{llm: llm, logger: logger}, validator, logger)
}

// NewScriptedSet builds the deterministic offline steps.
func NewScriptedSet(validator *validation.Service, logger arbor.ILogger) *Set {
	return NewSet(&scriptedPlanner{}, &scriptedGenerator{}, validator, logger)
}

// Step returns the step for an LLM-backed phase.
func (s *Set) Step(phase models.Phase) (interfaces.PhaseStep, error) {
	step, ok := s.steps[phase]
	if !ok {
		return nil, models.NewError(models.KindInternal, "no step registered for phase %q", phase)
	}
	return step, nil
}

// clarifyAnswers extracts the answers from an answered clarify response.
func clarifyAnswers(in *interfaces.PhaseInput) []string {
	resp := in.LatestResponse(models.HITLClarify)
	if resp == nil || resp.Action != models.ActionProceed {
		return nil
	}
	var body struct {
		Answers []string `json:"answers"`
	}
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		return nil
	}
	return body.Answers
}

// extractJSON pulls the first JSON object out of an LLM response,
// tolerating fenced code blocks and surrounding prose.
func extractJSON(response string) (string, bool) {
	if idx := strings.Index(response, "```"); idx >= 0 {
		rest := response[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			response = rest[:end]
		}
	}

	start := strings.Index(response, "{")
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(response); i++ {
		switch response[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1], true
			}
		}
	}
	return "", false
}
