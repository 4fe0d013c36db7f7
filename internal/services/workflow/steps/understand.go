package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/taxonomy"
)

// UnderstandStep turns the task description into a skill plan. It owns
// three suspension points, checked in order: clarify when the task is
// ambiguous, structure_fix when the proposed plan is malformed, and
// confirm before handing off to generation.
type UnderstandStep struct {
	planner Planner
	logger  arbor.ILogger
}

func (s *UnderstandStep) Phase() models.Phase {
	return models.PhaseUnderstand
}

func (s *UnderstandStep) Execute(ctx context.Context, in *interfaces.PhaseInput, sink interfaces.ProgressSink) interfaces.PhaseResult {
	sink.Progress(5, "Analyzing task description")

	answers := clarifyAnswers(in)
	plan, questions, err := s.planner.Plan(ctx, in.Job.TaskDescription, answers, in.Feedback)
	if err != nil {
		return interfaces.Fail(err)
	}

	if len(questions) > 0 && in.LatestResponse(models.HITLClarify) == nil {
		sink.Reasoning(fmt.Sprintf("Task is ambiguous, asking %d clarification question(s)", len(questions)))
		return interfaces.Suspend(models.HITLClarify, map[string]interface{}{
			"questions": questions,
		})
	}
	if plan == nil {
		return interfaces.Fail(models.NewError(models.KindLLMError, "planner produced neither plan nor questions"))
	}

	issues := planIssues(plan)
	if len(issues) > 0 {
		if resp := in.LatestResponse(models.HITLStructureFix); resp != nil && resp.Action == models.ActionProceed {
			applyStructureFix(plan, resp.Payload)
			issues = planIssues(plan)
		}
	}
	if len(issues) > 0 {
		sink.Reasoning("Proposed plan has structural issues")
		return interfaces.Suspend(models.HITLStructureFix, map[string]interface{}{
			"issues":   issues,
			"proposed": plan,
		})
	}

	if !in.Job.AutoApprove {
		resp := in.LatestResponse(models.HITLConfirm)
		if resp == nil || resp.Action != models.ActionProceed {
			return interfaces.Suspend(models.HITLConfirm, map[string]interface{}{
				"plan": plan,
			})
		}
	}

	sink.Progress(30, "Plan confirmed")
	return interfaces.Succeed(plan)
}

// planIssues lists everything that would make the plan unpromotable.
func planIssues(plan *models.SkillPlan) []string {
	var issues []string
	if !models.ValidName(plan.Metadata.Name) {
		issues = append(issues, fmt.Sprintf("name %q is not kebab-case (max %d chars)",
			plan.Metadata.Name, models.SkillNameMaxLen))
	}
	if plan.Metadata.Description == "" {
		issues = append(issues, "description is empty")
	} else if len(plan.Metadata.Description) > models.SkillDescriptionMaxLen {
		issues = append(issues, fmt.Sprintf("description exceeds %d characters", models.SkillDescriptionMaxLen))
	}
	if _, err := taxonomy.Sanitize(plan.TaxonomyPath); err != nil {
		issues = append(issues, fmt.Sprintf("taxonomy_path %q: %s", plan.TaxonomyPath, models.MessageOf(err)))
	}
	for _, dep := range plan.Dependencies {
		if _, err := taxonomy.Sanitize(dep); err != nil {
			issues = append(issues, fmt.Sprintf("dependency %q: %s", dep, models.MessageOf(err)))
		}
	}
	return issues
}

// applyStructureFix merges the operator's corrections into the plan.
// Unknown fields are ignored so clients can echo the proposed plan back.
func applyStructureFix(plan *models.SkillPlan, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	var fix struct {
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		TaxonomyPath string   `json:"taxonomy_path"`
		Dependencies []string `json:"dependencies"`
	}
	if err := json.Unmarshal(payload, &fix); err != nil {
		return
	}
	if fix.Name != "" {
		plan.Metadata.Name = strings.TrimSpace(fix.Name)
	}
	if fix.Description != "" {
		plan.Metadata.Description = strings.TrimSpace(fix.Description)
	}
	if fix.TaxonomyPath != "" {
		plan.TaxonomyPath = strings.Trim(strings.TrimSpace(fix.TaxonomyPath), "/")
	}
	if fix.Dependencies != nil {
		plan.Dependencies = fix.Dependencies
	}
}
