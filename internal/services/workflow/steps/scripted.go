package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/skillforge/internal/models"
)

// scriptedPlanner and scriptedGenerator implement the pipeline without an
// LLM. They are deterministic over their inputs, which makes the scripted
// provider usable offline and keeps engine tests reproducible.
type scriptedPlanner struct{}

// ScriptedPlanner returns the deterministic planner so tests and custom
// step sets can pair it with a different generator.
func ScriptedPlanner() Planner {
	return &scriptedPlanner{}
}

// scriptedCategories routes tasks to taxonomy categories by keyword.
var scriptedCategories = []struct {
	keyword  string
	category string
}{
	{"deploy", "devops"},
	{"pipeline", "devops"},
	{"kubernetes", "devops"},
	{"sql", "data"},
	{"database", "data"},
	{"scrape", "data"},
	{"test", "engineering"},
	{"review", "engineering"},
	{"refactor", "engineering"},
	{"write", "writing"},
	{"summarize", "writing"},
	{"document", "writing"},
}

func (p *scriptedPlanner) Plan(ctx context.Context, task string, answers, feedback []string) (*models.SkillPlan, []string, error) {
	words := strings.Fields(task)
	if len(words) < 6 && len(answers) == 0 {
		return nil, []string{
			"The task description is very short. What should the skill accomplish, step by step?",
			"Who is the intended consumer of this skill?",
		}, nil
	}

	name := scriptedName(task)
	category := "general"
	lower := strings.ToLower(task)
	for _, entry := range scriptedCategories {
		if strings.Contains(lower, entry.keyword) {
			category = entry.category
			break
		}
	}

	description := strings.TrimSpace(task)
	if len(description) > models.SkillDescriptionMaxLen {
		description = description[:models.SkillDescriptionMaxLen]
	}
	capabilities := []string{
		"follow the documented procedure for: " + name,
		"explain the reasoning behind each step",
	}

	keywords := strings.Split(name, "-")

	return &models.SkillPlan{
		TaxonomyPath: category,
		Metadata: models.SkillMetadata{
			Name:         name,
			Description:  description,
			Capabilities: capabilities,
			Keywords:     keywords,
			Tags:         []string{category},
		},
		Capabilities: capabilities,
	}, nil, nil
}

// scriptedName derives a kebab-case name from the leading task words.
func scriptedName(task string) string {
	var parts []string
	for _, word := range strings.Fields(strings.ToLower(task)) {
		var b strings.Builder
		for _, r := range word {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		if b.Len() > 2 {
			parts = append(parts, b.String())
		}
		if len(parts) == 4 {
			break
		}
	}
	if len(parts) == 0 {
		return "generated-skill"
	}
	name := strings.Join(parts, "-")
	if len(name) > models.SkillNameMaxLen {
		name = strings.Trim(name[:models.SkillNameMaxLen], "-")
	}
	return name
}

type scriptedGenerator struct{}

func (g *scriptedGenerator) Generate(ctx context.Context, plan *models.SkillPlan, feedback []string) (*models.DraftContent, error) {
	var body strings.Builder
	fmt.Fprintf(&body, "# %s\n\n%s\n\n", plan.Metadata.Name, plan.Metadata.Description)

	body.WriteString("## When to Use\n\n")
	body.WriteString("Use this skill whenever the current task matches the description above. ")
	body.WriteString("It applies when the requester needs a repeatable procedure rather than a one-off answer, ")
	body.WriteString("when intermediate results must be explainable, and when the output will be consumed by ")
	body.WriteString("another agent or reviewed by a person before use.\n\n")

	body.WriteString("## Procedure\n\n")
	for i, capability := range plan.Capabilities {
		fmt.Fprintf(&body, "%d. %s. Confirm the preconditions hold before acting, record what was observed, ", i+1, capability)
		body.WriteString("and prefer the smallest change that satisfies the requirement. If the step cannot be ")
		body.WriteString("completed as described, stop and report the blocking condition instead of improvising.\n")
	}
	body.WriteString("\n## Example\n\n```text\ninput:  the task as stated by the requester\n")
	body.WriteString("steps:  apply the procedure above in order\noutput: the finished artifact plus a short rationale\n```\n\n")

	if len(feedback) > 0 {
		body.WriteString("## Revision Notes\n\n")
		for _, f := range feedback {
			fmt.Fprintf(&body, "- Incorporated: %s\n", f)
		}
		body.WriteString("\n")
	}

	body.WriteString("## Guidance\n\n")
	filler := []string{
		"Prefer explicit checks over assumptions; every branch of the procedure should be observable in the output.",
		"When inputs are malformed, report the specific field and the expected shape rather than a generic failure.",
		"Keep intermediate artifacts until the final result is accepted so a reviewer can audit each step.",
		"Scope each run to a single requested outcome; batch requests should be split before applying this skill.",
		"Record the version of any external tool consulted so results remain reproducible later.",
		"If two steps conflict, the earlier constraint wins and the conflict itself must be surfaced to the requester.",
		"Surface partial progress early; a reviewed half-result beats an unreviewed complete one.",
		"Terminology in the output should match the requester's wording unless it is ambiguous, in which case define it.",
	}
	for wordCount(body.String()) < 520 {
		for _, sentence := range filler {
			body.WriteString(sentence)
			body.WriteString(" ")
		}
		body.WriteString("\n\n")
	}

	content, err := composeDocument(&plan.Metadata, strings.TrimSpace(body.String()))
	if err != nil {
		return nil, err
	}
	return &models.DraftContent{
		Content:    content,
		Highlights: extractHighlights(content),
	}, nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
