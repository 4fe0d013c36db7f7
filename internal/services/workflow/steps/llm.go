package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"gopkg.in/yaml.v3"
)

const plannerSystemPrompt = `You are a skill-authoring planner. Given a task description you produce
a plan for a reusable skill document, or clarification questions when the
task is too ambiguous to plan.

Respond with a single JSON object and nothing else:
{
  "needs_clarification": false,
  "questions": [],
  "name": "kebab-case-skill-name",
  "taxonomy_path": "category/subcategory",
  "description": "one to three sentences describing when an agent should use this skill",
  "capabilities": ["short capability phrases"],
  "keywords": ["single-word search terms"],
  "dependencies": ["canonical/paths/of-existing-skills"]
}

Rules:
- name: lowercase kebab-case, at most 64 characters.
- taxonomy_path: 1 to 8 lowercase segments separated by "/", segments
  match [a-z0-9_-]+. Never start with "_drafts".
- Set needs_clarification true and fill questions only when you cannot
  produce a sensible plan; otherwise leave questions empty.
- dependencies should usually be empty unless the task names them.`

const generatorSystemPrompt = `You are a skill-authoring writer. You produce the markdown body of a
skill document for AI agents. Do not include YAML frontmatter; it is
added by the caller. Requirements:

- Start with a level-1 heading naming the skill.
- Include a "## When to Use" section describing the triggering situations.
- Include concrete guidance sections with at least one fenced code block
  where examples help.
- Between 500 and 1500 words, information-dense, no filler.`

// llmPlanner derives skill plans through an LLM provider.
type llmPlanner struct {
	llm    interfaces.LLMService
	logger arbor.ILogger
}

// plannerReply is the JSON contract of the planner prompt.
type plannerReply struct {
	NeedsClarification bool     `json:"needs_clarification"`
	Questions          []string `json:"questions"`
	Name               string   `json:"name"`
	TaxonomyPath       string   `json:"taxonomy_path"`
	Description        string   `json:"description"`
	Capabilities       []string `json:"capabilities"`
	Keywords           []string `json:"keywords"`
	Dependencies       []string `json:"dependencies"`
}

func (p *llmPlanner) Plan(ctx context.Context, task string, answers, feedback []string) (*models.SkillPlan, []string, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Task description:\n%s\n", task)
	if len(answers) > 0 {
		user.WriteString("\nClarification answers from the requester:\n")
		for i, a := range answers {
			fmt.Fprintf(&user, "%d. %s\n", i+1, a)
		}
	}
	if len(feedback) > 0 {
		user.WriteString("\nRevision feedback on earlier plans, oldest first:\n")
		for _, f := range feedback {
			fmt.Fprintf(&user, "- %s\n", f)
		}
	}

	response, err := p.llm.Chat(ctx, []interfaces.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: user.String()},
	})
	if err != nil {
		return nil, nil, err
	}

	raw, ok := extractJSON(response)
	if !ok {
		return nil, nil, models.NewError(models.KindLLMError, "planner response contains no JSON object")
	}
	var reply plannerReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, nil, models.WrapError(models.KindLLMError, err, "decode planner response")
	}

	if reply.NeedsClarification && len(answers) == 0 {
		if len(reply.Questions) == 0 {
			return nil, nil, models.NewError(models.KindLLMError, "planner asked for clarification without questions")
		}
		return nil, reply.Questions, nil
	}
	if reply.Name == "" {
		return nil, nil, models.NewError(models.KindLLMError, "planner response is missing a skill name")
	}

	return &models.SkillPlan{
		TaxonomyPath: strings.Trim(reply.TaxonomyPath, "/"),
		Metadata: models.SkillMetadata{
			Name:         reply.Name,
			Description:  reply.Description,
			Capabilities: reply.Capabilities,
			Keywords:     reply.Keywords,
			Dependencies: reply.Dependencies,
		},
		Capabilities: reply.Capabilities,
		Dependencies: reply.Dependencies,
	}, nil, nil
}

// llmGenerator writes the draft body through an LLM provider and wraps it
// in frontmatter built from the plan, so the metadata block is always
// machine-correct regardless of model output.
type llmGenerator struct {
	llm    interfaces.LLMService
	logger arbor.ILogger
}

func (g *llmGenerator) Generate(ctx context.Context, plan *models.SkillPlan, feedback []string) (*models.DraftContent, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Skill name: %s\nDescription: %s\n", plan.Metadata.Name, plan.Metadata.Description)
	if len(plan.Capabilities) > 0 {
		fmt.Fprintf(&user, "Capabilities: %s\n", strings.Join(plan.Capabilities, "; "))
	}
	if len(feedback) > 0 {
		user.WriteString("\nFeedback on earlier drafts, oldest first:\n")
		for _, f := range feedback {
			fmt.Fprintf(&user, "- %s\n", f)
		}
	}

	body, err := g.llm.Chat(ctx, []interfaces.Message{
		{Role: "system", Content: generatorSystemPrompt},
		{Role: "user", Content: user.String()},
	})
	if err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, models.NewError(models.KindLLMError, "generator returned an empty body")
	}

	content, err := composeDocument(&plan.Metadata, body)
	if err != nil {
		return nil, err
	}
	return &models.DraftContent{
		Content:    content,
		Highlights: extractHighlights(content),
	}, nil
}

// composeDocument prepends YAML frontmatter to a markdown body.
func composeDocument(metadata *models.SkillMetadata, body string) (string, error) {
	header, err := yaml.Marshal(metadata)
	if err != nil {
		return "", models.WrapError(models.KindInternal, err, "marshal frontmatter")
	}
	return "---\n" + string(header) + "---\n\n" + body + "\n", nil
}

// extractHighlights collects the second-level headings of a draft.
func extractHighlights(content string) []string {
	var highlights []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "## ") {
			highlights = append(highlights, strings.TrimSpace(strings.TrimPrefix(line, "## ")))
		}
	}
	return highlights
}
