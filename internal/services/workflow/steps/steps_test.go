package steps

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/skillforge/internal/models"
)

func TestExtractJSON(t *testing.T) {
	raw, ok := extractJSON("Here is the plan:\n```json\n{\"name\": \"x\", \"nested\": {\"a\": 1}}\n```\nDone.")
	require.True(t, ok)
	assert.Equal(t, `{"name": "x", "nested": {"a": 1}}`, raw)

	raw, ok = extractJSON(`prefix {"a": {"b": 2}} suffix`)
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": 2}}`, raw)

	_, ok = extractJSON("no json here")
	assert.False(t, ok)
}

func TestScriptedNameIsKebabCase(t *testing.T) {
	assert.Equal(t, "summarize-long-incident-reports",
		scriptedName("Summarize long incident reports into short status updates"))
	assert.Equal(t, "review-database-migration-scripts",
		scriptedName("Review database migration scripts, for destructive statements!"))
	assert.Equal(t, "generated-skill", scriptedName("a b c"))
	assert.True(t, models.ValidName(scriptedName("Deploy THE new build (v2) to staging")))
}

func TestScriptedPlannerAsksWhenTaskIsShort(t *testing.T) {
	planner := &scriptedPlanner{}

	plan, questions, err := planner.Plan(context.Background(), "Make a skill", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, plan)
	assert.NotEmpty(t, questions)

	// answers satisfy the ambiguity
	plan, questions, err = planner.Plan(context.Background(), "Make a skill",
		[]string{"summarize open pull requests weekly"}, nil)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Empty(t, questions)
	assert.Equal(t, "make-skill", plan.Metadata.Name)
}

func TestScriptedPlannerRoutesCategories(t *testing.T) {
	planner := &scriptedPlanner{}
	cases := map[string]string{
		"Deploy the billing service to the staging cluster safely": "devops",
		"Summarize long incident reports into brief updates":       "writing",
		"Inspect database tables for orphaned foreign keys":        "data",
		"Organize a weekly knitting circle with rotating hosts":    "general",
	}
	for task, category := range cases {
		plan, _, err := planner.Plan(context.Background(), task, nil, nil)
		require.NoError(t, err)
		require.NotNil(t, plan, task)
		assert.Equal(t, category, plan.TaxonomyPath, task)
	}
}

func TestScriptedGeneratorProducesValidatableDraft(t *testing.T) {
	planner := &scriptedPlanner{}
	plan, _, err := planner.Plan(context.Background(),
		"Summarize long incident reports into short status updates", nil, nil)
	require.NoError(t, err)

	draft, err := (&scriptedGenerator{}).Generate(context.Background(), plan, nil)
	require.NoError(t, err)

	metadata, body, err := models.ParseFrontmatter(draft.Content)
	require.NoError(t, err)
	assert.Equal(t, plan.Metadata.Name, metadata.Name)
	assert.Contains(t, draft.Content, "## When to Use")
	assert.GreaterOrEqual(t, wordCount(body), 500)
	assert.Contains(t, draft.Highlights, "When to Use")
}

func TestScriptedGeneratorFoldsInFeedback(t *testing.T) {
	plan := &models.SkillPlan{
		TaxonomyPath: "writing",
		Metadata: models.SkillMetadata{
			Name:        "weekly-report",
			Description: "Write the weekly engineering report",
		},
		Capabilities: []string{"collect highlights from merged pull requests"},
	}

	draft, err := (&scriptedGenerator{}).Generate(context.Background(), plan,
		[]string{"include a risks section"})
	require.NoError(t, err)
	assert.Contains(t, draft.Content, "include a risks section")
}

func TestPlanIssues(t *testing.T) {
	valid := &models.SkillPlan{
		TaxonomyPath: "devops/ci",
		Metadata:     models.SkillMetadata{Name: "retry-policy", Description: "Retries for CI steps"},
		Dependencies: []string{"devops/ci/base"},
	}
	assert.Empty(t, planIssues(valid))

	bad := &models.SkillPlan{
		TaxonomyPath: "../escape",
		Metadata:     models.SkillMetadata{Name: "Not Kebab"},
		Dependencies: []string{"also bad path"},
	}
	issues := planIssues(bad)
	assert.Len(t, issues, 4)
}

func TestApplyStructureFix(t *testing.T) {
	plan := &models.SkillPlan{
		TaxonomyPath: "../escape",
		Metadata:     models.SkillMetadata{Name: "Not Kebab", Description: "d"},
	}
	applyStructureFix(plan, []byte(`{"name":"not-kebab","taxonomy_path":"devops/ci"}`))
	assert.Equal(t, "not-kebab", plan.Metadata.Name)
	assert.Equal(t, "devops/ci", plan.TaxonomyPath)
	assert.Empty(t, planIssues(plan))

	// malformed payloads are ignored, not fatal
	applyStructureFix(plan, []byte(`{{`))
	assert.Equal(t, "not-kebab", plan.Metadata.Name)
}

func TestComposeDocumentRoundTrips(t *testing.T) {
	metadata := &models.SkillMetadata{
		Name:        "retry-policy",
		Description: "Retries for flaky CI steps",
	}
	content, err := composeDocument(metadata, "# Retry Policy\n\nBody text.")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(content, "---\n"))

	parsed, body, err := models.ParseFrontmatter(content)
	require.NoError(t, err)
	assert.Equal(t, metadata.Name, parsed.Name)
	assert.Contains(t, body, "# Retry Policy")
}
