// -----------------------------------------------------------------------
// Phase I/O - structured inputs and outputs of the pipeline phases
// -----------------------------------------------------------------------

package models

// SkillPlan is the structured output of the Understand phase.
type SkillPlan struct {
	TaxonomyPath string        `json:"taxonomy_path"`
	Metadata     SkillMetadata `json:"metadata"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

// DraftContent is the structured output of the Generate phase.
type DraftContent struct {
	Content    string   `json:"draft_content"`
	Highlights []string `json:"highlights,omitempty"`
}

// Severity ranks a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one structural or metadata check result.
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// ValidationReport aggregates layer findings for a draft. Passed is true
// iff no finding has error severity.
type ValidationReport struct {
	Passed   bool      `json:"passed"`
	Score    float64   `json:"score"`
	Errors   []Finding `json:"errors"`
	Warnings []Finding `json:"warnings"`
}

// ValidateOutput is the structured output of the Validate phase.
type ValidateOutput struct {
	Report ValidationReport `json:"validation_report"`
	Score  float64          `json:"score"`
}
