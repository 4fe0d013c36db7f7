package validation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// allowedSubdirs is the subdirectory allowlist for a skill tree.
var allowedSubdirs = map[string]bool{
	"references": true,
	"guides":     true,
	"templates":  true,
	"scripts":    true,
	"examples":   true,
	"assets":     true,
}

// legacySubdirs maps deprecated directory names to their replacements.
// Legacy names degrade to warnings, not errors.
var legacySubdirs = map[string]string{
	"reference": "references",
	"docs":      "guides",
	"doc":       "guides",
	"template":  "templates",
	"script":    "scripts",
	"example":   "examples",
}

// fileNameRe bounds file names inside a skill tree.
var fileNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var wordRe = regexp.MustCompile(`[a-zA-Z0-9'-]+`)

const skillDocFile = "SKILL.md"

// Scorer augments the rule-based score, e.g. with an LLM quality pass.
type Scorer interface {
	Score(ctx context.Context, draftDir string, report *models.ValidationReport) (float64, error)
}

// Service runs the rule-based draft checks: structure, metadata,
// documentation, subdirectories and quality heuristics.
type Service struct {
	logger   arbor.ILogger
	config   *common.ValidationConfig
	validate *validator.Validate
	markdown goldmark.Markdown
	scorer   Scorer
}

// NewService creates a validation service with the configured weights.
func NewService(logger arbor.ILogger, config *common.ValidationConfig) *Service {
	return &Service{
		logger:   logger,
		config:   config,
		validate: validator.New(),
		markdown: goldmark.New(),
	}
}

// WithScorer attaches an additional quality scorer. The final score is
// the mean of the rule-based score and the scorer's result.
func (s *Service) WithScorer(scorer Scorer) *Service {
	s.scorer = scorer
	return s
}

// ValidateDraft checks a draft directory and aggregates the layer
// findings into a report. Passed is true iff no error-severity finding.
func (s *Service) ValidateDraft(ctx context.Context, draftDir string) (*models.ValidationReport, error) {
	var structure, metadata, documentation, quality []models.Finding

	content, found := s.checkStructure(draftDir, &structure)
	s.checkSubdirectories(draftDir, &structure)

	var meta *models.SkillMetadata
	var body string
	if found {
		var err error
		meta, body, err = models.ParseFrontmatter(content)
		if err != nil {
			metadata = append(metadata, models.Finding{
				Code: "metadata.frontmatter", Severity: models.SeverityError, Message: models.MessageOf(err),
			})
		} else {
			s.checkMetadata(meta, &metadata)
		}
		s.checkDocumentation(body, &documentation)
		s.checkQuality(meta, body, &quality)
	}

	report := &models.ValidationReport{}
	for _, finding := range concat(structure, metadata, documentation, quality) {
		if finding.Severity == models.SeverityError {
			report.Errors = append(report.Errors, finding)
		} else {
			report.Warnings = append(report.Warnings, finding)
		}
	}
	report.Passed = len(report.Errors) == 0

	weighted := layerScore(structure)*s.config.StructureWeight +
		layerScore(metadata)*s.config.MetadataWeight +
		layerScore(documentation)*s.config.DocumentationWeight +
		layerScore(quality)*s.config.QualityWeight
	total := s.config.StructureWeight + s.config.MetadataWeight +
		s.config.DocumentationWeight + s.config.QualityWeight
	if total > 0 {
		report.Score = weighted / total
	}

	if s.scorer != nil {
		extra, err := s.scorer.Score(ctx, draftDir, report)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Quality scorer failed; keeping rule-based score")
		} else {
			report.Score = (report.Score + extra) / 2
		}
	}

	s.logger.Debug().
		Str("dir", draftDir).
		Int("errors", len(report.Errors)).
		Int("warnings", len(report.Warnings)).
		Msg("Draft validated")

	return report, nil
}

// checkStructure verifies the required document exists and the tree is
// free of symlinks and unsafe names. Returns the document content.
func (s *Service) checkStructure(draftDir string, findings *[]models.Finding) (string, bool) {
	info, err := os.Lstat(draftDir)
	if err != nil || !info.IsDir() {
		*findings = append(*findings, models.Finding{
			Code: "structure.missing_dir", Severity: models.SeverityError,
			Message: fmt.Sprintf("draft directory %s does not exist", draftDir),
		})
		return "", false
	}

	filepath.Walk(draftDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == draftDir {
			return nil
		}
		name := filepath.Base(path)
		if info.Mode()&os.ModeSymlink != 0 {
			*findings = append(*findings, models.Finding{
				Code: "structure.symlink", Severity: models.SeverityError,
				Message: fmt.Sprintf("symlink not allowed: %s", name),
			})
			return nil
		}
		if !fileNameRe.MatchString(name) {
			*findings = append(*findings, models.Finding{
				Code: "structure.unsafe_name", Severity: models.SeverityError,
				Message: fmt.Sprintf("unsafe path component: %q", name),
			})
		}
		return nil
	})

	data, err := os.ReadFile(filepath.Join(draftDir, skillDocFile))
	if err != nil {
		*findings = append(*findings, models.Finding{
			Code: "structure.missing_doc", Severity: models.SeverityError,
			Message: skillDocFile + " is required",
		})
		return "", false
	}
	return string(data), true
}

// checkSubdirectories enforces the allowlist; legacy names deprecate.
func (s *Service) checkSubdirectories(draftDir string, findings *[]models.Finding) {
	entries, err := os.ReadDir(draftDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if allowedSubdirs[name] {
			continue
		}
		if replacement, ok := legacySubdirs[name]; ok {
			*findings = append(*findings, models.Finding{
				Code: "structure.legacy_subdir", Severity: models.SeverityWarning,
				Message: fmt.Sprintf("directory %q is deprecated; use %q", name, replacement),
			})
			continue
		}
		*findings = append(*findings, models.Finding{
			Code: "structure.unknown_subdir", Severity: models.SeverityError,
			Message: fmt.Sprintf("directory %q is not in the allowlist", name),
		})
	}
}

// checkMetadata validates the frontmatter fields.
func (s *Service) checkMetadata(meta *models.SkillMetadata, findings *[]models.Finding) {
	if err := s.validate.Struct(meta); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, verr := range verrs {
				*findings = append(*findings, models.Finding{
					Code:     "metadata." + strings.ToLower(verr.Field()),
					Severity: models.SeverityError,
					Message:  fmt.Sprintf("field %s fails %q constraint", verr.Field(), verr.Tag()),
				})
			}
		} else {
			*findings = append(*findings, models.Finding{
				Code: "metadata.invalid", Severity: models.SeverityError, Message: err.Error(),
			})
		}
	}
	if meta.Name != "" && !models.ValidName(meta.Name) {
		*findings = append(*findings, models.Finding{
			Code: "metadata.name", Severity: models.SeverityError,
			Message: fmt.Sprintf("name %q must be kebab-case, at most %d characters", meta.Name, models.SkillNameMaxLen),
		})
	}
}

// checkDocumentation inspects the markdown body: minimum length, a
// "When to Use" heading, and at least one fenced code block (advisory).
func (s *Service) checkDocumentation(body string, findings *[]models.Finding) {
	if len(strings.TrimSpace(body)) < 100 {
		*findings = append(*findings, models.Finding{
			Code: "documentation.too_short", Severity: models.SeverityError,
			Message: "document body must be at least 100 characters",
		})
		return
	}

	source := []byte(body)
	doc := s.markdown.Parser().Parse(text.NewReader(source))

	hasWhenToUse := false
	codeBlocks := 0
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			title := strings.ToLower(string(node.Text(source)))
			if strings.Contains(title, "when to use") {
				hasWhenToUse = true
			}
		case *ast.FencedCodeBlock:
			codeBlocks++
		}
		return ast.WalkContinue, nil
	})

	if !hasWhenToUse {
		*findings = append(*findings, models.Finding{
			Code: "documentation.when_to_use", Severity: models.SeverityError,
			Message: "document must contain a \"When to Use\" heading",
		})
	}
	if codeBlocks == 0 {
		*findings = append(*findings, models.Finding{
			Code: "documentation.no_examples", Severity: models.SeverityWarning,
			Message: "at least one fenced code block is recommended",
		})
	}
}

// checkQuality applies the word-count band, the verbosity heuristic and
// trigger-phrase coverage. All three are advisory.
func (s *Service) checkQuality(meta *models.SkillMetadata, body string, findings *[]models.Finding) {
	words := wordRe.FindAllString(strings.ToLower(body), -1)

	if len(words) < s.config.WordCountMin || len(words) > s.config.WordCountMax {
		*findings = append(*findings, models.Finding{
			Code: "quality.word_count", Severity: models.SeverityWarning,
			Message: fmt.Sprintf("word count %d outside recommended range [%d, %d]",
				len(words), s.config.WordCountMin, s.config.WordCountMax),
		})
	}

	if v := verbosity(words); v > s.config.VerbosityMax {
		*findings = append(*findings, models.Finding{
			Code: "quality.verbosity", Severity: models.SeverityWarning,
			Message: fmt.Sprintf("verbosity %.2f exceeds %.2f; reduce repetition", v, s.config.VerbosityMax),
		})
	}

	if meta != nil {
		if coverage := triggerCoverage(meta, words); coverage < s.config.TriggerCoverageMin {
			*findings = append(*findings, models.Finding{
				Code: "quality.trigger_coverage", Severity: models.SeverityWarning,
				Message: fmt.Sprintf("trigger-phrase coverage %.2f below %.2f; restate the description terms in the body",
					coverage, s.config.TriggerCoverageMin),
			})
		}
	}
}

// verbosity measures repetition as 1 - unique/total words. Zero for an
// empty body.
func verbosity(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	unique := make(map[string]bool, len(words))
	for _, w := range words {
		unique[w] = true
	}
	return 1 - float64(len(unique))/float64(len(words))
}

// triggerCoverage is the fraction of description and capability terms
// that appear in the body. Short stop words are ignored.
func triggerCoverage(meta *models.SkillMetadata, bodyWords []string) float64 {
	present := make(map[string]bool, len(bodyWords))
	for _, w := range bodyWords {
		present[w] = true
	}

	source := strings.ToLower(meta.Description + " " + strings.Join(meta.Capabilities, " "))
	terms := wordRe.FindAllString(source, -1)

	total, covered := 0, 0
	for _, term := range terms {
		if len(term) < 4 {
			continue
		}
		total++
		if present[term] {
			covered++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(covered) / float64(total)
}

// layerScore folds findings into [0,1]: errors cost half, warnings a
// tenth.
func layerScore(findings []models.Finding) float64 {
	score := 1.0
	for _, f := range findings {
		if f.Severity == models.SeverityError {
			score -= 0.5
		} else {
			score -= 0.1
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

func concat(lists ...[]models.Finding) []models.Finding {
	var out []models.Finding
	for _, list := range lists {
		out = append(out, list...)
	}
	return out
}
