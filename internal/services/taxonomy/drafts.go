package taxonomy

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/ternarybob/skillforge/internal/models"
)

const (
	draftSubtree   = "_drafts"
	draftManifest  = "draft.json"
	draftSentinel  = ".complete"
	skillDocFile   = "SKILL.md"
	stagedSuffix   = ".staged"
	archivedSuffix = ".archived"
)

// DraftManifest records what the generate phase knows about a draft so
// promotion does not depend on in-memory workflow state.
type DraftManifest struct {
	JobID        string   `json:"job_id"`
	SkillName    string   `json:"skill_name"`
	TaxonomyPath string   `json:"taxonomy_path"`
	Dependencies []string `json:"dependencies,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Highlights   []string `json:"highlights,omitempty"`
}

// DraftDir returns the reserved draft directory for a job's skill.
func (s *Service) DraftDir(jobID, skillName string) string {
	return filepath.Join(s.root, draftSubtree, jobID, skillName)
}

// WriteDraft writes a draft atomically: all content files first, the
// sentinel marker last. A draft without the sentinel is never promoted.
func (s *Service) WriteDraft(jobID string, plan *models.SkillPlan, draft *models.DraftContent) (string, error) {
	if plan == nil || plan.Metadata.Name == "" {
		return "", models.NewError(models.KindInvalidInput, "draft requires a named plan")
	}
	if _, err := Sanitize(plan.TaxonomyPath); err != nil {
		return "", err
	}
	if !models.ValidName(plan.Metadata.Name) {
		return "", models.NewError(models.KindInvalidInput, "invalid skill name %q", plan.Metadata.Name)
	}

	dir := s.DraftDir(jobID, plan.Metadata.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", models.WrapError(models.KindStorageUnavailable, err, "create draft directory")
	}

	if err := os.WriteFile(filepath.Join(dir, skillDocFile), []byte(draft.Content), 0644); err != nil {
		return "", models.WrapError(models.KindStorageUnavailable, err, "write draft document")
	}

	manifest := &DraftManifest{
		JobID:        jobID,
		SkillName:    plan.Metadata.Name,
		TaxonomyPath: plan.TaxonomyPath,
		Dependencies: plan.Dependencies,
		Capabilities: plan.Capabilities,
		Highlights:   draft.Highlights,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", models.WrapError(models.KindInternal, err, "marshal draft manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, draftManifest), data, 0644); err != nil {
		return "", models.WrapError(models.KindStorageUnavailable, err, "write draft manifest")
	}

	// Sentinel last: its presence marks the draft complete.
	if err := os.WriteFile(filepath.Join(dir, draftSentinel), []byte{}, 0644); err != nil {
		return "", models.WrapError(models.KindStorageUnavailable, err, "write draft sentinel")
	}

	s.logger.Debug().Str("job_id", jobID).Str("dir", dir).Msg("Draft written")
	return dir, nil
}

// ReadManifest loads the manifest of a completed draft. Drafts missing
// the sentinel are treated as absent.
func (s *Service) ReadManifest(draftDir string) (*DraftManifest, error) {
	if _, err := os.Stat(filepath.Join(draftDir, draftSentinel)); err != nil {
		return nil, models.NewError(models.KindNotFound, "no completed draft at %s", draftDir)
	}

	data, err := os.ReadFile(filepath.Join(draftDir, draftManifest))
	if err != nil {
		return nil, models.WrapError(models.KindStorageUnavailable, err, "read draft manifest")
	}

	var manifest DraftManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, models.WrapError(models.KindInternal, err, "parse draft manifest")
	}
	return &manifest, nil
}

// ReadDraftDocument returns the draft's SKILL.md content.
func (s *Service) ReadDraftDocument(draftDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(draftDir, skillDocFile))
	if err != nil {
		return "", models.WrapError(models.KindStorageUnavailable, err, "read draft document")
	}
	return string(data), nil
}

// RemoveDraft deletes a job's draft subtree. Used after promotion and on
// job deletion.
func (s *Service) RemoveDraft(jobID string) error {
	dir := filepath.Join(s.root, draftSubtree, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return models.WrapError(models.KindStorageUnavailable, err, "remove draft")
	}
	return nil
}
