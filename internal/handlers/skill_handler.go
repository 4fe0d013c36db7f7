package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/jobs"
	"github.com/ternarybob/skillforge/internal/services/taxonomy"
	"github.com/ternarybob/skillforge/internal/services/workflow"
)

// SkillHandler serves skill submission, lookup and refinement.
type SkillHandler struct {
	jobs     *jobs.Manager
	engine   *workflow.Engine
	taxonomy *taxonomy.Service
	logger   arbor.ILogger
}

func NewSkillHandler(jobManager *jobs.Manager, engine *workflow.Engine, taxonomyService *taxonomy.Service, logger arbor.ILogger) *SkillHandler {
	return &SkillHandler{
		jobs:     jobManager,
		engine:   engine,
		taxonomy: taxonomyService,
		logger:   logger,
	}
}

// SubmitHandler accepts a skill-creation request and starts its job.
// POST /api/v1/skills
func (h *SkillHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskDescription string `json:"task_description"`
		UserID          string `json:"user_id"`
		AutoApprove     bool   `json:"auto_approve"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	job, err := h.jobs.Create(r.Context(), req.TaskDescription, req.UserID, req.AutoApprove)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.engine.Start(job.ID); err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": "accepted",
	})
}

// ListHandler returns non-archived skills, optionally under a subtree
// or matching an indexed keyword/tag.
// GET /api/v1/skills?prefix=&q=
func (h *SkillHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	var skills []*models.Skill
	var err error
	if term := r.URL.Query().Get("q"); term != "" {
		skills, err = h.taxonomy.Search(r.Context(), term)
	} else {
		skills, err = h.taxonomy.ListSkills(r.Context(), r.URL.Query().Get("prefix"))
	}
	if err != nil {
		WriteError(w, err)
		return
	}

	summaries := make([]map[string]interface{}, 0, len(skills))
	for _, skill := range skills {
		summaries = append(summaries, map[string]interface{}{
			"id":             skill.ID,
			"canonical_path": skill.CanonicalPath,
			"name":           skill.Metadata.Name,
			"description":    skill.Metadata.Description,
			"version":        skill.Version,
			"status":         skill.Status,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"skills": summaries,
		"count":  len(summaries),
	})
}

// GetHandler returns the detail for one skill. The identifier may be a
// surrogate id, a canonical path or a legacy alias.
// GET /api/v1/skills/{id_or_path}
func (h *SkillHandler) GetHandler(w http.ResponseWriter, r *http.Request, identifier string) {
	skill, err := h.taxonomy.GetByIdentifier(r.Context(), identifier)
	if err != nil {
		WriteError(w, err)
		return
	}

	dependencies, err := h.taxonomy.Dependencies(r.Context(), skill.CanonicalPath)
	if err != nil {
		WriteError(w, err)
		return
	}
	dependents, err := h.taxonomy.Dependents(r.Context(), skill.CanonicalPath)
	if err != nil {
		WriteError(w, err)
		return
	}

	detail := map[string]interface{}{
		"skill":        skill,
		"dependencies": dependencies,
		"dependents":   dependents,
	}
	if content, err := h.taxonomy.ReadDocument(skill.CanonicalPath); err == nil {
		detail["content"] = content
	}
	WriteJSON(w, http.StatusOK, detail)
}

// RefineHandler opens a refinement job for a published skill.
// POST /api/v1/skills/{id}/refine
func (h *SkillHandler) RefineHandler(w http.ResponseWriter, r *http.Request, identifier string) {
	var req struct {
		Feedback   string   `json:"feedback"`
		FocusAreas []string `json:"focus_areas"`
		UserID     string   `json:"user_id"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if strings.TrimSpace(req.Feedback) == "" {
		WriteError(w, models.NewError(models.KindInvalidInput, "feedback is required"))
		return
	}

	skill, err := h.taxonomy.GetByIdentifier(r.Context(), identifier)
	if err != nil {
		WriteError(w, err)
		return
	}
	if skill.Status != models.SkillActive {
		WriteError(w, models.NewError(models.KindConflictingState,
			"skill %s is %s and cannot be refined", skill.CanonicalPath, skill.Status))
		return
	}

	task := fmt.Sprintf("Refine the existing skill %q (%s): %s",
		skill.CanonicalPath, skill.Metadata.Description, req.Feedback)
	if len(req.FocusAreas) > 0 {
		task += " Focus areas: " + strings.Join(req.FocusAreas, ", ") + "."
	}

	job, err := h.jobs.Create(r.Context(), task, req.UserID, false)
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := h.jobs.Update(r.Context(), job.ID, func(j *models.Job) error {
		j.RefineOf = skill.ID
		j.Feedback = append(j.Feedback, req.Feedback)
		return nil
	}); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.engine.Start(job.ID); err != nil {
		WriteError(w, err)
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("skill_id", skill.ID).
		Msg("Refinement job started")
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": "accepted",
	})
}
