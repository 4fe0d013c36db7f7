package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/jobs"
	"github.com/ternarybob/skillforge/internal/services/taxonomy"
)

// DraftHandler serves manual draft promotion. The engine promotes
// automatically on success; this endpoint covers re-promotion with
// overwrite and force-promotion of drafts whose job failed validation.
type DraftHandler struct {
	jobs     *jobs.Manager
	taxonomy *taxonomy.Service
	logger   arbor.ILogger
}

func NewDraftHandler(jobManager *jobs.Manager, taxonomyService *taxonomy.Service, logger arbor.ILogger) *DraftHandler {
	return &DraftHandler{
		jobs:     jobManager,
		taxonomy: taxonomyService,
		logger:   logger,
	}
}

// PromoteHandler promotes a job's completed draft into the taxonomy.
// Without force, only completed jobs and jobs that failed validation are
// eligible; force promotes any job's draft regardless of its outcome.
// POST /api/v1/drafts/{job_id}/promote
func (h *DraftHandler) PromoteHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	var req struct {
		Overwrite bool `json:"overwrite"`
		Force     bool `json:"force"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		WriteError(w, err)
		return
	}

	if !req.Force {
		failedValidation := job.Status == models.JobStatusFailed &&
			job.Error != nil && job.Error.Kind == models.KindValidationFailed
		if job.Status != models.JobStatusCompleted && !failedValidation {
			WriteError(w, models.NewError(models.KindConflictingState,
				"job %s is %s; use force to promote anyway", jobID, job.Status))
			return
		}
	}

	skill, err := h.taxonomy.Promote(r.Context(), job, req.Overwrite)
	if err != nil {
		WriteError(w, err)
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("path", skill.CanonicalPath).
		Bool("force", req.Force).
		Msg("Draft promoted via API")
	WriteJSON(w, http.StatusOK, map[string]string{
		"canonical_path": skill.CanonicalPath,
		"skill_id":       skill.ID,
		"version":        skill.Version,
	})
}
