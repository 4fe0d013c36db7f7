package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/services/jobs"
	"github.com/ternarybob/skillforge/internal/services/workflow"
)

// JobHandler serves job status, listing, stats and lifecycle actions.
type JobHandler struct {
	jobs   *jobs.Manager
	engine *workflow.Engine
	logger arbor.ILogger
}

func NewJobHandler(jobManager *jobs.Manager, engine *workflow.Engine, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:   jobManager,
		engine: engine,
		logger: logger,
	}
}

// GetJobHandler returns one job's record.
// GET /api/v1/jobs/{job_id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListJobsHandler pages the job table.
// GET /api/v1/jobs?status=&user_id=&limit=&offset=
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	opts := &interfaces.JobListOptions{
		Status: r.URL.Query().Get("status"),
		UserID: r.URL.Query().Get("user_id"),
		Limit:  QueryInt(r, "limit", 50),
		Offset: QueryInt(r, "offset", 0),
	}
	list, err := h.jobs.List(r.Context(), opts)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

// GetJobStatsHandler counts jobs per status.
// GET /api/v1/jobs/stats
func (h *JobHandler) GetJobStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	stats, err := h.jobs.Stats(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// CancelJobHandler requests cooperative cancellation of a job.
// POST /api/v1/jobs/{job_id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.engine.Cancel(r.Context(), jobID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":    jobID,
		"cancelled": true,
	})
}

// DeleteJobHandler removes a terminal job and releases its stream.
// DELETE /api/v1/jobs/{job_id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.jobs.Delete(r.Context(), jobID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"deleted": true,
	})
}
