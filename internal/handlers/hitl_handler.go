package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/hitl"
)

// HITLHandler serves the prompt poll and response delivery endpoints.
type HITLHandler struct {
	coordinator *hitl.Coordinator
	logger      arbor.ILogger
}

func NewHITLHandler(coordinator *hitl.Coordinator, logger arbor.ILogger) *HITLHandler {
	return &HITLHandler{
		coordinator: coordinator,
		logger:      logger,
	}
}

// GetPromptHandler returns the job's outstanding prompt, if any.
// GET /api/v1/hitl/{job_id}/prompt
func (h *HITLHandler) GetPromptHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	view, err := h.coordinator.GetPrompt(r.Context(), jobID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// PostResponseHandler delivers a response to the pending prompt. Shape
// mismatches are 422 and leave the prompt pending.
// POST /api/v1/hitl/{job_id}/response
func (h *HITLHandler) PostResponseHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	var response models.HITLResponse
	if err := DecodeJSON(r, &response); err != nil {
		WriteError(w, err)
		return
	}

	if err := h.coordinator.Deliver(r.Context(), jobID, &response); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{
		"accepted": true,
	})
}
