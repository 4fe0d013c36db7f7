package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/jobs"
)

// sseHeartbeatInterval keeps idle proxies from closing the stream.
const sseHeartbeatInterval = 15 * time.Second

// SSEEventsHandler streams a job's ordered events as text/event-stream.
type SSEEventsHandler struct {
	jobs   *jobs.Manager
	bus    interfaces.EventBus
	logger arbor.ILogger
}

func NewSSEEventsHandler(jobManager *jobs.Manager, bus interfaces.EventBus, logger arbor.ILogger) *SSEEventsHandler {
	return &SSEEventsHandler{
		jobs:   jobManager,
		bus:    bus,
		logger: logger,
	}
}

// StreamHandler replays history past ?since= and follows the live
// stream. The stream ends after a terminal event, a lagged marker, or
// client disconnect; clients reconnect with the last sequence they saw.
// GET /api/v1/jobs/{job_id}/events?since={seq}
func (h *SSEEventsHandler) StreamHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, err := h.jobs.Get(r.Context(), jobID); err != nil {
		WriteError(w, err)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			WriteError(w, models.NewError(models.KindInvalidInput, "since must be a non-negative integer"))
			return
		}
		since = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.bus.Subscribe(jobID, since)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-sub.C():
			if !open {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n",
				event.Sequence, event.Kind, eventData(event))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// eventData renders the payload as the SSE data line; events without a
// payload carry an empty JSON object so data is always valid JSON.
func eventData(event models.JobEvent) string {
	if len(event.Payload) == 0 {
		return "{}"
	}
	return string(event.Payload)
}
