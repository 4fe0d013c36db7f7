// -----------------------------------------------------------------------
// Job events - ordered per-job stream entries
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the per-job event stream entries.
type EventKind string

const (
	EventPhaseStarted   EventKind = "phase_started"
	EventProgress       EventKind = "progress"
	EventReasoning      EventKind = "reasoning"
	EventHITLRequired   EventKind = "hitl_required"
	EventPhaseEnded     EventKind = "phase_ended"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
	EventCancelled      EventKind = "cancelled"
	EventSkillPublished EventKind = "skill_published"
	EventLagged         EventKind = "lagged"
)

// IsTerminal reports whether the kind ends a job's stream.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

// JobEvent is one entry in a job's ordered event stream. Sequence is
// monotonic per job; events for different jobs are independent.
type JobEvent struct {
	JobID     string          `json:"job_id"`
	Sequence  uint64          `json:"sequence"`
	Kind      EventKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
