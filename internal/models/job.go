// -----------------------------------------------------------------------
// Job - one skill-creation request tracked end-to-end
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"
	JobStatusRunning     JobStatus = "running"
	JobStatusPendingHITL JobStatus = "pending_hitl"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Phase identifies a step of the skill-authoring pipeline.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseUnderstand Phase = "understand"
	PhaseGenerate   Phase = "generate"
	PhaseValidate   Phase = "validate"
	PhasePromote    Phase = "promote"
)

// jobTransitions is the job FSM. Backward transitions are forbidden
// except the suspend/resume pair between running and pending_hitl.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:     {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusRunning:     {JobStatusPendingHITL, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusPendingHITL: {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether the FSM permits from -> to.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HITLPrompt is the pending prompt stashed on a suspended job.
type HITLPrompt struct {
	Type     HITLType        `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Deadline time.Time       `json:"deadline"`
	Round    int             `json:"round"`
}

// JobResult references the published artifact of a completed job.
type JobResult struct {
	SkillID       string  `json:"skill_id"`
	CanonicalPath string  `json:"canonical_path"`
	Version       string  `json:"version"`
	Score         float64 `json:"score"`
}

// JobError records why a job failed.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job represents one skill-creation request. The workflow engine and the
// HITL coordinator are the only mutators, always through the job manager.
type Job struct {
	ID              string      `json:"id" badgerhold:"key"`
	UserID          string      `json:"user_id,omitempty"`
	TaskDescription string      `json:"task_description"`
	AutoApprove     bool        `json:"auto_approve"`
	Status          JobStatus   `json:"status"`
	CurrentPhase    Phase       `json:"current_phase"`
	ProgressPercent int         `json:"progress_percent"`
	HITL            *HITLPrompt `json:"hitl,omitempty"`
	Result          *JobResult  `json:"result,omitempty"`
	Error           *JobError   `json:"error,omitempty"`
	DraftLocation   string      `json:"draft_location,omitempty"`
	Promoted        bool        `json:"promoted"`
	Feedback        []string    `json:"feedback,omitempty"`
	RefineOf        string      `json:"refine_of,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// NewJob creates a pending job for a task description.
func NewJob(id, userID, taskDescription string, autoApprove bool) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:              id,
		UserID:          userID,
		TaskDescription: taskDescription,
		AutoApprove:     autoApprove,
		Status:          JobStatusPending,
		CurrentPhase:    PhaseNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// IsTerminal returns true once the job can no longer change status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsResumable reports whether the job should be handed back to the
// workflow engine after a restart.
func (j *Job) IsResumable() bool {
	switch j.Status {
	case JobStatusPending, JobStatusRunning, JobStatusPendingHITL:
		return true
	}
	return false
}

// MarkCompleted seals the job with its published artifact reference.
func (j *Job) MarkCompleted(result *JobResult) {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.Result = result
	j.ProgressPercent = 100
	j.HITL = nil
	j.CompletedAt = &now
}

// MarkFailed seals the job with an error kind and message.
func (j *Job) MarkFailed(kind ErrorKind, message string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.Error = &JobError{Kind: kind, Message: message}
	j.HITL = nil
	j.CompletedAt = &now
}

// MarkCancelled seals the job as cancelled.
func (j *Job) MarkCancelled() {
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.HITL = nil
	j.CompletedAt = &now
}

// Clone returns a deep copy so cache readers never observe partial updates.
func (j *Job) Clone() *Job {
	clone := *j
	if j.HITL != nil {
		h := *j.HITL
		h.Payload = append(json.RawMessage(nil), j.HITL.Payload...)
		clone.HITL = &h
	}
	if j.Result != nil {
		r := *j.Result
		clone.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		clone.Error = &e
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	if j.Feedback != nil {
		clone.Feedback = append([]string(nil), j.Feedback...)
	}
	return &clone
}

const (
	// TaskDescriptionMinLen and TaskDescriptionMaxLen bound submissions.
	TaskDescriptionMinLen = 10
	TaskDescriptionMaxLen = 5000

	// UserIDMaxLen bounds the opaque user identifier.
	UserIDMaxLen = 128
)

// ValidateSubmission checks client-supplied job fields before a job
// record is created. Violations are invalid input, never job failures.
func ValidateSubmission(taskDescription, userID string) error {
	if n := len(taskDescription); n < TaskDescriptionMinLen || n > TaskDescriptionMaxLen {
		return NewError(KindInvalidInput, "task_description must be %d..%d characters, got %d",
			TaskDescriptionMinLen, TaskDescriptionMaxLen, n)
	}
	if len(userID) > UserIDMaxLen {
		return NewError(KindInvalidInput, "user_id must be at most %d characters", UserIDMaxLen)
	}
	return nil
}
