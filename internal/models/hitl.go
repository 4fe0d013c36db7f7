// -----------------------------------------------------------------------
// HITL Interaction - one durable prompt/response rendezvous row
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// HITLType identifies what kind of human input a suspension solicits.
type HITLType string

const (
	HITLClarify      HITLType = "clarify"
	HITLStructureFix HITLType = "structure_fix"
	HITLConfirm      HITLType = "confirm"
	HITLPreview      HITLType = "preview"
	HITLValidate     HITLType = "validate"
)

// HITLAction is the response verb chosen by the external actor.
type HITLAction string

const (
	ActionProceed HITLAction = "proceed"
	ActionRevise  HITLAction = "revise"
	ActionRefine  HITLAction = "refine"
	ActionCancel  HITLAction = "cancel"
)

// HITLStatus tracks the interaction row lifecycle. Rows are created
// pending, mutated exactly once, then sealed.
type HITLStatus string

const (
	HITLPending   HITLStatus = "pending"
	HITLAnswered  HITLStatus = "answered"
	HITLTimedOut  HITLStatus = "timed_out"
	HITLCancelled HITLStatus = "cancelled"
)

// HITLResponse is the structured payload delivered by the external actor.
type HITLResponse struct {
	Action   HITLAction      `json:"action"`
	Payload  json.RawMessage `json:"response,omitempty"`
	Feedback string          `json:"feedback,omitempty"`
}

// HITLInteraction is one request/response cycle keyed by (job_id, round).
// Round is strictly increasing per job with no gaps.
type HITLInteraction struct {
	Key         string          `json:"-" badgerhold:"key"`
	JobID       string          `json:"job_id" badgerhold:"index"`
	Round       int             `json:"round"`
	Type        HITLType        `json:"type"`
	Prompt      json.RawMessage `json:"prompt"`
	Response    *HITLResponse   `json:"response,omitempty"`
	Status      HITLStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	RespondedAt *time.Time      `json:"responded_at,omitempty"`
	TimeoutAt   time.Time       `json:"timeout_at"`
}

// HITLKey builds the composite storage key for an interaction.
func HITLKey(jobID string, round int) string {
	return fmt.Sprintf("%s/%d", jobID, round)
}

// NewHITLInteraction creates a pending interaction row.
func NewHITLInteraction(jobID string, round int, typ HITLType, prompt json.RawMessage, timeout time.Duration) *HITLInteraction {
	now := time.Now().UTC()
	return &HITLInteraction{
		Key:       HITLKey(jobID, round),
		JobID:     jobID,
		Round:     round,
		Type:      typ,
		Prompt:    prompt,
		Status:    HITLPending,
		CreatedAt: now,
		TimeoutAt: now.Add(timeout),
	}
}

// ValidateResponse checks the response shape against the prompt type and
// the action enumeration. Shape mismatches are client errors.
func (i *HITLInteraction) ValidateResponse(resp *HITLResponse) error {
	switch resp.Action {
	case ActionProceed, ActionRevise, ActionRefine, ActionCancel:
	default:
		return NewError(KindInvalidInput, "unknown action %q", resp.Action)
	}

	if resp.Action == ActionCancel {
		return nil
	}

	switch i.Type {
	case HITLClarify:
		// Clarify prompts require answers on proceed.
		if resp.Action == ActionProceed {
			var body struct {
				Answers []string `json:"answers"`
			}
			if len(resp.Payload) == 0 {
				return NewError(KindValidationFailed, "clarify response requires answers")
			}
			if err := json.Unmarshal(resp.Payload, &body); err != nil || len(body.Answers) == 0 {
				return NewError(KindValidationFailed, "clarify response requires a non-empty answers array")
			}
		}
	case HITLStructureFix:
		if resp.Action == ActionProceed && len(resp.Payload) > 0 && !json.Valid(resp.Payload) {
			return NewError(KindValidationFailed, "structure_fix response payload must be valid JSON")
		}
	case HITLConfirm, HITLPreview, HITLValidate:
		// Revise/refine on these carry feedback; proceed needs nothing.
		if (resp.Action == ActionRevise || resp.Action == ActionRefine) && resp.Feedback == "" {
			return NewError(KindValidationFailed, "%s action requires feedback", resp.Action)
		}
	default:
		return NewError(KindInvalidInput, "unknown prompt type %q", i.Type)
	}
	return nil
}
