package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/skillforge/internal/models"
)

// PhaseInput carries everything a phase step needs. Steps are idempotent
// on their inputs: re-running with identical inputs must produce the same
// output digest, which makes resumption at phase boundaries crash-safe.
type PhaseInput struct {
	Job      *models.Job
	Plan     *models.SkillPlan    // output of Understand; set for Generate and Validate
	Draft    *models.DraftContent // output of Generate; set for Validate
	DraftDir string               // on-disk draft directory; set for Validate
	Feedback []string             // accumulated revise/refine feedback, oldest first

	// Responses holds the job's answered HITL interactions. Steps consult
	// the latest response per prompt type to decide whether a suspension
	// point has already been satisfied.
	Responses []*models.HITLInteraction
}

// LatestResponse returns the most recent answered response of the given
// type, or nil when the suspension point has not been satisfied yet.
func (in *PhaseInput) LatestResponse(typ models.HITLType) *models.HITLResponse {
	var found *models.HITLResponse
	round := -1
	for _, i := range in.Responses {
		if i.Type == typ && i.Status == models.HITLAnswered && i.Round > round {
			found = i.Response
			round = i.Round
		}
	}
	return found
}

// ProgressSink lets a running phase report progress without touching the
// job record directly.
type ProgressSink interface {
	Progress(percent int, message string)
	Reasoning(message string)
}

// SuspendRequest asks the engine to park the phase on a HITL prompt.
type SuspendRequest struct {
	Type   models.HITLType
	Prompt json.RawMessage
}

// PhaseResult is the closed sum over a step's outcomes: exactly one of
// Output, Suspend or Err is set. The engine branches on this and never
// introspects phase internals.
type PhaseResult struct {
	Output  json.RawMessage
	Suspend *SuspendRequest
	Err     error
}

// Succeed builds a success result from a structured output.
func Succeed(output interface{}) PhaseResult {
	data, err := json.Marshal(output)
	if err != nil {
		return Fail(models.WrapError(models.KindInternal, err, "marshal phase output"))
	}
	return PhaseResult{Output: data}
}

// Suspend builds a suspension result from a structured prompt.
func Suspend(typ models.HITLType, prompt interface{}) PhaseResult {
	data, err := json.Marshal(prompt)
	if err != nil {
		return Fail(models.WrapError(models.KindInternal, err, "marshal hitl prompt"))
	}
	return PhaseResult{Suspend: &SuspendRequest{Type: typ, Prompt: data}}
}

// Fail builds a failure result.
func Fail(err error) PhaseResult {
	return PhaseResult{Err: err}
}

// PhaseStep executes one pipeline phase. Implementations must propagate
// cancellation at every suspension-capable point and must not hold any
// per-job lock across a suspension.
type PhaseStep interface {
	Phase() models.Phase
	Execute(ctx context.Context, in *PhaseInput, sink ProgressSink) PhaseResult
}

// StepSet resolves the step for each LLM-backed phase.
type StepSet interface {
	Step(phase models.Phase) (PhaseStep, error)
}
