// -----------------------------------------------------------------------
// Phase Run - append-only record of one phase execution
// -----------------------------------------------------------------------

package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// PhaseOutcome seals a phase run.
type PhaseOutcome string

const (
	PhaseSucceeded PhaseOutcome = "succeeded"
	PhaseSuspended PhaseOutcome = "suspended"
	PhaseFailed    PhaseOutcome = "failed"
	PhaseCancelled PhaseOutcome = "cancelled"
)

// PhaseRun is one execution of one phase for one job, keyed by
// (job_id, phase, attempt). Created at phase start, sealed at phase end,
// never mutated thereafter.
type PhaseRun struct {
	Key          string       `json:"-" badgerhold:"key"`
	JobID        string       `json:"job_id" badgerhold:"index"`
	Phase        Phase        `json:"phase"`
	Attempt      int          `json:"attempt"`
	StartedAt    time.Time    `json:"started_at"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
	Outcome      PhaseOutcome `json:"outcome,omitempty"`
	InputDigest  string       `json:"input_digest"`
	OutputDigest string       `json:"output_digest,omitempty"`
	// Output holds the structured phase output for succeeded runs so a
	// restarted engine can reload upstream phase results without re-running.
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
}

// PhaseRunKey builds the composite storage key for a phase run.
func PhaseRunKey(jobID string, phase Phase, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", jobID, phase, attempt)
}

// NewPhaseRun opens a phase run record.
func NewPhaseRun(jobID string, phase Phase, attempt int, inputDigest string) *PhaseRun {
	return &PhaseRun{
		Key:         PhaseRunKey(jobID, phase, attempt),
		JobID:       jobID,
		Phase:       phase,
		Attempt:     attempt,
		StartedAt:   time.Now().UTC(),
		InputDigest: inputDigest,
	}
}

// Seal closes the run with an outcome. Sealed runs are immutable.
func (r *PhaseRun) Seal(outcome PhaseOutcome, outputDigest string) {
	now := time.Now().UTC()
	r.EndedAt = &now
	r.Outcome = outcome
	r.OutputDigest = outputDigest
}

// SealSucceeded closes the run with its output attached.
func (r *PhaseRun) SealSucceeded(output json.RawMessage) {
	r.Output = output
	sum := sha256.Sum256(output)
	r.Seal(PhaseSucceeded, hex.EncodeToString(sum[:]))
}

// Digest computes the content hash of a phase's structured input or
// output. Identical inputs must produce identical digests, which is what
// makes phase re-execution crash-safe at phase boundaries.
func Digest(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
