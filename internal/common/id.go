package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewSkillVersionID generates a unique surrogate ID for a skill version row
func NewSkillVersionID() string {
	return "skv_" + uuid.New().String()
}
