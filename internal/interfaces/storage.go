package interfaces

import (
	"context"

	"github.com/ternarybob/skillforge/internal/models"
)

// JobListOptions filters and pages job queries
type JobListOptions struct {
	Status   string
	UserID   string
	Limit    int
	Offset   int
	OrderBy  string
	OrderDir string
}

// JobStorage persists job records (the durable tier below the cache)
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	GetJobsByStatus(ctx context.Context, statuses ...models.JobStatus) ([]*models.Job, error)
	CountJobs(ctx context.Context) (int, error)
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// PhaseRunStorage persists append-only phase execution records
type PhaseRunStorage interface {
	SavePhaseRun(ctx context.Context, run *models.PhaseRun) error
	GetPhaseRun(ctx context.Context, jobID string, phase models.Phase, attempt int) (*models.PhaseRun, error)
	ListPhaseRuns(ctx context.Context, jobID string) ([]*models.PhaseRun, error)
	// LatestAttempt returns the highest attempt number recorded for a
	// job/phase pair, or 0 when none exists.
	LatestAttempt(ctx context.Context, jobID string, phase models.Phase) (int, error)
}

// HITLStorage persists interaction rows keyed by (job_id, round)
type HITLStorage interface {
	SaveInteraction(ctx context.Context, interaction *models.HITLInteraction) error
	GetInteraction(ctx context.Context, jobID string, round int) (*models.HITLInteraction, error)
	// GetPendingInteraction returns the single pending interaction for a
	// job, or a not-found error. At most one may be pending per job.
	GetPendingInteraction(ctx context.Context, jobID string) (*models.HITLInteraction, error)
	// LatestInteraction returns the highest-round interaction for a job
	// regardless of status, or a not-found error.
	LatestInteraction(ctx context.Context, jobID string) (*models.HITLInteraction, error)
	ListInteractions(ctx context.Context, jobID string) ([]*models.HITLInteraction, error)
	// ListOverdue returns pending interactions whose timeout has elapsed.
	ListOverdue(ctx context.Context) ([]*models.HITLInteraction, error)
}

// SkillStorage persists skills plus the taxonomy index tables
// (aliases, dependency edges, closure entries, category nodes)
type SkillStorage interface {
	SaveSkill(ctx context.Context, skill *models.Skill) error
	GetSkill(ctx context.Context, skillID string) (*models.Skill, error)
	// GetSkillByPath returns the non-archived skill at a canonical path.
	GetSkillByPath(ctx context.Context, canonicalPath string) (*models.Skill, error)
	ListSkills(ctx context.Context, pathPrefix string) ([]*models.Skill, error)

	// SaveAlias registers an alias path. Aliases must not collide with
	// the canonical path of a non-archived skill.
	SaveAlias(ctx context.Context, alias *models.Alias) error
	GetAlias(ctx context.Context, path string) (*models.Alias, error)

	SaveNode(ctx context.Context, node *models.TaxonomyNode) error
	ListNodes(ctx context.Context) ([]*models.TaxonomyNode, error)

	// ReplaceTerms atomically replaces a skill's keyword and tag index
	// rows with the given sets.
	ReplaceTerms(ctx context.Context, skillPath string, keywords, tags []string) error
	// FindByTerm returns canonical paths of skills indexed under a term.
	FindByTerm(ctx context.Context, term string) ([]string, error)

	// ReplaceDependencies atomically replaces the outgoing dependency
	// edges and ancestor closure rows for a skill path, inserting the
	// depth-0 self entry. All index mutations happen in one transaction.
	ReplaceDependencies(ctx context.Context, skillPath string, deps []string, closure []*models.ClosureEntry) error
	// PublishSkill commits one publication in a single transaction: the
	// new skill row, the archived previous version when one exists, the
	// dependency edges with their ancestor closure, and the propagated
	// closure rows extending existing dependents. Either every row lands
	// or none does.
	PublishSkill(ctx context.Context, skill, archived *models.Skill, deps []string, closure, propagated []*models.ClosureEntry) error
	GetDependencies(ctx context.Context, skillPath string) ([]string, error)
	GetDependents(ctx context.Context, skillPath string) ([]string, error)
	// GetClosureFrom returns all closure entries with the given ancestor.
	GetClosureFrom(ctx context.Context, ancestor string) ([]*models.ClosureEntry, error)
	// HasClosure reports whether descendant is reachable from ancestor.
	HasClosure(ctx context.Context, ancestor, descendant string) (bool, error)
}

// StorageManager aggregates the narrow repository contracts
type StorageManager interface {
	JobStorage() JobStorage
	PhaseRunStorage() PhaseRunStorage
	HITLStorage() HITLStorage
	SkillStorage() SkillStorage
	Close() error
}
