package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
)

// cacheEntry is one job in the memory tier.
type cacheEntry struct {
	job       *models.Job
	expiresAt time.Time
}

// JobStats summarizes the job table for the stats endpoint.
type JobStats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Running     int `json:"running"`
	PendingHITL int `json:"pending_hitl"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
}

// Manager owns the job records: a write-through memory cache over the
// durable store, per-job locks serializing mutations, and terminal
// event publication. All status changes go through Update so the FSM is
// enforced in exactly one place.
type Manager struct {
	storage interfaces.JobStorage
	bus     interfaces.EventBus
	logger  arbor.ILogger
	config  *common.Config

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	cron *cron.Cron
}

// NewManager creates a job manager backed by the given storage.
func NewManager(logger arbor.ILogger, config *common.Config, storage interfaces.JobStorage, bus interfaces.EventBus) *Manager {
	return &Manager{
		storage: storage,
		bus:     bus,
		logger:  logger,
		config:  config,
		cache:   make(map[string]*cacheEntry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// jobLock returns the mutex serializing updates to one job.
func (m *Manager) jobLock(jobID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	lock, ok := m.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[jobID] = lock
	}
	return lock
}

// Create validates the submission and persists a new pending job.
// Writes hit memory then storage, in that order; a storage failure
// fails the call but the record is already in the hot tier.
func (m *Manager) Create(ctx context.Context, taskDescription, userID string, autoApprove bool) (*models.Job, error) {
	if err := models.ValidateSubmission(taskDescription, userID); err != nil {
		return nil, err
	}

	job := models.NewJob(common.NewJobID(), userID, taskDescription, autoApprove)
	m.cachePut(job)
	if err := m.storage.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	m.logger.Info().Str("job_id", job.ID).Bool("auto_approve", autoApprove).Msg("Job created")
	return job.Clone(), nil
}

// Get returns a copy of the job, serving from memory when fresh and
// falling back to memory even when the durable tier is unavailable.
func (m *Manager) Get(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	entry, ok := m.cache[jobID]
	var cached *models.Job
	if ok && time.Now().Before(entry.expiresAt) {
		// The TTL is measured from last touch, so a hit extends it.
		entry.expiresAt = time.Now().Add(m.config.MemoryTTL())
		cached = entry.job.Clone()
	}
	m.mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	job, err := m.storage.GetJob(ctx, jobID)
	if err != nil {
		if ok && models.IsKind(err, models.KindStorageUnavailable) {
			m.logger.Warn().Str("job_id", jobID).Msg("Storage unavailable; serving job from memory")
			return entry.job.Clone(), nil
		}
		return nil, err
	}

	m.cachePut(job)
	return job.Clone(), nil
}

// Update applies a mutation under the job's lock, enforces the FSM and
// writes through memory then storage, in that order. The mutation sees
// a private copy; partial mutations are never observable. A storage
// failure fails the call, but the memory tier already carries the new
// state so readers keep seeing it while the durable tier is down.
func (m *Manager) Update(ctx context.Context, jobID string, mutate func(*models.Job) error) (*models.Job, error) {
	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	previous := job.Status
	if err := mutate(job); err != nil {
		return nil, err
	}

	if !models.CanTransition(previous, job.Status) {
		return nil, models.NewError(models.KindConflictingState,
			"illegal transition %s -> %s for job %s", previous, job.Status, jobID)
	}
	job.UpdatedAt = time.Now().UTC()

	m.cachePut(job)
	if err := m.storage.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	if job.IsTerminal() && previous != job.Status {
		m.publishTerminal(job)
	}
	return job.Clone(), nil
}

// Complete seals the job with its published artifact.
func (m *Manager) Complete(ctx context.Context, jobID string, result *models.JobResult) (*models.Job, error) {
	return m.Update(ctx, jobID, func(job *models.Job) error {
		job.MarkCompleted(result)
		job.Promoted = true
		return nil
	})
}

// Fail seals the job with an error kind.
func (m *Manager) Fail(ctx context.Context, jobID string, kind models.ErrorKind, message string) (*models.Job, error) {
	return m.Update(ctx, jobID, func(job *models.Job) error {
		job.MarkFailed(kind, message)
		return nil
	})
}

// CancelJob seals the job as cancelled. Accepted from any non-terminal
// state; cancelling a terminal job is a conflict.
func (m *Manager) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	return m.Update(ctx, jobID, func(job *models.Job) error {
		if job.IsTerminal() {
			return models.NewError(models.KindConflictingState, "job %s is already %s", jobID, job.Status)
		}
		job.MarkCancelled()
		return nil
	})
}

// Delete removes a terminal job and its stream.
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return models.NewError(models.KindConflictingState, "cannot delete non-terminal job %s", jobID)
	}

	if err := m.storage.DeleteJob(ctx, jobID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.cache, jobID)
	m.mu.Unlock()

	m.lockMu.Lock()
	delete(m.locks, jobID)
	m.lockMu.Unlock()

	if m.bus != nil {
		m.bus.Release(jobID)
	}
	m.logger.Info().Str("job_id", jobID).Msg("Job deleted")
	return nil
}

// List pages the job table.
func (m *Manager) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return m.storage.ListJobs(ctx, opts)
}

// Stats counts jobs per status.
func (m *Manager) Stats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{}
	total, err := m.storage.CountJobs(ctx)
	if err != nil {
		return nil, err
	}
	stats.Total = total

	counts := []struct {
		status models.JobStatus
		out    *int
	}{
		{models.JobStatusPending, &stats.Pending},
		{models.JobStatusRunning, &stats.Running},
		{models.JobStatusPendingHITL, &stats.PendingHITL},
		{models.JobStatusCompleted, &stats.Completed},
		{models.JobStatusFailed, &stats.Failed},
		{models.JobStatusCancelled, &stats.Cancelled},
	}
	for _, c := range counts {
		n, err := m.storage.CountJobsByStatus(ctx, c.status)
		if err != nil {
			return nil, err
		}
		*c.out = n
	}
	return stats, nil
}

// ResumableJobs loads every non-terminal job for startup recovery.
func (m *Manager) ResumableJobs(ctx context.Context) ([]*models.Job, error) {
	jobs, err := m.storage.GetJobsByStatus(ctx,
		models.JobStatusPending, models.JobStatusRunning, models.JobStatusPendingHITL)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		m.cachePut(job)
	}
	return jobs, nil
}

// StartSweeper schedules periodic eviction of expired cache entries.
func (m *Manager) StartSweeper() error {
	if m.cron != nil {
		return nil
	}
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", m.config.Memory.SweepSeconds)
	if _, err := m.cron.AddFunc(spec, m.sweep); err != nil {
		return models.WrapError(models.KindInternal, err, "schedule cache sweeper")
	}
	m.cron.Start()
	m.logger.Debug().Str("interval", spec).Msg("Job cache sweeper started")
	return nil
}

// StopSweeper stops the sweeper and waits for a running sweep.
func (m *Manager) StopSweeper() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
		m.cron = nil
	}
}

// sweep evicts expired entries. Non-terminal jobs are refreshed rather
// than dropped so recovery state never leaves memory.
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	evicted := 0
	for id, entry := range m.cache {
		if now.After(entry.expiresAt) {
			if entry.job.IsTerminal() {
				delete(m.cache, id)
				evicted++
			} else {
				entry.expiresAt = now.Add(m.config.MemoryTTL())
			}
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Debug().Int("evicted", evicted).Msg("Swept expired job cache entries")
	}
}

// cachePut stores a private copy in the memory tier.
func (m *Manager) cachePut(job *models.Job) {
	m.mu.Lock()
	m.cache[job.ID] = &cacheEntry{
		job:       job.Clone(),
		expiresAt: time.Now().Add(m.config.MemoryTTL()),
	}
	m.mu.Unlock()
}

// publishTerminal emits the job's terminal event exactly once.
func (m *Manager) publishTerminal(job *models.Job) {
	if m.bus == nil {
		return
	}

	switch job.Status {
	case models.JobStatusCompleted:
		m.bus.Publish(job.ID, models.EventCompleted, job.Result)
	case models.JobStatusFailed:
		m.bus.Publish(job.ID, models.EventFailed, job.Error)
	case models.JobStatusCancelled:
		m.bus.Publish(job.ID, models.EventCancelled, nil)
	}
}
