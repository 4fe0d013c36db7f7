package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/events"
	storage "github.com/ternarybob/skillforge/internal/storage/badger"
)

func newTestManager(t *testing.T) (*Manager, interfaces.EventBus) {
	t.Helper()

	logger := arbor.NewLogger()
	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = t.TempDir()

	store, err := storage.NewManager(logger, &config.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(logger, 16)
	t.Cleanup(func() { bus.Close() })

	return NewManager(logger, config, store.JobStorage(), bus), bus
}

const testTask = "Create a skill for retrying flaky HTTP calls with backoff"

// flakyJobStorage forwards to a real store until it is taken down.
type flakyJobStorage struct {
	interfaces.JobStorage
	mu   sync.Mutex
	down bool
}

func (f *flakyJobStorage) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyJobStorage) offline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flakyJobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if f.offline() {
		return models.NewError(models.KindStorageUnavailable, "job store offline")
	}
	return f.JobStorage.SaveJob(ctx, job)
}

func (f *flakyJobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	if f.offline() {
		return nil, models.NewError(models.KindStorageUnavailable, "job store offline")
	}
	return f.JobStorage.GetJob(ctx, jobID)
}

func newFlakyManager(t *testing.T) (*Manager, *flakyJobStorage) {
	t.Helper()

	logger := arbor.NewLogger()
	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = t.TempDir()

	store, err := storage.NewManager(logger, &config.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	flaky := &flakyJobStorage{JobStorage: store.JobStorage()}
	return NewManager(logger, config, flaky, nil), flaky
}

func TestCreateValidatesSubmission(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "too short", "", false)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidInput))

	job, err := m.Create(ctx, testTask, "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.True(t, job.AutoApprove)
}

func TestGetServesClones(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)

	first, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	first.Status = models.JobStatusFailed // must not leak into the cache

	second, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, second.Status)
}

func TestUpdateEnforcesTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)

	// Pending -> Completed skips Running and is rejected.
	_, err = m.Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusCompleted
		return nil
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingState))

	updated, err := m.Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		j.CurrentPhase = models.PhaseUnderstand
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, updated.Status)

	// Suspend/resume is the only legal backward pair.
	_, err = m.Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusPendingHITL
		return nil
	})
	require.NoError(t, err)
	_, err = m.Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		return nil
	})
	require.NoError(t, err)
}

func TestTerminalJobIsImmutable(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)

	_, err = m.CancelJob(ctx, job.ID)
	require.NoError(t, err)

	_, err = m.Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		return nil
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingState))

	_, err = m.CancelJob(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingState))
}

func TestCompletePublishesTerminalEvent(t *testing.T) {
	m, bus := newTestManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)

	sub, err := bus.Subscribe(job.ID, 0)
	require.NoError(t, err)

	_, err = m.Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		return nil
	})
	require.NoError(t, err)

	completed, err := m.Complete(ctx, job.ID, &models.JobResult{
		SkillID: "skill_x", CanonicalPath: "devops/x", Version: "1.0.0", Score: 0.9,
	})
	require.NoError(t, err)
	assert.True(t, completed.Promoted)
	assert.NotNil(t, completed.CompletedAt)

	var last models.JobEvent
	for ev := range sub.C() {
		last = ev
	}
	assert.Equal(t, models.EventCompleted, last.Kind)
}

func TestDeleteRequiresTerminalState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)

	err = m.Delete(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingState))

	_, err = m.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, job.ID))

	_, err = m.Get(ctx, job.ID)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestUpdateWritesMemoryBeforeStorage(t *testing.T) {
	m, flaky := newFlakyManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)

	flaky.setDown(true)
	_, err = m.Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		return nil
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindStorageUnavailable))

	// The call failed, but the memory tier already carries the new state.
	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
}

func TestGetFallsBackToMemoryWhenStorageDown(t *testing.T) {
	m, flaky := newFlakyManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)

	// Expire the entry so the durable tier would normally be consulted.
	m.mu.Lock()
	m.cache[job.ID].expiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	flaky.setDown(true)
	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	// A job that never reached memory is a plain storage error.
	_, err = m.Get(ctx, "job_unknown")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindStorageUnavailable))
}

func TestGetRefreshesEntryTTLOnHit(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)

	soon := time.Now().Add(50 * time.Millisecond)
	m.mu.Lock()
	m.cache[job.ID].expiresAt = soon
	m.mu.Unlock()

	_, err = m.Get(ctx, job.ID)
	require.NoError(t, err)

	// The TTL is measured from last touch, so the hit extended it.
	m.mu.Lock()
	refreshed := m.cache[job.ID].expiresAt
	m.mu.Unlock()
	assert.True(t, refreshed.After(soon))
}

func TestSweepEvictsTerminalAndRefreshesLive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	live, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)
	done, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)
	_, err = m.CancelJob(ctx, done.ID)
	require.NoError(t, err)

	m.mu.Lock()
	for _, id := range []string{live.ID, done.ID} {
		m.cache[id].expiresAt = time.Now().Add(-time.Minute)
	}
	m.mu.Unlock()

	m.sweep()

	m.mu.Lock()
	_, terminalCached := m.cache[done.ID]
	liveEntry, liveCached := m.cache[live.ID]
	m.mu.Unlock()

	assert.False(t, terminalCached, "terminal jobs leave memory at TTL expiry")
	require.True(t, liveCached, "non-terminal jobs never leave memory")
	assert.True(t, liveEntry.expiresAt.After(time.Now()))

	// The evicted terminal job is still durable.
	got, err := m.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func TestStatsAndResumable(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)
	b, err := m.Create(ctx, testTask, "", false)
	require.NoError(t, err)
	_, err = m.Update(ctx, b.ID, func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		return nil
	})
	require.NoError(t, err)
	_, err = m.CancelJob(ctx, a.ID)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Cancelled)

	resumable, err := m.ResumableJobs(ctx)
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, b.ID, resumable[0].ID)
}
