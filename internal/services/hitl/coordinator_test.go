package hitl

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/events"
	"github.com/ternarybob/skillforge/internal/services/jobs"
	storage "github.com/ternarybob/skillforge/internal/storage/badger"
)

type fixture struct {
	coordinator *Coordinator
	jobs        *jobs.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := arbor.NewLogger()
	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = t.TempDir()

	store, err := storage.NewManager(logger, &config.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(logger, 16)
	t.Cleanup(func() { bus.Close() })

	jobManager := jobs.NewManager(logger, config, store.JobStorage(), bus)
	coordinator := NewCoordinator(logger, config, store.HITLStorage(), jobManager, bus)
	return &fixture{coordinator: coordinator, jobs: jobManager}
}

// startRunningJob creates a job already in the Running state, as the
// engine would before a phase suspends.
func (f *fixture) startRunningJob(t *testing.T) *models.Job {
	t.Helper()

	job, err := f.jobs.Create(context.Background(),
		"Create a skill for retrying flaky HTTP calls with backoff", "", false)
	require.NoError(t, err)

	job, err = f.jobs.Update(context.Background(), job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusRunning
		j.CurrentPhase = models.PhaseUnderstand
		return nil
	})
	require.NoError(t, err)
	return job
}

func TestSuspendDeliverRendezvous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startRunningJob(t)

	prompt := json.RawMessage(`{"questions":["which scope?"]}`)
	done := make(chan *models.HITLResponse, 1)
	go func() {
		resp, err := f.coordinator.Suspend(ctx, job.ID, models.HITLClarify, prompt)
		require.NoError(t, err)
		done <- resp
	}()

	// Wait for the suspension to land.
	var view *PromptView
	require.Eventually(t, func() bool {
		v, err := f.coordinator.GetPrompt(ctx, job.ID)
		require.NoError(t, err)
		view = v
		return v.HasPrompt
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.HITLClarify, view.Type)
	assert.Equal(t, 1, view.Round)

	suspended, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPendingHITL, suspended.Status)

	err = f.coordinator.Deliver(ctx, job.ID, &models.HITLResponse{
		Action:  models.ActionProceed,
		Payload: json.RawMessage(`{"answers":["project scope"]}`),
	})
	require.NoError(t, err)

	resp := <-done
	assert.Equal(t, models.ActionProceed, resp.Action)

	resumed, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, resumed.Status)

	// The prompt is consumed.
	view, err = f.coordinator.GetPrompt(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, view.HasPrompt)
}

func TestDeliverValidatesShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startRunningJob(t)

	go f.coordinator.Suspend(ctx, job.ID, models.HITLClarify, json.RawMessage(`{}`))

	require.Eventually(t, func() bool {
		v, _ := f.coordinator.GetPrompt(ctx, job.ID)
		return v != nil && v.HasPrompt
	}, 2*time.Second, 10*time.Millisecond)

	// Clarify proceed without answers is a shape mismatch.
	err := f.coordinator.Deliver(ctx, job.ID, &models.HITLResponse{Action: models.ActionProceed})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindValidationFailed))

	// Unknown actions are plain invalid input.
	err = f.coordinator.Deliver(ctx, job.ID, &models.HITLResponse{Action: "approve"})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidInput))

	// The interaction is still pending after rejected deliveries.
	view, err := f.coordinator.GetPrompt(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, view.HasPrompt)
}

func TestDeliverWithoutPromptConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startRunningJob(t)

	err := f.coordinator.Deliver(ctx, job.ID, &models.HITLResponse{Action: models.ActionProceed})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingState))

	err = f.coordinator.Deliver(ctx, "job_missing", &models.HITLResponse{Action: models.ActionProceed})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestSuspendTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startRunningJob(t)

	f.coordinator.config.HITL.DefaultTimeoutSeconds = 0 // immediate deadline

	_, err := f.coordinator.Suspend(ctx, job.ID, models.HITLConfirm, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindHITLTimeout))

	// A late delivery is rejected: the round is sealed.
	err = f.coordinator.Deliver(ctx, job.ID, &models.HITLResponse{Action: models.ActionProceed})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindConflictingState))
}

func TestCancelFailsWaiter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startRunningJob(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Suspend(ctx, job.ID, models.HITLPreview, json.RawMessage(`{}`))
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		v, _ := f.coordinator.GetPrompt(ctx, job.ID)
		return v != nil && v.HasPrompt
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.coordinator.Cancel(ctx, job.ID))

	err := <-errCh
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindCancelled))
}

func TestReentrantSuspendKeepsRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startRunningJob(t)

	go f.coordinator.Suspend(ctx, job.ID, models.HITLConfirm, json.RawMessage(`{"plan":1}`))
	require.Eventually(t, func() bool {
		v, _ := f.coordinator.GetPrompt(ctx, job.ID)
		return v != nil && v.HasPrompt
	}, 2*time.Second, 10*time.Millisecond)

	// A second entry for the same pending type attaches to round 1
	// instead of opening round 2, as on post-restart re-execution.
	done := make(chan *models.HITLResponse, 1)
	go func() {
		resp, err := f.coordinator.Suspend(ctx, job.ID, models.HITLConfirm, json.RawMessage(`{"plan":1}`))
		require.NoError(t, err)
		done <- resp
	}()
	time.Sleep(50 * time.Millisecond)

	view, err := f.coordinator.GetPrompt(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Round)

	require.NoError(t, f.coordinator.Deliver(ctx, job.ID, &models.HITLResponse{Action: models.ActionProceed}))
	resp := <-done
	assert.Equal(t, models.ActionProceed, resp.Action)
}

func TestExpireOverdueFailsParkedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startRunningJob(t)

	// Simulate a parked job: pending row and PendingHITL status with no
	// live waiter, as after a restart.
	interaction := models.NewHITLInteraction(job.ID, 1, models.HITLConfirm, json.RawMessage(`{}`), -time.Minute)
	require.NoError(t, f.coordinator.storage.SaveInteraction(ctx, interaction))
	_, err := f.jobs.Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusPendingHITL
		return nil
	})
	require.NoError(t, err)

	f.coordinator.ExpireOverdue(ctx)

	failed, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, models.KindHITLTimeout, failed.Error.Kind)
}

func TestDeliverWithoutWaiterInvokesResumer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startRunningJob(t)

	var resumed atomic.Bool
	f.coordinator.SetResumer(func(jobID string) {
		if jobID == job.ID {
			resumed.Store(true)
		}
	})

	interaction := models.NewHITLInteraction(job.ID, 1, models.HITLConfirm, json.RawMessage(`{}`), time.Hour)
	require.NoError(t, f.coordinator.storage.SaveInteraction(ctx, interaction))
	_, err := f.jobs.Update(ctx, job.ID, func(j *models.Job) error {
		j.Status = models.JobStatusPendingHITL
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.Deliver(ctx, job.ID, &models.HITLResponse{Action: models.ActionProceed}))

	require.Eventually(t, func() bool { return resumed.Load() }, 2*time.Second, 10*time.Millisecond)
}
