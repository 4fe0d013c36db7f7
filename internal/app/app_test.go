package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/models"
)

const recoveryTask = "Summarize long incident reports into short status updates for the on-call channel"

func awaitStatus(t *testing.T, a *App, jobID string, status models.JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := a.JobManager.Get(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 10*time.Millisecond, "expected job status %s", status)
}

func awaitPrompt(t *testing.T, a *App, jobID string, typ models.HITLType) {
	t.Helper()
	require.Eventually(t, func() bool {
		view, err := a.Coordinator.GetPrompt(context.Background(), jobID)
		return err == nil && view.HasPrompt && view.Type == typ
	}, 5*time.Second, 10*time.Millisecond, "expected a %s prompt", typ)
}

func TestRecoveryLeavesParkedJobsToTheirDelivery(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Storage.Root = t.TempDir()
	logger := arbor.NewLogger()

	first, err := New(cfg, logger)
	require.NoError(t, err)

	job, err := first.JobManager.Create(context.Background(), recoveryTask, "tester", false)
	require.NoError(t, err)
	require.NoError(t, first.Engine.Start(job.ID))
	awaitStatus(t, first, job.ID, models.JobStatusPendingHITL)

	require.NoError(t, first.Close())

	second, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	// The parked job is loaded but not relaunched: no fresh phase attempt
	// appears until its response arrives.
	runs := second.StorageManager.PhaseRunStorage()
	before, err := runs.LatestAttempt(context.Background(), job.ID, models.PhaseUnderstand)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	after, err := runs.LatestAttempt(context.Background(), job.ID, models.PhaseUnderstand)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	parked, err := second.JobManager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPendingHITL, parked.Status)

	// Delivery wakes the job through the resumer and it runs to the end.
	awaitPrompt(t, second, job.ID, models.HITLConfirm)
	deliver := func() {
		require.NoError(t, second.Coordinator.Deliver(context.Background(), job.ID,
			&models.HITLResponse{Action: models.ActionProceed}))
	}
	deliver()
	awaitPrompt(t, second, job.ID, models.HITLPreview)
	deliver()
	awaitPrompt(t, second, job.ID, models.HITLValidate)
	deliver()
	awaitStatus(t, second, job.ID, models.JobStatusCompleted)
}

func TestRecoveryRestartsRunnableJobs(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Storage.Root = t.TempDir()
	logger := arbor.NewLogger()

	first, err := New(cfg, logger)
	require.NoError(t, err)

	// A pending job that never got a worker before the process exited.
	job, err := first.JobManager.Create(context.Background(), recoveryTask, "tester", true)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	awaitStatus(t, second, job.ID, models.JobStatusCompleted)
}
