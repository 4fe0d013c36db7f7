package hitl

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/jobs"
)

// deliverResult is what a blocked Suspend call receives.
type deliverResult struct {
	response *models.HITLResponse
	err      error
}

// PromptView is the poll response for GetPrompt.
type PromptView struct {
	HasPrompt bool            `json:"has_prompt"`
	Type      models.HITLType `json:"type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Round     int             `json:"round,omitempty"`
	Deadline  *time.Time      `json:"deadline,omitempty"`
}

// Coordinator is the rendezvous between a suspended phase and the
// external actor answering through the API. The durable interaction row
// keyed by (job_id, round) is the source of truth; in-memory waiters
// are an optimization that a restart simply discards.
type Coordinator struct {
	storage interfaces.HITLStorage
	jobs    *jobs.Manager
	bus     interfaces.EventBus
	logger  arbor.ILogger
	config  *common.Config

	mu      sync.Mutex
	waiters map[string]chan deliverResult
	resumer func(jobID string)

	cron *cron.Cron
}

// NewCoordinator creates the HITL coordinator.
func NewCoordinator(logger arbor.ILogger, config *common.Config, storage interfaces.HITLStorage, jobManager *jobs.Manager, bus interfaces.EventBus) *Coordinator {
	return &Coordinator{
		storage: storage,
		jobs:    jobManager,
		bus:     bus,
		logger:  logger,
		config:  config,
		waiters: make(map[string]chan deliverResult),
	}
}

// SetResumer installs the callback invoked when a response arrives for
// a job with no live waiter, i.e. one parked across a restart.
func (c *Coordinator) SetResumer(resume func(jobID string)) {
	c.resumer = resume
}

// Suspend parks the calling phase on a prompt and blocks until an
// answer, cancellation or timeout. Re-entering with the same pending
// prompt type attaches to the existing round instead of opening a new
// one, which is what makes post-restart re-execution idempotent.
func (c *Coordinator) Suspend(ctx context.Context, jobID string, typ models.HITLType, prompt json.RawMessage) (*models.HITLResponse, error) {
	c.mu.Lock()

	interaction, err := c.reuseOrCreate(ctx, jobID, typ, prompt)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	ch := make(chan deliverResult, 1)
	c.waiters[interaction.Key] = ch
	c.mu.Unlock()

	select {
	case result := <-ch:
		return result.response, result.err
	case <-ctx.Done():
		c.dropWaiter(interaction.Key)
		return nil, models.WrapError(models.KindCancelled, ctx.Err(), "suspension interrupted")
	case <-time.After(time.Until(interaction.TimeoutAt)):
		c.expire(context.Background(), interaction.Key)
		select {
		case result := <-ch:
			return result.response, result.err
		default:
			return nil, models.NewError(models.KindHITLTimeout, "no response within the interaction deadline")
		}
	}
}

// reuseOrCreate finds the job's pending interaction or opens the next
// round. Caller holds c.mu.
func (c *Coordinator) reuseOrCreate(ctx context.Context, jobID string, typ models.HITLType, prompt json.RawMessage) (*models.HITLInteraction, error) {
	round := 0
	latest, err := c.storage.LatestInteraction(ctx, jobID)
	if err != nil && !models.IsKind(err, models.KindNotFound) {
		return nil, err
	}
	if latest != nil {
		if latest.Status == models.HITLPending {
			if latest.Type != typ {
				return nil, models.NewError(models.KindConflictingState,
					"job %s already has a pending %s prompt", jobID, latest.Type)
			}
			return latest, nil
		}
		round = latest.Round
	}

	interaction := models.NewHITLInteraction(jobID, round+1, typ, prompt,
		c.config.HITLTimeout(string(typ)))
	if err := c.storage.SaveInteraction(ctx, interaction); err != nil {
		return nil, err
	}

	deadline := interaction.TimeoutAt
	if _, err := c.jobs.Update(ctx, jobID, func(job *models.Job) error {
		job.Status = models.JobStatusPendingHITL
		job.HITL = &models.HITLPrompt{
			Type:     typ,
			Payload:  prompt,
			Deadline: deadline,
			Round:    interaction.Round,
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if c.bus != nil {
		c.bus.Publish(jobID, models.EventHITLRequired, map[string]interface{}{
			"type":     typ,
			"round":    interaction.Round,
			"payload":  json.RawMessage(prompt),
			"deadline": deadline,
		})
	}

	c.logger.Info().
		Str("job_id", jobID).
		Str("type", string(typ)).
		Int("round", interaction.Round).
		Msg("Job suspended on HITL prompt")

	return interaction, nil
}

// GetPrompt returns the job's outstanding prompt, if any.
func (c *Coordinator) GetPrompt(ctx context.Context, jobID string) (*PromptView, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != models.JobStatusPendingHITL || job.HITL == nil {
		return &PromptView{HasPrompt: false}, nil
	}
	deadline := job.HITL.Deadline
	return &PromptView{
		HasPrompt: true,
		Type:      job.HITL.Type,
		Payload:   job.HITL.Payload,
		Round:     job.HITL.Round,
		Deadline:  &deadline,
	}, nil
}

// Deliver validates and persists a response for the outstanding prompt,
// flips the job back to Running and wakes the suspended phase. With no
// live waiter the configured resumer is invoked instead.
func (c *Coordinator) Deliver(ctx context.Context, jobID string, response *models.HITLResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	interaction, err := c.storage.GetPendingInteraction(ctx, jobID)
	if err != nil {
		if !models.IsKind(err, models.KindNotFound) {
			return err
		}
		if _, jerr := c.jobs.Get(ctx, jobID); jerr != nil {
			return jerr
		}
		return models.NewError(models.KindConflictingState, "job %s has no pending prompt", jobID)
	}

	if err := interaction.ValidateResponse(response); err != nil {
		return err
	}

	now := time.Now().UTC()
	interaction.Response = response
	interaction.Status = models.HITLAnswered
	interaction.RespondedAt = &now
	if err := c.storage.SaveInteraction(ctx, interaction); err != nil {
		return err
	}

	if _, err := c.jobs.Update(ctx, jobID, func(job *models.Job) error {
		job.Status = models.JobStatusRunning
		job.HITL = nil
		return nil
	}); err != nil {
		return err
	}

	c.logger.Info().
		Str("job_id", jobID).
		Str("action", string(response.Action)).
		Int("round", interaction.Round).
		Msg("HITL response delivered")

	if ch, ok := c.waiters[interaction.Key]; ok {
		delete(c.waiters, interaction.Key)
		ch <- deliverResult{response: response}
		return nil
	}

	// Parked across a restart: the engine re-runs the phase, which finds
	// the answered row.
	if c.resumer != nil {
		go c.resumer(jobID)
	}
	return nil
}

// Cancel seals the job's pending interaction and fails any waiter with
// a cancellation. Subsequent deliveries for the round are rejected.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	interaction, err := c.storage.GetPendingInteraction(ctx, jobID)
	if err != nil {
		if models.IsKind(err, models.KindNotFound) {
			return nil
		}
		return err
	}

	interaction.Status = models.HITLCancelled
	if err := c.storage.SaveInteraction(ctx, interaction); err != nil {
		return err
	}

	if ch, ok := c.waiters[interaction.Key]; ok {
		delete(c.waiters, interaction.Key)
		ch <- deliverResult{err: models.NewError(models.KindCancelled, "interaction cancelled")}
	}
	return nil
}

// ExpireOverdue seals every pending interaction past its deadline.
// Waiters surface the timeout through the engine; parked jobs are
// failed here directly.
func (c *Coordinator) ExpireOverdue(ctx context.Context) {
	overdue, err := c.storage.ListOverdue(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to list overdue interactions")
		return
	}
	for _, interaction := range overdue {
		c.expire(ctx, interaction.Key)
	}
}

// expire seals one interaction as timed out.
func (c *Coordinator) expire(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var interaction models.HITLInteraction
	rows, err := c.storage.ListInteractions(ctx, jobIDFromKey(key))
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to load interaction for expiry")
		return
	}
	found := false
	for _, row := range rows {
		if row.Key == key && row.Status == models.HITLPending {
			interaction = *row
			found = true
		}
	}
	if !found {
		return
	}

	interaction.Status = models.HITLTimedOut
	if err := c.storage.SaveInteraction(ctx, &interaction); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to seal timed-out interaction")
		return
	}

	c.logger.Warn().
		Str("job_id", interaction.JobID).
		Int("round", interaction.Round).
		Msg("HITL interaction timed out")

	if ch, ok := c.waiters[key]; ok {
		delete(c.waiters, key)
		ch <- deliverResult{err: models.NewError(models.KindHITLTimeout, "no response within the interaction deadline")}
		return
	}

	// No waiter: the job is parked, fail it here.
	if _, err := c.jobs.Fail(ctx, interaction.JobID, models.KindHITLTimeout,
		"human response deadline elapsed"); err != nil {
		c.logger.Warn().Err(err).Str("job_id", interaction.JobID).Msg("Failed to seal timed-out job")
	}
}

func (c *Coordinator) dropWaiter(key string) {
	c.mu.Lock()
	delete(c.waiters, key)
	c.mu.Unlock()
}

// StartExpiry schedules the periodic overdue sweep.
func (c *Coordinator) StartExpiry() error {
	if c.cron != nil {
		return nil
	}
	c.cron = cron.New()
	if _, err := c.cron.AddFunc("@every 1m", func() {
		c.ExpireOverdue(context.Background())
	}); err != nil {
		return models.WrapError(models.KindInternal, err, "schedule HITL expiry sweep")
	}
	c.cron.Start()
	return nil
}

// StopExpiry stops the sweep.
func (c *Coordinator) StopExpiry() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
		c.cron = nil
	}
}

// jobIDFromKey strips the round suffix from an interaction key.
func jobIDFromKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i]
		}
	}
	return key
}
