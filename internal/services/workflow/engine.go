// Package workflow drives the phase pipeline: understand, generate,
// validate, promote. The engine owns phase sequencing, phase run records
// and the suspend/resume dance with the HITL coordinator; phase semantics
// live in the steps.
package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/hitl"
	"github.com/ternarybob/skillforge/internal/services/jobs"
	"github.com/ternarybob/skillforge/internal/services/taxonomy"
)

// phaseOrder is the pipeline. Promote is engine-owned; the first three
// run through the step set.
var phaseOrder = []models.Phase{
	models.PhaseUnderstand,
	models.PhaseGenerate,
	models.PhaseValidate,
	models.PhasePromote,
}

// outcome directs the pipeline loop after one phase execution.
type outcome int

const (
	outcomeAdvance outcome = iota // phase succeeded, move to the next
	outcomeRetry                  // re-execute the same phase
	outcomeRestart                // revise: back to understand
	outcomeHalt                   // job reached a terminal state
)

// pipelineState is the data flowing between phases, reloadable from the
// sealed phase run records after a restart.
type pipelineState struct {
	plan     *models.SkillPlan
	draft    *models.DraftContent
	draftDir string
	validate *models.ValidateOutput
}

// Engine schedules one pipeline task per job under a worker cap.
type Engine struct {
	jobs        *jobs.Manager
	coordinator *hitl.Coordinator
	taxonomy    *taxonomy.Service
	runs        interfaces.PhaseRunStorage
	hitlStore   interfaces.HITLStorage
	bus         interfaces.EventBus
	steps       interfaces.StepSet
	logger      arbor.ILogger
	config      *common.Config

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
}

// NewEngine creates the workflow engine.
func NewEngine(logger arbor.ILogger, config *common.Config, jobManager *jobs.Manager,
	coordinator *hitl.Coordinator, taxonomyService *taxonomy.Service,
	runs interfaces.PhaseRunStorage, hitlStore interfaces.HITLStorage,
	bus interfaces.EventBus, steps interfaces.StepSet) *Engine {

	concurrency := config.Workflow.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{
		jobs:        jobManager,
		coordinator: coordinator,
		taxonomy:    taxonomyService,
		runs:        runs,
		hitlStore:   hitlStore,
		bus:         bus,
		steps:       steps,
		logger:      logger,
		config:      config,
		sem:         make(chan struct{}, concurrency),
		running:     make(map[string]context.CancelFunc),
	}
}

// Start launches the pipeline task for a job. Starting a job that is
// already running is a no-op, which is what makes the coordinator's
// resumer callback safe to fire at will.
func (e *Engine) Start(jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return models.NewError(models.KindConflictingState, "engine is shut down")
	}
	if _, ok := e.running[jobID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.running[jobID] = cancel
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.running, jobID)
			e.mu.Unlock()
		}()

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-e.sem }()

		e.execute(ctx, jobID)
	}()
	return nil
}

// ResumeJob re-launches a job after a restart or a parked delivery.
// Terminal and unknown jobs are ignored.
func (e *Engine) ResumeJob(jobID string) {
	job, err := e.jobs.Get(context.Background(), jobID)
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Cannot resume unknown job")
		return
	}
	if !job.IsResumable() {
		return
	}
	if err := e.Start(jobID); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to resume job")
	}
}

// Cancel requests cancellation of a job's pipeline. A suspended phase is
// woken with a cancellation; a running phase observes its context. The
// grace timer seals the job even if the task does not unwind in time.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return models.NewError(models.KindConflictingState, "job %s is already %s", jobID, job.Status)
	}

	if err := e.coordinator.Cancel(ctx, jobID); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to cancel pending interaction")
	}

	e.mu.Lock()
	cancel, active := e.running[jobID]
	e.mu.Unlock()

	if !active {
		_, err := e.jobs.CancelJob(ctx, jobID)
		return err
	}

	cancel()
	grace := e.config.CancelGrace()
	if grace <= 0 {
		grace = time.Second
	}
	time.AfterFunc(grace, func() {
		job, err := e.jobs.Get(context.Background(), jobID)
		if err != nil || job.IsTerminal() {
			return
		}
		e.logger.Warn().Str("job_id", jobID).Msg("Cancellation grace elapsed; sealing job")
		if _, err := e.jobs.CancelJob(context.Background(), jobID); err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Forced cancellation failed")
		}
	})
	return nil
}

// Shutdown stops accepting jobs and waits for running tasks to unwind.
// Suspended phases are interrupted; their jobs stay resumable.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	cancels := make([]context.CancelFunc, 0, len(e.running))
	for _, cancel := range e.running {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return models.WrapError(models.KindInternal, ctx.Err(), "engine shutdown interrupted")
	}
}

// execute drives one job through the pipeline until a terminal state or
// an interruption that leaves it resumable.
func (e *Engine) execute(ctx context.Context, jobID string) {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", jobID).Msg("Cannot load job for execution")
		return
	}
	if job.IsTerminal() {
		return
	}

	state, startIdx, err := e.loadState(ctx, job)
	if err != nil {
		e.failJob(ctx, jobID, err)
		return
	}

	idx := startIdx
	for idx < len(phaseOrder) {
		if ctx.Err() != nil {
			e.interrupted(jobID)
			return
		}

		phase := phaseOrder[idx]
		var next outcome
		if phase == models.PhasePromote {
			next = e.runPromote(ctx, jobID, state)
		} else {
			next = e.runPhase(ctx, jobID, phase, state)
		}

		switch next {
		case outcomeAdvance:
			idx++
		case outcomeRetry:
			// same phase again
		case outcomeRestart:
			state.plan = nil
			state.draft = nil
			state.validate = nil
			idx = 0
		case outcomeHalt:
			return
		}
	}
}

// loadState rebuilds the inter-phase state from sealed phase runs. A
// recorded output is adopted only when its input digest still matches;
// a mismatch (new feedback since the run) re-executes from that phase.
func (e *Engine) loadState(ctx context.Context, job *models.Job) (*pipelineState, int, error) {
	state := &pipelineState{draftDir: job.DraftLocation}

	for idx, phase := range phaseOrder {
		if phase == models.PhasePromote {
			return state, idx, nil
		}

		attempt, err := e.runs.LatestAttempt(ctx, job.ID, phase)
		if err != nil || attempt == 0 {
			return state, idx, err
		}
		run, err := e.runs.GetPhaseRun(ctx, job.ID, phase, attempt)
		if err != nil {
			return state, idx, err
		}
		if run.Outcome != models.PhaseSucceeded || run.InputDigest != e.inputDigest(job, phase, state) {
			return state, idx, nil
		}
		if err := state.adopt(phase, run.Output); err != nil {
			return state, idx, nil
		}
		if phase == models.PhaseGenerate && state.draftDir == "" {
			// draft output without a location: regenerate
			state.draft = nil
			return state, idx, nil
		}
	}
	return state, len(phaseOrder), nil
}

// adopt decodes a phase output into the pipeline state.
func (s *pipelineState) adopt(phase models.Phase, output json.RawMessage) error {
	switch phase {
	case models.PhaseUnderstand:
		s.plan = &models.SkillPlan{}
		return json.Unmarshal(output, s.plan)
	case models.PhaseGenerate:
		s.draft = &models.DraftContent{}
		return json.Unmarshal(output, s.draft)
	case models.PhaseValidate:
		s.validate = &models.ValidateOutput{}
		return json.Unmarshal(output, s.validate)
	}
	return nil
}

// inputDigest hashes everything that determines a phase's output.
func (e *Engine) inputDigest(job *models.Job, phase models.Phase, state *pipelineState) string {
	switch phase {
	case models.PhaseUnderstand:
		return models.Digest(map[string]interface{}{
			"task":     job.TaskDescription,
			"feedback": job.Feedback,
		})
	case models.PhaseGenerate:
		return models.Digest(map[string]interface{}{
			"plan":     state.plan,
			"feedback": job.Feedback,
		})
	default:
		return models.Digest(map[string]interface{}{
			"plan":  state.plan,
			"draft": state.draft,
		})
	}
}

// runPhase executes one step-backed phase once: open a run record, run
// the step, seal the record, then translate the result into a pipeline
// outcome. Suspension blocks here until the coordinator delivers.
func (e *Engine) runPhase(ctx context.Context, jobID string, phase models.Phase, state *pipelineState) outcome {
	job, err := e.jobs.Update(ctx, jobID, func(j *models.Job) error {
		if j.IsTerminal() {
			return models.NewError(models.KindConflictingState, "job %s is already %s", jobID, j.Status)
		}
		j.CurrentPhase = phase
		if j.Status == models.JobStatusPending {
			j.Status = models.JobStatusRunning
		}
		return nil
	})
	if err != nil {
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}

	step, err := e.steps.Step(phase)
	if err != nil {
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}

	responses, err := e.hitlStore.ListInteractions(ctx, jobID)
	if err != nil && !models.IsKind(err, models.KindNotFound) {
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}

	attempt, err := e.runs.LatestAttempt(ctx, jobID, phase)
	if err != nil {
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}
	attempt++

	run := models.NewPhaseRun(jobID, phase, attempt, e.inputDigest(job, phase, state))
	if err := e.runs.SavePhaseRun(ctx, run); err != nil {
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}
	e.publish(jobID, models.EventPhaseStarted, map[string]interface{}{
		"phase":   phase,
		"attempt": attempt,
	})

	input := &interfaces.PhaseInput{
		Job:       job,
		Plan:      state.plan,
		Draft:     state.draft,
		DraftDir:  state.draftDir,
		Feedback:  job.Feedback,
		Responses: responses,
	}

	stepCtx := ctx
	if timeout := e.config.PhaseLLMTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result := step.Execute(stepCtx, input, &busSink{engine: e, jobID: jobID, phase: phase})

	switch {
	case result.Err != nil:
		if ctx.Err() != nil {
			e.sealRun(run, models.PhaseCancelled, nil, "")
			e.interrupted(jobID)
			return outcomeHalt
		}
		e.sealRun(run, models.PhaseFailed, nil, models.KindOf(result.Err))
		e.publishPhaseEnded(jobID, phase, models.PhaseFailed)
		e.failJob(ctx, jobID, result.Err)
		return outcomeHalt

	case result.Suspend != nil:
		e.sealRun(run, models.PhaseSuspended, nil, "")
		e.publishPhaseEnded(jobID, phase, models.PhaseSuspended)
		return e.suspend(ctx, jobID, result.Suspend)

	default:
		run.SealSucceeded(result.Output)
		if err := e.runs.SavePhaseRun(ctx, run); err != nil {
			e.failJob(ctx, jobID, err)
			return outcomeHalt
		}
		e.publishPhaseEnded(jobID, phase, models.PhaseSucceeded)
		return e.advance(ctx, jobID, phase, state, result.Output)
	}
}

// advance folds a succeeded phase output into the pipeline state and
// performs the phase's side effects.
func (e *Engine) advance(ctx context.Context, jobID string, phase models.Phase, state *pipelineState, output json.RawMessage) outcome {
	if err := state.adopt(phase, output); err != nil {
		e.failJob(ctx, jobID, models.WrapError(models.KindInternal, err, "decode %s output", phase))
		return outcomeHalt
	}

	switch phase {
	case models.PhaseGenerate:
		dir, err := e.taxonomy.WriteDraft(jobID, state.plan, state.draft)
		if err != nil {
			e.failJob(ctx, jobID, err)
			return outcomeHalt
		}
		state.draftDir = dir
		if _, err := e.jobs.Update(ctx, jobID, func(j *models.Job) error {
			j.DraftLocation = dir
			return nil
		}); err != nil {
			e.failJob(ctx, jobID, err)
			return outcomeHalt
		}

	case models.PhaseValidate:
		if !state.validate.Report.Passed {
			// draft stays on disk for inspection and force-promotion
			e.failJob(ctx, jobID, models.NewError(models.KindValidationFailed,
				"draft failed validation with %d error(s)", len(state.validate.Report.Errors)))
			return outcomeHalt
		}
	}
	return outcomeAdvance
}

// suspend parks the task on the coordinator and maps the delivered
// response onto the pipeline loop. The worker slot is handed back for
// the duration of the wait: a job parked on a human must not starve
// runnable ones. The slot is taken again before the response is acted
// on, so the worker cap still bounds active phase execution.
func (e *Engine) suspend(ctx context.Context, jobID string, req *interfaces.SuspendRequest) outcome {
	<-e.sem
	response, err := e.coordinator.Suspend(ctx, jobID, req.Type, req.Prompt)
	e.sem <- struct{}{}
	if err != nil {
		switch {
		case models.IsKind(err, models.KindHITLTimeout):
			e.failJob(ctx, jobID, err)
		case models.IsKind(err, models.KindCancelled):
			e.interrupted(jobID)
		default:
			e.failJob(ctx, jobID, err)
		}
		return outcomeHalt
	}

	switch response.Action {
	case models.ActionCancel:
		if _, err := e.jobs.CancelJob(ctx, jobID); err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to seal cancelled job")
		}
		return outcomeHalt

	case models.ActionRevise:
		if err := e.appendFeedback(ctx, jobID, response.Feedback); err != nil {
			e.failJob(ctx, jobID, err)
			return outcomeHalt
		}
		return outcomeRestart

	case models.ActionRefine:
		if err := e.appendFeedback(ctx, jobID, response.Feedback); err != nil {
			e.failJob(ctx, jobID, err)
			return outcomeHalt
		}
		return outcomeRetry

	default: // proceed
		return outcomeRetry
	}
}

// runPromote publishes the draft and seals the job. Promotion conflicts
// and index failures fail the job; the draft remains for manual recovery.
func (e *Engine) runPromote(ctx context.Context, jobID string, state *pipelineState) outcome {
	job, err := e.jobs.Update(ctx, jobID, func(j *models.Job) error {
		if j.IsTerminal() {
			return models.NewError(models.KindConflictingState, "job %s is already %s", jobID, j.Status)
		}
		j.CurrentPhase = models.PhasePromote
		return nil
	})
	if err != nil {
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}

	attempt, err := e.runs.LatestAttempt(ctx, jobID, models.PhasePromote)
	if err != nil {
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}
	attempt++

	run := models.NewPhaseRun(jobID, models.PhasePromote, attempt,
		e.inputDigest(job, models.PhasePromote, state))
	if err := e.runs.SavePhaseRun(ctx, run); err != nil {
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}
	e.publish(jobID, models.EventPhaseStarted, map[string]interface{}{
		"phase":   models.PhasePromote,
		"attempt": attempt,
	})

	skill, err := e.taxonomy.Promote(ctx, job, false)
	if err != nil {
		e.sealRun(run, models.PhaseFailed, nil, models.KindOf(err))
		e.publishPhaseEnded(jobID, models.PhasePromote, models.PhaseFailed)
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}

	result := &models.JobResult{
		SkillID:       skill.ID,
		CanonicalPath: skill.CanonicalPath,
		Version:       skill.Version,
	}
	if state.validate != nil {
		result.Score = state.validate.Score
	}

	output, _ := json.Marshal(result)
	run.SealSucceeded(output)
	if err := e.runs.SavePhaseRun(ctx, run); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to seal promote run")
	}
	e.publishPhaseEnded(jobID, models.PhasePromote, models.PhaseSucceeded)

	if _, err := e.jobs.Complete(ctx, jobID, result); err != nil {
		e.failJob(ctx, jobID, err)
		return outcomeHalt
	}

	e.logger.Info().
		Str("job_id", jobID).
		Str("skill_id", skill.ID).
		Str("path", skill.CanonicalPath).
		Msg("Job completed")
	return outcomeHalt
}

// appendFeedback records revise/refine feedback on the job.
func (e *Engine) appendFeedback(ctx context.Context, jobID, feedback string) error {
	if feedback == "" {
		return nil
	}
	_, err := e.jobs.Update(ctx, jobID, func(j *models.Job) error {
		j.Feedback = append(j.Feedback, feedback)
		return nil
	})
	return err
}

// failJob seals the job with the error's kind. Conflicts with an already
// terminal job are expected during cancellation races and only logged.
func (e *Engine) failJob(ctx context.Context, jobID string, cause error) {
	kind := models.KindOf(cause)
	if kind == "" {
		kind = models.KindInternal
	}
	if _, err := e.jobs.Fail(context.WithoutCancel(ctx), jobID, kind, models.MessageOf(cause)); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to seal failed job")
	} else {
		e.logger.Warn().Str("job_id", jobID).Str("kind", string(kind)).Str("cause", models.MessageOf(cause)).Msg("Job failed")
	}
}

// interrupted handles a task unwinding on a cancelled context. An engine
// shutdown leaves the job resumable; an explicit cancel seals it.
func (e *Engine) interrupted(jobID string) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	if _, err := e.jobs.CancelJob(context.Background(), jobID); err != nil &&
		!models.IsKind(err, models.KindConflictingState) {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to seal interrupted job")
	}
}

// sealRun seals and persists a non-success run record.
func (e *Engine) sealRun(run *models.PhaseRun, out models.PhaseOutcome, output json.RawMessage, errKind models.ErrorKind) {
	run.Seal(out, "")
	run.Output = output
	run.ErrorKind = errKind
	if err := e.runs.SavePhaseRun(context.Background(), run); err != nil {
		e.logger.Warn().Err(err).Str("key", run.Key).Msg("Failed to seal phase run")
	}
}

func (e *Engine) publish(jobID string, kind models.EventKind, payload interface{}) {
	if e.bus == nil {
		return
	}
	if _, err := e.bus.Publish(jobID, kind, payload); err != nil {
		e.logger.Debug().Err(err).Str("job_id", jobID).Msg("Event publish skipped")
	}
}

func (e *Engine) publishPhaseEnded(jobID string, phase models.Phase, out models.PhaseOutcome) {
	e.publish(jobID, models.EventPhaseEnded, map[string]interface{}{
		"phase":   phase,
		"outcome": out,
	})
}

// busSink bridges step progress onto the event stream and the job record.
type busSink struct {
	engine *Engine
	jobID  string
	phase  models.Phase
}

func (s *busSink) Progress(percent int, message string) {
	if _, err := s.engine.jobs.Update(context.Background(), s.jobID, func(j *models.Job) error {
		if percent > j.ProgressPercent {
			j.ProgressPercent = percent
		}
		return nil
	}); err != nil {
		s.engine.logger.Debug().Err(err).Str("job_id", s.jobID).Msg("Progress update skipped")
	}
	s.engine.publish(s.jobID, models.EventProgress, map[string]interface{}{
		"phase":   s.phase,
		"percent": percent,
		"message": message,
	})
}

func (s *busSink) Reasoning(message string) {
	s.engine.publish(s.jobID, models.EventReasoning, map[string]interface{}{
		"phase":   s.phase,
		"message": message,
	})
}
