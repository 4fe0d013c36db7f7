package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/handlers"
	"github.com/ternarybob/skillforge/internal/interfaces"
	"github.com/ternarybob/skillforge/internal/models"
	"github.com/ternarybob/skillforge/internal/services/events"
	"github.com/ternarybob/skillforge/internal/services/hitl"
	"github.com/ternarybob/skillforge/internal/services/jobs"
	"github.com/ternarybob/skillforge/internal/services/llm"
	"github.com/ternarybob/skillforge/internal/services/taxonomy"
	"github.com/ternarybob/skillforge/internal/services/validation"
	"github.com/ternarybob/skillforge/internal/services/workflow"
	"github.com/ternarybob/skillforge/internal/services/workflow/steps"
	"github.com/ternarybob/skillforge/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Core services
	EventBus          interfaces.EventBus
	JobManager        *jobs.Manager
	Coordinator       *hitl.Coordinator
	TaxonomyService   *taxonomy.Service
	ValidationService *validation.Service
	LLMService        interfaces.LLMService
	Engine            *workflow.Engine

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	SkillHandler    *handlers.SkillHandler
	JobHandler      *handlers.JobHandler
	HITLHandler     *handlers.HITLHandler
	DraftHandler    *handlers.DraftHandler
	TaxonomyHandler *handlers.TaxonomyHandler
	SSEHandler      *handlers.SSEEventsHandler
	WSHandler       *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.recoverJobs(); err != nil {
		return nil, fmt.Errorf("failed to recover jobs: %w", err)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("storage_root", cfg.Storage.Root).
		Str("llm_provider", string(cfg.LLM.DefaultProvider)).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := badger.NewManager(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order:
// bus, job manager, HITL coordinator, taxonomy, validation, LLM, engine.
// The coordinator's resumer callback is wired last because it needs the
// engine, which needs everything else.
func (a *App) initServices() error {
	a.EventBus = events.NewBus(a.Logger, a.Config.Events.SubscriberQueueSize)

	a.JobManager = jobs.NewManager(a.Logger, a.Config, a.StorageManager.JobStorage(), a.EventBus)
	if err := a.JobManager.StartSweeper(); err != nil {
		return fmt.Errorf("failed to start job cache sweeper: %w", err)
	}
	a.Logger.Debug().Msg("Job manager initialized")

	a.Coordinator = hitl.NewCoordinator(a.Logger, a.Config, a.StorageManager.HITLStorage(), a.JobManager, a.EventBus)
	if err := a.Coordinator.StartExpiry(); err != nil {
		return fmt.Errorf("failed to start HITL expiry: %w", err)
	}
	a.Logger.Debug().Msg("HITL coordinator initialized")

	a.TaxonomyService = taxonomy.NewService(a.Logger, a.StorageManager.SkillStorage(), a.EventBus, a.Config.Storage.Root)
	if err := a.TaxonomyService.LoadAlwaysOn(context.Background()); err != nil {
		return fmt.Errorf("failed to load always-on skills: %w", err)
	}
	a.Logger.Debug().Str("root", a.Config.Storage.Root).Msg("Taxonomy service initialized")

	a.ValidationService = validation.NewService(a.Logger, &a.Config.Validation)

	llmService, err := llm.NewLLMService(a.Config, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM service: %w", err)
	}
	a.LLMService = llmService

	var stepSet interfaces.StepSet
	if a.LLMService != nil {
		stepSet = steps.NewLLMSet(a.LLMService, a.ValidationService, a.Logger)
	} else {
		// Scripted provider: deterministic planner and generator, no API calls.
		stepSet = steps.NewScriptedSet(a.ValidationService, a.Logger)
	}

	a.Engine = workflow.NewEngine(a.Logger, a.Config, a.JobManager, a.Coordinator,
		a.TaxonomyService, a.StorageManager.PhaseRunStorage(), a.StorageManager.HITLStorage(),
		a.EventBus, stepSet)

	// Responses delivered while no worker is parked on the rendezvous
	// restart the job's pipeline task.
	a.Coordinator.SetResumer(a.Engine.ResumeJob)
	a.Logger.Debug().Int("worker_concurrency", a.Config.Workflow.WorkerConcurrency).Msg("Workflow engine initialized")

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler()
	a.SkillHandler = handlers.NewSkillHandler(a.JobManager, a.Engine, a.TaxonomyService, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobManager, a.Engine, a.Logger)
	a.HITLHandler = handlers.NewHITLHandler(a.Coordinator, a.Logger)
	a.DraftHandler = handlers.NewDraftHandler(a.JobManager, a.TaxonomyService, a.Logger)
	a.TaxonomyHandler = handlers.NewTaxonomyHandler(a.TaxonomyService, a.Logger)
	a.SSEHandler = handlers.NewSSEEventsHandler(a.JobManager, a.EventBus, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.JobManager, a.EventBus, a.Logger)
}

// recoverJobs restarts pipeline tasks for every job that was in flight
// when the previous process exited. Jobs parked on a human are loaded
// into memory but not relaunched; the coordinator's resumer restarts
// them when their response arrives.
func (a *App) recoverJobs() error {
	resumable, err := a.JobManager.ResumableJobs(context.Background())
	if err != nil {
		return err
	}

	for _, job := range resumable {
		if job.Status == models.JobStatusPendingHITL {
			a.Logger.Info().
				Str("job_id", job.ID).
				Str("phase", string(job.CurrentPhase)).
				Msg("Leaving parked job to its pending interaction")
			continue
		}
		if err := a.Engine.Start(job.ID); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to resume job")
			continue
		}
		a.Logger.Info().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Str("phase", string(job.CurrentPhase)).
			Msg("Resumed job from previous run")
	}

	if len(resumable) > 0 {
		a.Logger.Info().Int("count", len(resumable)).Msg("Job recovery complete")
	}
	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Engine != nil {
		if err := a.Engine.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("Workflow engine shutdown incomplete")
		} else {
			a.Logger.Info().Msg("Workflow engine stopped")
		}
	}

	if a.Coordinator != nil {
		a.Coordinator.StopExpiry()
	}

	if a.JobManager != nil {
		a.JobManager.StopSweeper()
	}

	if a.EventBus != nil {
		if err := a.EventBus.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event bus")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
