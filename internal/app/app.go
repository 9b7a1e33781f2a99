package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/artifacts"
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/handlers"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/pipeline"
	"github.com/relume-ai/relume/internal/services/events"
	"github.com/relume-ai/relume/internal/services/llm"
	"github.com/relume-ai/relume/internal/storage"
	"github.com/relume-ai/relume/internal/validation"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	ArtifactStore  *artifacts.FileStore
	EventService   interfaces.EventService

	// Model services
	GeminiService   *llm.GeminiService
	FailureAnalyzer interfaces.FailureAnalyzer

	// Pipeline
	Validator   *validation.Orchestrator
	Executor    *pipeline.Executor
	Runner      *pipeline.Runner
	Coordinator *pipeline.Coordinator
	WorkerPool  *pipeline.WorkerPool
	Purger      *pipeline.Purger

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	UploadHandler   *handlers.UploadHandler
	StatusHandler   *handlers.StatusHandler
	JobHandler      *handlers.JobHandler
	UserHandler     *handlers.UserHandler
	ArtifactHandler *handlers.ArtifactHandler
	WSHandler       *handlers.WebSocketHandler
}

// New wires the application from configuration. Components are constructed
// in dependency order; any failure aborts startup.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	storageManager, err := storage.NewStorageManager(logger, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager

	artifactStore, err := artifacts.NewFileStore(&cfg.Storage.Artifacts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	a.ArtifactStore = artifactStore

	a.EventService = events.NewService(logger)

	gemini, err := llm.NewGeminiService(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Gemini service: %w", err)
	}
	a.GeminiService = gemini

	if cfg.Pipeline.AnalyzeFailures {
		analyzer, err := llm.NewFailureAnalyzer(cfg, gemini, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize failure analyzer: %w", err)
		}
		a.FailureAnalyzer = analyzer
	}

	local := validation.NewLocal(&cfg.Validation, logger)
	a.Validator = validation.NewOrchestrator(
		local,
		gemini,
		func() common.ValidationConfig { return cfg.Validation },
		cfg.Pipeline.ValidatorTimeoutDuration(),
		logger,
	)

	a.Executor = pipeline.NewExecutor(gemini, a.Validator, artifactStore, storageManager.Jobs(), cfg, logger)
	a.Runner = pipeline.NewRunner(a.Executor, storageManager.Jobs(), a.EventService, a.FailureAnalyzer, cfg, logger)
	a.Coordinator = pipeline.NewCoordinator(storageManager, artifactStore, a.EventService, cfg, logger)
	a.WorkerPool = pipeline.NewWorkerPool(a.Runner, a.Coordinator, storageManager.Jobs(), cfg, logger)
	a.Purger = pipeline.NewPurger(storageManager, artifactStore, a.Coordinator, cfg, logger)

	a.APIHandler = handlers.NewAPIHandler(storageManager)
	a.UploadHandler = handlers.NewUploadHandler(a.Coordinator)
	a.StatusHandler = handlers.NewStatusHandler(storageManager)
	a.JobHandler = handlers.NewJobHandler(a.Coordinator, storageManager)
	a.UserHandler = handlers.NewUserHandler(storageManager)
	a.ArtifactHandler = handlers.NewArtifactHandler(artifactStore, &cfg.Storage.Artifacts)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, logger, &cfg.WebSocket)

	logger.Info().
		Str("storage", storageManager.Backend()).
		Str("environment", cfg.Environment).
		Msg("Application initialized")

	return a, nil
}

// Start launches the background components.
func (a *App) Start() error {
	a.WorkerPool.Start()
	if err := a.Purger.Start(); err != nil {
		return fmt.Errorf("failed to start purge scheduler: %w", err)
	}
	return nil
}

// Shutdown stops background work and closes resources.
func (a *App) Shutdown(ctx context.Context) error {
	a.WorkerPool.Stop()
	a.Purger.Stop()

	if a.GeminiService != nil {
		a.GeminiService.Close()
	}
	if err := a.StorageManager.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
