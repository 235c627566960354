// Package app wires repositories, services and background workers of the
// delegation server from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"delegate-server/internal/api"
	"delegate-server/internal/catalog"
	"delegate-server/internal/config"
	"delegate-server/internal/db/crypto"
	"delegate-server/internal/db/repository"
	"delegate-server/internal/middleware"
	"delegate-server/internal/service/execution"
	"delegate-server/internal/service/job"
	"delegate-server/internal/service/storage"
	"delegate-server/internal/service/stream"
	"delegate-server/internal/service/workspace"
)

// Deps holds what main must provide: configuration, database handles and
// the root logger.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
}

// Services groups the services behind the HTTP surface.
type Services struct {
	Job    *job.Service
	Cancel *execution.CancelService
	Stream *stream.Service
	Upload *storage.UploadService
}

// App is the fully wired server.
type App struct {
	Services    Services
	Handler     http.Handler
	Reconciler  *execution.Reconciler
	Launcher    *execution.Launcher // nil when the launcher is disabled
	RateLimiter *middleware.RateLimiter
	Registry    *execution.Registry
}

// New wires the application. It loads the product catalog, builds the
// input storage backend and fails this server's jobs left RUNNING by a
// previous process.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger

	products, err := catalog.LoadFile(cfg.ProductsFile)
	if err != nil {
		return nil, err
	}
	if declared := products.ServerID(); declared != "" && declared != cfg.ServerID {
		return nil, fmt.Errorf("product catalog is declared for server %q but SERVER_ID is %q", declared, cfg.ServerID)
	}
	logger.Info("product catalog loaded", "products", products.IDs())

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	cipher := crypto.NewConfigCipher(encryptor)

	inputs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("input storage: %w", err)
	}

	// === Repositories ===
	jobRepo := repository.NewJobRepo(deps.WriteDB, deps.ReadDB)

	// === Services ===
	jobSvc := job.NewService(jobRepo, products, cipher, cfg.ServerID, logger)
	registry := execution.NewRegistry()
	cancelSvc := execution.NewCancelService(jobRepo, registry, cfg.OrphanAfter, logger)
	throttle := stream.NewThrottle()
	streamSvc := stream.NewService(jobRepo, throttle, logger)
	uploadSvc := storage.NewUploadService(jobSvc, inputs, cfg.Storage.MaxUploadBytes, logger)

	if _, err := execution.RecoverInterrupted(ctx, jobRepo, cfg.ServerID, logger); err != nil {
		logger.Warn("recovery of interrupted jobs failed", "error", err)
	}

	// === Background workers ===
	reconciler := execution.NewReconciler(cancelSvc, cfg.CancelTriggerInterval, logger)

	var launcher *execution.Launcher
	if cfg.LauncherEnabled {
		planner := workspace.NewPlanner(
			workspace.NewParameterModelProvider(cipher),
			workspace.Defaults{MaxReadRetries: cfg.Storage.ReadMaxRetries, ReadRetryWait: cfg.Storage.ReadRetryWait},
			logger,
		)
		preparer := workspace.NewPreparer(inputs, cfg.WorkspaceRoot, logger)
		preparer.SetMaxExtractedBytes(cfg.Storage.MaxExtractBytes)
		launcher = execution.NewLauncher(
			jobRepo, jobSvc, products, cipher, planner, preparer, throttle, registry,
			execution.LauncherConfig{ServerID: cfg.ServerID, Interval: cfg.LaunchTriggerInterval},
			logger,
		)
	}

	// === HTTP ===
	validator, err := middleware.NewValidator(ctx, cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("token validator: %w", err)
	}
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})
	handler := api.NewRouter(
		api.NewHandler(jobSvc, cancelSvc, streamSvc, uploadSvc, logger),
		api.RouterConfig{
			Auth:           middleware.NewAuthenticator(validator, cfg.Auth.AdminSubjects, logger),
			RateLimiter:    limiter,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			Logger:         logger,
		},
	)

	return &App{
		Services: Services{
			Job:    jobSvc,
			Cancel: cancelSvc,
			Stream: streamSvc,
			Upload: uploadSvc,
		},
		Handler:     handler,
		Reconciler:  reconciler,
		Launcher:    launcher,
		RateLimiter: limiter,
		Registry:    registry,
	}, nil
}
