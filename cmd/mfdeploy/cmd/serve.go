// cmd/mfdeploy/cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mfdeploy/internal/config"
	"mfdeploy/internal/database"
	"mfdeploy/internal/device"
	"mfdeploy/internal/repository"
	"mfdeploy/internal/routes"
	"mfdeploy/internal/service"
	"mfdeploy/internal/utils"
)

func newServeCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket device service",
		Long: `Run the HTTP API. Sessions, deploy and erase jobs, port discovery and
the operation history are served under /api/v1; live progress, state and
device output stream on /ws/events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(o.cfg, o.logger, o.opener)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}

// Application wires the service together
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	database *database.DB
	router   *routes.Router

	operationRepo repository.OperationRepository

	eventBus         *service.EventBus
	operationService *service.OperationService
	discoveryService *service.DiscoveryService
	sessionService   *service.SessionService
}

// NewApplication creates the application. A nil opener opens ports
// through the configured transports.
func NewApplication(cfg *config.Config, logger *zap.Logger, opener device.StreamOpener) (*Application, error) {
	utils.NewServiceLogger(logger, "mfdeploy").LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeRepository(); err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	app.initializeServices(opener)
	app.initializeServer()

	return app, nil
}

// initializeRepository connects the postgres history when enabled and
// falls back to memory otherwise
func (app *Application) initializeRepository() error {
	if !app.config.Database.Enabled {
		app.operationRepo = repository.NewMemoryOperationRepository(app.logger)
		app.logger.Info("Operation history kept in memory")
		return nil
	}

	db, err := database.NewConnection(&app.config.Database, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	if app.config.Database.AutoMigrate {
		if err := database.NewMigrator(app.logger, &app.config.Database).Up(); err != nil {
			db.Close()
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	app.operationRepo = repository.NewOperationRepository(db, app.logger)
	app.logger.Info("Database initialized successfully")
	return nil
}

func (app *Application) initializeServices(opener device.StreamOpener) {
	app.eventBus = service.NewEventBus(app.logger)
	app.operationService = service.NewOperationService(app.operationRepo, app.logger)
	app.discoveryService = service.NewDiscoveryService(app.config, app.logger)
	app.sessionService = service.NewSessionService(
		app.discoveryService,
		app.operationService,
		app.eventBus,
		app.config,
		app.logger,
		opener,
	)

	app.logger.Info("Services initialized successfully",
		zap.Strings("scanners", app.discoveryService.AvailableScanners()),
	)
}

func (app *Application) initializeServer() {
	app.router = routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.sessionService,
		app.operationService,
		app.discoveryService,
		app.eventBus,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.server.Addr))
}

// Run serves until ctx is cancelled or the listener fails, then shuts
// everything down
func (app *Application) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go app.runCleanup(cleanupCtx)

	var err error
	select {
	case <-ctx.Done():
		app.logger.Info("Received shutdown signal")
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	stopCleanup()
	app.shutdown()
	return err
}

// runCleanup deletes history older than the retention period
func (app *Application) runCleanup(ctx context.Context) {
	interval := app.config.Database.CleanupInterval
	retention := app.config.Database.Retention
	if interval <= 0 || retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	app.logger.Info("Cleanup service started",
		zap.Duration("interval", interval),
		zap.Duration("retention", retention),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			deleted, err := app.operationService.CleanupOldOperations(opCtx, retention)
			cancel()
			if err != nil {
				app.logger.Error("Failed to cleanup old operations", zap.Error(err))
			} else if deleted > 0 {
				app.logger.Info("Cleaned up old operations", zap.Int64("deleted", deleted))
			}
		}
	}
}

// shutdown stops accepting requests, then cancels running jobs and closes
// every session before the event bus and database go away
func (app *Application) shutdown() {
	utils.NewServiceLogger(app.logger, "mfdeploy").LogServiceStop("shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	app.sessionService.Close()
	app.router.Close()
	app.eventBus.Close()

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")
}
