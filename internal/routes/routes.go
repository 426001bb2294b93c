// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mfdeploy/internal/config"
	"mfdeploy/internal/database"
	"mfdeploy/internal/handler"
	"mfdeploy/internal/middleware"
	"mfdeploy/internal/service"
	"mfdeploy/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config           *config.Config
	logger           *zap.Logger
	db               *database.DB
	sessionService   *service.SessionService
	operationService *service.OperationService
	discoveryService *service.DiscoveryService
	eventBus         *service.EventBus
	wsHandler        *handler.WebSocketHandler
}

// NewRouter creates a new router instance. db may be nil when the
// operation history is kept in memory.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	db *database.DB,
	sessionService *service.SessionService,
	operationService *service.OperationService,
	discoveryService *service.DiscoveryService,
	eventBus *service.EventBus,
) *Router {
	return &Router{
		config:           config,
		logger:           logger,
		db:               db,
		sessionService:   sessionService,
		operationService: operationService,
		discoveryService: discoveryService,
		eventBus:         eventBus,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// Close drops open WebSocket clients
func (r *Router) Close() {
	if r.wsHandler != nil {
		r.wsHandler.Close()
	}
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger, "/live", "/ready"))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.db, r.sessionService, r.eventBus, r.config, r.logger)
	sessionHandler := handler.NewSessionHandler(r.sessionService, r.config.Server.MaxUploadMB, r.logger)
	operationHandler := handler.NewOperationHandler(r.operationService, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.discoveryService, r.logger)
	r.wsHandler = handler.NewWebSocketHandler(r.eventBus, r.config.Security.AllowedOrigins, r.logger)

	healthHandler.RegisterRoutes(router)

	apiV1 := router.Group("/api/v1")
	sessionHandler.RegisterRoutes(apiV1)
	operationHandler.RegisterRoutes(apiV1)
	discoveryHandler.RegisterRoutes(apiV1)

	r.wsHandler.RegisterRoutes(router.Group("/ws"))

	r.logger.Info("All routes configured successfully")
}
