package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/metislab-api/internal/handler"
	"github.com/noah-isme/metislab-api/internal/middleware"
	"github.com/noah-isme/metislab-api/internal/models"
	"github.com/noah-isme/metislab-api/pkg/config"
	"github.com/noah-isme/metislab-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/metislab-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/metislab-api/pkg/middleware/requestid"
)

// Handlers groups every HTTP handler mounted by the router.
type Handlers struct {
	Auth      *handler.AuthHandler
	Users     *handler.UserHandler
	Requests  *handler.RequestHandler
	Approvals *handler.ApprovalHandler
	Dashboard *handler.DashboardHandler
	Events    *handler.EventHandler
	Ops       *handler.MetricsHandler
}

// Deps carries the cross-cutting collaborators of the router.
type Deps struct {
	Config   *config.Config
	Logger   *zap.Logger
	Tokens   middleware.TokenValidator
	Observer middleware.HTTPObserver
	Audit    middleware.AuditRecorder
}

// New builds the gin engine with every route of the API.
func New(deps Deps, h Handlers) *gin.Engine {
	cfg := deps.Config
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if deps.Observer != nil {
		r.Use(middleware.Metrics(deps.Observer))
	}
	r.Use(middleware.ResponseMeta())

	r.GET("/health", h.Ops.Health)
	r.GET("/ready", h.Ops.Ready)
	r.GET("/metrics", h.Ops.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", h.Auth.Login)
	if cfg.SelfRegistration {
		api.POST("/auth/register", h.Users.Register)
	}

	secured := api.Group("")
	secured.Use(middleware.JWT(deps.Tokens))
	secured.GET("/auth/me", h.Auth.Me)
	secured.GET("/dashboard", h.Dashboard.Dashboard)
	secured.GET("/stats", h.Dashboard.Stats)

	requests := secured.Group("/requests")
	requests.GET("", h.Requests.ListMine)
	requests.POST("", middleware.RequireRequester(), h.Requests.Submit)
	requests.GET("/stage/:role", middleware.RequireStaff(), h.Requests.ListByStage)
	requests.GET("/rejected", middleware.RequireStaff(), h.Requests.ListRejected)
	requests.GET("/all", middleware.RequireRoles(models.RoleAdmin), h.Requests.ListAll)
	requests.GET("/:id", h.Requests.Get)
	requests.PUT("/:id", middleware.RequireRequester(), h.Requests.Update)
	requests.GET("/:id/timeline", h.Requests.Timeline)
	requests.GET("/:id/timeline.pdf", h.Requests.TimelinePDF)
	requests.GET("/:id/events", h.Requests.History)
	requests.POST("/:id/approve", h.Approvals.Approve)
	requests.POST("/:id/reject", h.Approvals.Reject)
	requests.POST("/:id/close", h.Approvals.Close)
	requests.POST("/:id/restore", h.Approvals.Restore)
	requests.POST("/:id/cancel", h.Approvals.Cancel)
	requests.GET("/:id/authorize", h.Approvals.Check)

	// EventSource cannot set headers, so the stream also accepts ?access_token=.
	api.GET("/events", middleware.StreamJWT(deps.Tokens), h.Events.Stream)

	users := secured.Group("/users")
	users.Use(middleware.RequireRoles(models.RoleAdmin))
	users.GET("", h.Users.List)
	users.POST("", h.Users.Create)
	users.GET("/:id", middleware.Audit(deps.Audit, deps.Logger, models.AuditActionUserView, "users"), h.Users.Get)
	users.PUT("/:id", h.Users.Update)
	users.POST("/:id/toggle-status", h.Users.ToggleStatus)

	return r
}
