package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/notebookhub/internal/http/handlers"
	httpMW "github.com/yungbote/notebookhub/internal/http/middleware"
	"github.com/yungbote/notebookhub/internal/observability"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	Metrics     *observability.Metrics

	AuthMiddleware *httpMW.AuthMiddleware

	HealthHandler   *httpH.HealthHandler
	SessionHandler  *httpH.SessionHandler
	ProgressHandler *httpH.ProgressHandler
	AdminHandler    *httpH.AdminHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/hub/api")
	if cfg.SessionHandler != nil {
		api.GET("/spawn-form", cfg.SessionHandler.SpawnForm)
	}

	protected := api.Group("/")
	if cfg.AuthMiddleware != nil {
		protected.Use(cfg.AuthMiddleware.RequireAuth())
	}

	// Per-user session routes
	users := protected.Group("/users/:name")
	if cfg.AuthMiddleware != nil {
		users.Use(cfg.AuthMiddleware.RequireSelfOrAdmin("name"))
	}
	if cfg.SessionHandler != nil {
		users.POST("/server", cfg.SessionHandler.Start)
		users.DELETE("/server", cfg.SessionHandler.Stop)
		users.GET("/server", cfg.SessionHandler.Get)
		users.POST("/activity", cfg.SessionHandler.Activity)
	}
	if cfg.ProgressHandler != nil {
		users.GET("/server/progress", cfg.ProgressHandler.Stream)
	}

	// Admin
	admin := protected.Group("/")
	if cfg.AuthMiddleware != nil {
		admin.Use(cfg.AuthMiddleware.RequireAdmin())
	}
	if cfg.AdminHandler != nil {
		admin.GET("/sessions", cfg.AdminHandler.ListSessions)
		admin.POST("/crash", cfg.AdminHandler.Crash)
	}

	return r
}
