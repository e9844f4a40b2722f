package app

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/notebookhub/internal/config"
	hubhttp "github.com/yungbote/notebookhub/internal/http"
	"github.com/yungbote/notebookhub/internal/observability"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

func wireRouter(cfg *config.Config, log *logger.Logger, metrics *observability.Metrics, handlers Handlers, middleware Middleware) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return hubhttp.NewRouter(hubhttp.RouterConfig{
		Log:             log,
		ServiceName:     serviceName,
		CORSOrigins:     cfg.HTTP.CORSOrigins,
		Metrics:         metrics,
		AuthMiddleware:  middleware.Auth,
		HealthHandler:   handlers.Health,
		SessionHandler:  handlers.Session,
		ProgressHandler: handlers.Progress,
		AdminHandler:    handlers.Admin,
	})
}
