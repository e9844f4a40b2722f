package app

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/events"
	httpH "github.com/yungbote/notebookhub/internal/http/handlers"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

type Handlers struct {
	Health   *httpH.HealthHandler
	Session  *httpH.SessionHandler
	Progress *httpH.ProgressHandler
	Admin    *httpH.AdminHandler
}

func wireHandlers(cfg *config.Config, log *logger.Logger, theDB *gorm.DB, services Services, hub *events.Hub) Handlers {
	log.Info("Wiring handlers...")
	var check func(ctx context.Context) error
	if theDB != nil {
		check = func(ctx context.Context) error {
			sqlDB, err := theDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	disp := services.Dispatcher
	return Handlers{
		Health:   httpH.NewHealthHandler(check),
		Session:  httpH.NewSessionHandler(log, disp, cfg.Catalog()),
		Progress: httpH.NewProgressHandler(log, disp, hub),
		Admin:    httpH.NewAdminHandler(log, disp),
	}
}
