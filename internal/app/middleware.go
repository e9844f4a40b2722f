package app

import (
	"fmt"

	"github.com/yungbote/notebookhub/internal/auth"
	"github.com/yungbote/notebookhub/internal/config"
	httpMW "github.com/yungbote/notebookhub/internal/http/middleware"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

func wireMiddleware(cfg *config.Config, log *logger.Logger) (Middleware, error) {
	log.Info("Wiring middleware...")
	verifier, err := auth.NewVerifier(log, cfg.Auth)
	if err != nil {
		return Middleware{}, fmt.Errorf("init auth: %w", err)
	}
	if cfg.Auth.Admin == "" {
		log.Info("No admin designated")
	}
	return Middleware{Auth: httpMW.NewAuthMiddleware(log, verifier)}, nil
}
