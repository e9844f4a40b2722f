package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/data/db"
	"github.com/yungbote/notebookhub/internal/data/repos/sessions"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

// wireStore opens and migrates the session store named by the store url.
// "memory" keeps records in process, for local runs only.
func wireStore(cfg *config.Config, log *logger.Logger) (*gorm.DB, sessions.Store, error) {
	log.Info("Wiring session store...")
	if cfg.Store.URL == "memory" {
		log.Warn("Using in-memory session store; records are lost on restart")
		return nil, sessions.NewMemoryStore(), nil
	}
	theDB, err := db.Open(cfg.Store.URL, log)
	if err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrateAll(theDB); err != nil {
		closeDB(theDB)
		return nil, nil, fmt.Errorf("session store automigrate: %w", err)
	}
	return theDB, sessions.NewSessionRepo(theDB, log), nil
}
