package app

import (
	"fmt"

	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/data/repos/sessions"
	"github.com/yungbote/notebookhub/internal/dispatcher"
	"github.com/yungbote/notebookhub/internal/observability"
	"github.com/yungbote/notebookhub/internal/orchestrator"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

type Services struct {
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *dispatcher.Dispatcher
}

func wireServices(cfg *config.Config, log *logger.Logger, store sessions.Store, clients Clients, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")
	orch, err := orchestrator.New(orchestrator.Deps{
		Log:     log,
		Store:   store,
		Backend: clients.Backend,
		Proxy:   clients.Proxy,
		Bus:     clients.Bus,
		Metrics: metrics,
		Catalog: cfg.Catalog(),
	}, orchestrator.SettingsFrom(cfg))
	if err != nil {
		return Services{}, fmt.Errorf("init orchestrator: %w", err)
	}
	return Services{
		Orchestrator: orch,
		Dispatcher:   dispatcher.New(log, orch, clients.Backend, dispatcher.ConfigFrom(cfg)),
	}, nil
}
