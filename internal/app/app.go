package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/events"
	hubhttp "github.com/yungbote/notebookhub/internal/http"
	"github.com/yungbote/notebookhub/internal/observability"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

const serviceName = "notebookhub"

type App struct {
	Log    *logger.Logger
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine

	Clients  Clients
	Services Services

	hub          *events.Hub
	server       *hubhttp.Server
	otelShutdown func(context.Context) error
	closeOnce    sync.Once
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: serviceName,
		Environment: cfg.Env,
	})
	metrics := observability.Init()

	theDB, store, err := wireStore(cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}

	clients, err := wireClients(ctx, cfg, log)
	if err != nil {
		closeDB(theDB)
		log.Sync()
		return nil, err
	}

	services, err := wireServices(cfg, log, store, clients, metrics)
	if err != nil {
		clients.Close()
		closeDB(theDB)
		log.Sync()
		return nil, err
	}

	hub := events.NewHub(log)
	middleware, err := wireMiddleware(cfg, log)
	if err != nil {
		clients.Close()
		closeDB(theDB)
		log.Sync()
		return nil, err
	}
	handlers := wireHandlers(cfg, log, theDB, services, hub)
	router := wireRouter(cfg, log, metrics, handlers, middleware)

	return &App{
		Log:      log,
		Config:   cfg,
		DB:       theDB,
		Router:   router,
		Clients:  clients,
		Services: services,
		hub:      hub,
		server: hubhttp.NewServer(log, router, hubhttp.ServerConfig{
			Addr:              cfg.HTTP.Addr,
			ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Duration,
			ShutdownTimeout:   cfg.HTTP.ShutdownTimeout.Duration,
		}),
		otelShutdown: otelShutdown,
	}, nil
}

// Run serves until ctx is cancelled or the server fails, then stops
// background loops and, unless disabled, every live session before returning.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.server == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if err := a.Clients.Bus.StartForwarder(ctx, a.hub.Broadcast); err != nil {
		return fmt.Errorf("start event forwarder: %w", err)
	}
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	a.Services.Dispatcher.Start(loopCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	serveErr := g.Wait()
	if serveErr != nil {
		a.Log.Error("HTTP server stopped", "error", serveErr)
	}
	cancelLoops()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownBudget())
	defer cancel()
	a.Log.Info("Shutting down dispatcher")
	if err := a.Services.Dispatcher.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("Dispatcher shutdown incomplete", "error", err)
		return errors.Join(serveErr, err)
	}
	return serveErr
}

// shutdownBudget leaves room for one stop per session plus the HTTP drain.
func (a *App) shutdownBudget() time.Duration {
	sp := a.Config.Spawner
	return a.Config.HTTP.ShutdownTimeout.Duration + 3*sp.CallTimeout.Duration
}

func (a *App) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		a.Clients.Close()
		closeDB(a.DB)
		if a.otelShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.otelShutdown(ctx)
			cancel()
		}
		if a.Log != nil {
			a.Log.Sync()
		}
	})
}

func closeDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

