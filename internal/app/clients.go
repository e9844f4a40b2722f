package app

import (
	"context"
	"fmt"
	"io"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/backend/docker"
	"github.com/yungbote/notebookhub/internal/backend/fake"
	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/events"
	"github.com/yungbote/notebookhub/internal/platform/logger"
	"github.com/yungbote/notebookhub/internal/proxy"
	"github.com/yungbote/notebookhub/internal/proxy/chp"
	"github.com/yungbote/notebookhub/internal/proxy/redisroutes"
)

type Clients struct {
	Backend backend.Backend
	Proxy   proxy.Proxy
	Bus     events.Bus
	Redis   *goredis.Client
}

func (c Clients) Close() {
	if c.Bus != nil {
		_ = c.Bus.Close()
	}
	if closer, ok := c.Backend.(io.Closer); ok {
		_ = closer.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}

func wireClients(ctx context.Context, cfg *config.Config, log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")
	var out Clients

	// Redis
	if cfg.Redis.Addr != "" {
		rdb, err := redisroutes.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis: %w", err)
		}
		out.Redis = rdb
	}

	// Backend
	be, err := backendRegistry(cfg, log).Open(cfg.Backend.Name)
	if err != nil {
		out.Close()
		return Clients{}, fmt.Errorf("init backend: %w", err)
	}
	out.Backend = be

	// Proxy
	px, err := wireProxy(cfg, log, out.Redis)
	if err != nil {
		out.Close()
		return Clients{}, err
	}
	out.Proxy = px

	// Events
	bus, err := wireBus(cfg, log, out.Redis)
	if err != nil {
		out.Close()
		return Clients{}, err
	}
	out.Bus = bus

	log.Info("Clients ready",
		"backend", cfg.Backend.Name,
		"proxy", cfg.Proxy.Name,
		"events", cfg.Events.Name,
		"redis", out.Redis != nil,
	)
	return out, nil
}

// probeTimeout keeps one readiness probe short relative to the poll cadence,
// never longer than the whole ready-poll budget.
func probeTimeout(interval, budget time.Duration) time.Duration {
	t := 5 * interval
	if t < 5*time.Second {
		t = 5 * time.Second
	}
	if budget > 0 && t > budget {
		t = budget
	}
	return t
}

func backendRegistry(cfg *config.Config, log *logger.Logger) *backend.Registry {
	sp := cfg.Spawner
	reg := backend.NewRegistry()
	_ = reg.Register("docker", func() (backend.Backend, error) {
		be, err := docker.New(log, docker.Config{
			Host:         cfg.Backend.DockerHost,
			Network:      sp.Network,
			HubAPIURL:    cfg.Hub.APIURL(),
			ProbeTimeout: probeTimeout(sp.PollInterval.Duration, sp.HTTPTimeout.Duration),
			Interval:     sp.PollInterval.Duration,
			StopGrace:    10 * time.Second,
			Remove:       sp.Remove,
			Debug:        sp.Debug,
		})
		if err != nil {
			return nil, err
		}
		return be, nil
	})
	_ = reg.Register("fake", func() (backend.Backend, error) {
		log.Warn("Using fake backend; no containers will run")
		return fake.New(), nil
	})
	return reg
}

func wireProxy(cfg *config.Config, log *logger.Logger, rdb *goredis.Client) (proxy.Proxy, error) {
	switch cfg.Proxy.Name {
	case "", "memory":
		return proxy.NewMemory(), nil
	case "chp":
		c, err := chp.New(log, chp.Config{
			APIURL:    cfg.Proxy.APIURL,
			AuthToken: cfg.Proxy.AuthToken,
			Timeout:   cfg.Spawner.CallTimeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("init chp proxy: %w", err)
		}
		return c, nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("proxy redis requires REDIS_ADDR")
		}
		t, err := redisroutes.New(log, rdb, cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("init redis route table: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown proxy %q", cfg.Proxy.Name)
	}
}

func wireBus(cfg *config.Config, log *logger.Logger, rdb *goredis.Client) (events.Bus, error) {
	switch cfg.Events.Name {
	case "", "memory":
		return events.NewMemoryBus(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("events redis requires REDIS_ADDR")
		}
		bus, err := events.NewRedisBus(log, rdb, cfg.Redis.Prefix)
		if err != nil {
			return nil, fmt.Errorf("init redis event bus: %w", err)
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown events bus %q", cfg.Events.Name)
	}
}
