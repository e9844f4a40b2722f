// Package redisroutes keeps the route table in a Redis hash that a KV-driven
// proxy (traefik and friends) watches.
package redisroutes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/platform/logger"
	"github.com/yungbote/notebookhub/internal/proxy"
)

type Table struct {
	log     *logger.Logger
	rdb     goredis.UniversalClient
	key     string
	channel string
}

var _ proxy.Proxy = (*Table)(nil)

// Change is published on the routes channel after every write.
type Change struct {
	Op     string `json:"op"`
	User   string `json:"user"`
	Path   string `json:"path"`
	Target string `json:"target,omitempty"`
}

func New(log *logger.Logger, rdb goredis.UniversalClient, prefix string) (*Table, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	return &Table{
		log:     log.With("component", "RedisRoutes"),
		rdb:     rdb,
		key:     prefix + "routes",
		channel: prefix + "routes:changed",
	}, nil
}

// Dial connects to addr and verifies it with a ping.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (t *Table) Register(ctx context.Context, user string, ep session.Endpoint) error {
	return t.write(ctx, Change{Op: "register", User: user, Path: proxy.RoutePath(user), Target: ep.URL()})
}

func (t *Table) Deregister(ctx context.Context, user string) error {
	return t.write(ctx, Change{Op: "deregister", User: user, Path: proxy.RoutePath(user)})
}

func (t *Table) write(ctx context.Context, ch Change) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	_, err = t.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		if ch.Op == "register" {
			p.HSet(ctx, t.key, ch.User, ch.Target)
		} else {
			p.HDel(ctx, t.key, ch.User)
		}
		p.Publish(ctx, t.channel, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis %s %s: %v: %w", ch.Op, ch.User, err, proxy.ErrProxyUnavailable)
	}
	t.log.Debug("Route table updated", "op", ch.Op, "user", ch.User, "target", ch.Target)
	return nil
}

// Routes returns user -> target for every registered route.
func (t *Table) Routes(ctx context.Context) (map[string]string, error) {
	m, err := t.rdb.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis routes: %v: %w", err, proxy.ErrProxyUnavailable)
	}
	return m, nil
}
