package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/notebookhub/internal/platform/envutil"
)

func defaultConfig() *Config {
	return &Config{
		Env: "development",
		HTTP: HTTPConfig{
			Addr:              ":8081",
			ReadHeaderTimeout: Duration{Duration: 5 * time.Second},
			ShutdownTimeout:   Duration{Duration: 60 * time.Second},
		},
		Hub: HubConfig{Host: "jupyterhub", Port: 8080},
		Spawner: SpawnerConfig{
			Images: []ImageChoice{
				{Key: "Jupyter base", Image: "jupyter/base-notebook:latest"},
				{Key: "Jupyter PySpark", Image: "jupyter/pyspark-notebook:latest"},
				{Key: "Jupyter DS", Image: "jupyter/datascience-notebook:latest"},
			},
			Network:              "jupyterhub-network",
			NotebookDir:          "/home/jovyan/work",
			VolumeTemplate:       "jupyterhub-user-{username}",
			StartTimeout:         Seconds(600),
			HTTPTimeout:          Seconds(300),
			PollInterval:         Seconds(1),
			CallTimeout:          Seconds(120),
			IdleTimeout:          Seconds(3600),
			SweepInterval:        Seconds(60),
			CrashPollInterval:    Seconds(30),
			Retention:            Seconds(300),
			Remove:               true,
			Debug:                true,
			ConcurrentSpawnLimit: 100,
			CleanupOnShutdown:    true,
		},
		Store:   StoreConfig{URL: "sqlite:////data/jupyterhub.sqlite"},
		Auth:    AuthConfig{SecretFile: "/data/jupyterhub_cookie_secret"},
		Backend: BackendConfig{Name: "docker"},
		Proxy:   ProxyConfig{Name: "memory"},
		Redis:   RedisConfig{Prefix: "hub:"},
		Events:  EventsConfig{Name: "memory"},
	}
}

// Load builds the Config once at startup: defaults, then the YAML file named
// by HUB_CONFIG_PATH (if any), then environment overrides.
func Load() (*Config, error) {
	cfg := defaultConfig()

	if path := strings.TrimSpace(os.Getenv("HUB_CONFIG_PATH")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Env = envutil.String("LOG_MODE", cfg.Env)
	cfg.HTTP.Addr = envutil.String("HUB_HTTP_ADDR", cfg.HTTP.Addr)
	if v := envutil.String("HUB_CORS_ORIGINS", ""); v != "" {
		cfg.HTTP.CORSOrigins = splitList(v)
	}

	cfg.Hub.Host = envutil.String("HUB_IP", cfg.Hub.Host)
	cfg.Hub.Port = envutil.Int("HUB_PORT", cfg.Hub.Port)

	sp := &cfg.Spawner
	if img := envutil.String("DOCKER_NOTEBOOK_IMAGE", ""); img != "" && len(sp.Images) > 0 {
		sp.Images[0].Image = img
	}
	sp.Network = envutil.String("DOCKER_NETWORK_NAME", sp.Network)
	sp.NotebookDir = envutil.String("DOCKER_NOTEBOOK_DIR", sp.NotebookDir)
	sp.VolumeTemplate = envutil.String("DOCKER_VOLUME_TEMPLATE", sp.VolumeTemplate)
	sp.StartTimeout.Duration = envutil.Seconds("SPAWNER_START_TIMEOUT", sp.StartTimeout.Duration)
	sp.HTTPTimeout.Duration = envutil.Seconds("SPAWNER_HTTP_TIMEOUT", sp.HTTPTimeout.Duration)
	sp.IdleTimeout.Duration = envutil.Seconds("SPAWNER_IDLE_TIMEOUT", sp.IdleTimeout.Duration)
	sp.PollInterval.Duration = envutil.Seconds("SPAWNER_POLL_INTERVAL", sp.PollInterval.Duration)
	sp.Remove = envutil.Bool("SPAWNER_REMOVE", sp.Remove)
	sp.Debug = envutil.Bool("SPAWNER_DEBUG", sp.Debug)
	sp.ConcurrentSpawnLimit = envutil.Int("SPAWNER_CONCURRENT_LIMIT", sp.ConcurrentSpawnLimit)
	sp.CleanupOnShutdown = envutil.Bool("HUB_CLEANUP_ON_SHUTDOWN", sp.CleanupOnShutdown)

	cfg.Store.URL = envutil.String("HUB_DB_URL", cfg.Store.URL)
	cfg.Auth.SecretFile = envutil.String("HUB_COOKIE_SECRET_FILE", cfg.Auth.SecretFile)
	cfg.Auth.Secret = envutil.String("HUB_JWT_SECRET", cfg.Auth.Secret)
	cfg.Auth.Admin = envutil.String("JUPYTERHUB_ADMIN", cfg.Auth.Admin)

	cfg.Backend.Name = envutil.String("BACKEND", cfg.Backend.Name)
	cfg.Backend.DockerHost = envutil.String("DOCKER_HOST", cfg.Backend.DockerHost)
	cfg.Proxy.Name = envutil.String("PROXY", cfg.Proxy.Name)
	cfg.Proxy.APIURL = envutil.String("CONFIGPROXY_API_URL", cfg.Proxy.APIURL)
	cfg.Proxy.AuthToken = envutil.String("CONFIGPROXY_AUTH_TOKEN", cfg.Proxy.AuthToken)
	cfg.Redis.Addr = envutil.String("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Prefix = envutil.String("REDIS_PREFIX", cfg.Redis.Prefix)
	cfg.Events.Name = envutil.String("EVENTS", cfg.Events.Name)
}

func finalize(cfg *Config) error {
	cat, err := NewCatalog(cfg.Spawner.Images)
	if err != nil {
		return err
	}
	cfg.catalog = cat
	cfg.Spawner.Images = cat.Choices()

	sp := cfg.Spawner
	if sp.StartTimeout.Duration <= 0 {
		return errors.New("spawner.start_timeout must be positive")
	}
	if sp.HTTPTimeout.Duration <= 0 {
		return errors.New("spawner.http_timeout must be positive")
	}
	if sp.PollInterval.Duration <= 0 {
		return errors.New("spawner.poll_interval must be positive")
	}
	if sp.CallTimeout.Duration <= 0 {
		return errors.New("spawner.call_timeout must be positive")
	}
	if sp.IdleTimeout.Duration < 0 {
		return errors.New("spawner.idle_timeout must not be negative")
	}
	if sp.SweepInterval.Duration <= 0 {
		cfg.Spawner.SweepInterval = Seconds(60)
	}
	if sp.CrashPollInterval.Duration <= 0 {
		cfg.Spawner.CrashPollInterval = Seconds(30)
	}
	if sp.ConcurrentSpawnLimit <= 0 {
		cfg.Spawner.ConcurrentSpawnLimit = 100
	}
	if strings.TrimSpace(sp.NotebookDir) == "" {
		return errors.New("spawner.notebook_dir is required")
	}
	if cfg.Hub.Port < 1 || cfg.Hub.Port > 65535 {
		return fmt.Errorf("hub.port %d out of range", cfg.Hub.Port)
	}
	if strings.TrimSpace(cfg.Hub.Host) == "" {
		return errors.New("hub.host is required")
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = ":8081"
	}
	if strings.TrimSpace(cfg.Store.URL) == "" {
		return errors.New("store.url is required")
	}
	cfg.Backend.Name = strings.ToLower(strings.TrimSpace(cfg.Backend.Name))
	cfg.Proxy.Name = strings.ToLower(strings.TrimSpace(cfg.Proxy.Name))
	cfg.Events.Name = strings.ToLower(strings.TrimSpace(cfg.Events.Name))
	switch cfg.Proxy.Name {
	case "memory":
	case "chp":
		if cfg.Proxy.APIURL == "" {
			return errors.New("proxy chp requires CONFIGPROXY_API_URL")
		}
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("proxy redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown proxy %q", cfg.Proxy.Name)
	}
	switch cfg.Events.Name {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("events redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown events bus %q", cfg.Events.Name)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
