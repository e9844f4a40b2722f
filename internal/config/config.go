package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "90s"-style strings or a bare integer number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	s := strings.TrimSpace(node.Value)
	if s == "" {
		d.Duration = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(n) * time.Second
		return nil
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: must be like \"30s\" or integer seconds", s)
	}
	d.Duration = dd
	return nil
}

func Seconds(n int) Duration { return Duration{Duration: time.Duration(n) * time.Second} }

// ImageChoice is one entry of the spawn form: a display key users pick and
// the image reference the backend runs.
type ImageChoice struct {
	Key   string `yaml:"name"`
	Image string `yaml:"image"`
}

type HTTPConfig struct {
	Addr              string   `yaml:"addr"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
	CORSOrigins       []string `yaml:"cors_origins"`
}

// HubConfig is the address containers use to call back into the hub.
type HubConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (h HubConfig) APIURL() string {
	return "http://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port)) + "/hub/api"
}

type SpawnerConfig struct {
	Images         []ImageChoice `yaml:"images"`
	Network        string        `yaml:"network"`
	NotebookDir    string        `yaml:"notebook_dir"`
	VolumeTemplate string        `yaml:"volume_template"`

	StartTimeout Duration `yaml:"start_timeout"`
	HTTPTimeout  Duration `yaml:"http_timeout"`
	PollInterval Duration `yaml:"poll_interval"`
	CallTimeout  Duration `yaml:"call_timeout"`

	// IdleTimeout of zero disables idle eviction.
	IdleTimeout       Duration `yaml:"idle_timeout"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	CrashPollInterval Duration `yaml:"crash_poll_interval"`
	Retention         Duration `yaml:"retention"`

	Remove               bool `yaml:"remove"`
	Debug                bool `yaml:"debug"`
	ConcurrentSpawnLimit int  `yaml:"concurrent_spawn_limit"`
	CleanupOnShutdown    bool `yaml:"cleanup_on_shutdown"`
}

type StoreConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	Secret     string `yaml:"-"`
	SecretFile string `yaml:"secret_file"`
	Admin      string `yaml:"admin"`
}

type BackendConfig struct {
	Name       string `yaml:"name"`
	DockerHost string `yaml:"docker_host"`
}

type ProxyConfig struct {
	Name      string `yaml:"name"`
	APIURL    string `yaml:"api_url"`
	AuthToken string `yaml:"-"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

type EventsConfig struct {
	Name string `yaml:"name"`
}

type Config struct {
	Env     string        `yaml:"env"`
	HTTP    HTTPConfig    `yaml:"http"`
	Hub     HubConfig     `yaml:"hub"`
	Spawner SpawnerConfig `yaml:"spawner"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Backend BackendConfig `yaml:"backend"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Redis   RedisConfig   `yaml:"redis"`
	Events  EventsConfig  `yaml:"events"`

	catalog *Catalog
}

// Catalog is the validated image set. Nil until Load succeeds.
func (c *Config) Catalog() *Catalog { return c.catalog }

// Catalog is the ordered, read-only set of images users may request. The
// first entry is the default.
type Catalog struct {
	choices []ImageChoice
	byKey   map[string]string
}

func NewCatalog(choices []ImageChoice) (*Catalog, error) {
	if len(choices) == 0 {
		return nil, fmt.Errorf("image catalog is empty")
	}
	c := &Catalog{
		choices: make([]ImageChoice, 0, len(choices)),
		byKey:   make(map[string]string, len(choices)),
	}
	for _, ch := range choices {
		key := strings.TrimSpace(ch.Key)
		img := strings.TrimSpace(ch.Image)
		if key == "" {
			return nil, fmt.Errorf("image catalog entry has empty name")
		}
		if img == "" {
			return nil, fmt.Errorf("image catalog entry %q has empty image", key)
		}
		if _, dup := c.byKey[key]; dup {
			return nil, fmt.Errorf("image catalog entry %q is duplicated", key)
		}
		c.byKey[key] = img
		c.choices = append(c.choices, ImageChoice{Key: key, Image: img})
	}
	return c, nil
}

func (c *Catalog) Lookup(key string) (string, bool) {
	img, ok := c.byKey[key]
	return img, ok
}

func (c *Catalog) DefaultKey() string { return c.choices[0].Key }

func (c *Catalog) Choices() []ImageChoice {
	out := make([]ImageChoice, len(c.choices))
	copy(out, c.choices)
	return out
}
