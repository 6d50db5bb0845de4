// Package config loads console settings.
//
// Sources are layered, later ones winning: built-in defaults, an optional
// YAML file (--config or CONSOLE_CONFIG), environment variables, then
// command-line flags that were explicitly set.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type Config struct {
	// ServerURL is the fleet server root; the REST base is ServerURL + "/api".
	ServerURL string `yaml:"server_url"`
	// PushURL is the WebSocket endpoint. Derived from ServerURL when empty.
	PushURL string `yaml:"push_url"`
	Token   string `yaml:"token"`

	ListenAddr     string   `yaml:"listen_addr"`
	ViewToken      string   `yaml:"view_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxStreamConns int      `yaml:"max_stream_conns"`

	TickInterval    time.Duration `yaml:"tick_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	Retries         int           `yaml:"retries"`
	ReconnectMin    time.Duration `yaml:"reconnect_min"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`

	BatchRate  float64 `yaml:"batch_rate"`
	BatchBurst int     `yaml:"batch_burst"`

	Redis       RedisConfig `yaml:"redis"`
	SQLitePath  string      `yaml:"sqlite_path"`
	DatabaseURL string      `yaml:"database_url"`
}

func Default() *Config {
	return &Config{
		ListenAddr:      ":8090",
		AllowedOrigins:  []string{"*"},
		MaxStreamConns:  100,
		TickInterval:    2 * time.Second,
		RefreshInterval: 30 * time.Second,
		RequestTimeout:  20 * time.Second,
		Retries:         2,
		ReconnectMin:    time.Second,
		ReconnectMax:    30 * time.Second,
		BatchRate:       10,
		BatchBurst:      5,
		Redis:           RedisConfig{TTL: 24 * time.Hour},
	}
}

// Load builds the configuration from args (without the program name) and
// the environment looked up through getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	fs := pflag.NewFlagSet("fleetconsole", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file (env CONSOLE_CONFIG)")
	flags := cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	path := *configPath
	if path == "" {
		path = getenv("CONSOLE_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	flags.apply(fs, cfg)

	if cfg.PushURL == "" {
		cfg.PushURL = DerivePushURL(cfg.ServerURL)
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("CONSOLE_SERVER_URL", &c.ServerURL)
	str("CONSOLE_PUSH_URL", &c.PushURL)
	str("CONSOLE_TOKEN", &c.Token)
	str("CONSOLE_LISTEN_ADDR", &c.ListenAddr)
	str("CONSOLE_VIEW_TOKEN", &c.ViewToken)
	dur("CONSOLE_TICK_INTERVAL", &c.TickInterval)
	dur("CONSOLE_REFRESH_INTERVAL", &c.RefreshInterval)
	dur("CONSOLE_REQUEST_TIMEOUT", &c.RequestTimeout)
	num("CONSOLE_BATCH_BURST", &c.BatchBurst)
	if v := getenv("CONSOLE_BATCH_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CONSOLE_BATCH_RATE: %w", err))
		} else {
			c.BatchRate = r
		}
	}
	if v := getenv("CONSOLE_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = strings.Split(v, ",")
	}
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("CONSOLE_SQLITE_PATH", &c.SQLitePath)
	str("DATABASE_URL", &c.DatabaseURL)

	return errors.Join(errs...)
}

// flagValues holds flag destinations; only flags the user set are applied.
type flagValues struct {
	server, push, listen, sqlite string
	tick, refresh, timeout       time.Duration
	rate                         float64
	burst                        int
}

func (c *Config) bindFlags(fs *pflag.FlagSet) *flagValues {
	v := &flagValues{}
	fs.StringVar(&v.server, "server", "", "fleet server URL")
	fs.StringVar(&v.push, "push-url", "", "push channel WebSocket URL")
	fs.StringVar(&v.listen, "listen", c.ListenAddr, "view adapter listen address")
	fs.StringVar(&v.sqlite, "sqlite", "", "SQLite snapshot cache path")
	fs.DurationVar(&v.tick, "tick", c.TickInterval, "reconciliation tick interval")
	fs.DurationVar(&v.refresh, "refresh", c.RefreshInterval, "periodic refresh interval for viewed kinds")
	fs.DurationVar(&v.timeout, "timeout", c.RequestTimeout, "REST request timeout")
	fs.Float64Var(&v.rate, "batch-rate", c.BatchRate, "batch items per second (0 = unlimited)")
	fs.IntVar(&v.burst, "batch-burst", c.BatchBurst, "batch burst size")
	return v
}

func (v *flagValues) apply(fs *pflag.FlagSet, c *Config) {
	if fs.Changed("server") {
		c.ServerURL = v.server
	}
	if fs.Changed("push-url") {
		c.PushURL = v.push
	}
	if fs.Changed("listen") {
		c.ListenAddr = v.listen
	}
	if fs.Changed("sqlite") {
		c.SQLitePath = v.sqlite
	}
	if fs.Changed("tick") {
		c.TickInterval = v.tick
	}
	if fs.Changed("refresh") {
		c.RefreshInterval = v.refresh
	}
	if fs.Changed("timeout") {
		c.RequestTimeout = v.timeout
	}
	if fs.Changed("batch-rate") {
		c.BatchRate = v.rate
	}
	if fs.Changed("batch-burst") {
		c.BatchBurst = v.burst
	}
}

// DerivePushURL maps http(s)://host/prefix to ws(s)://host/prefix/ws.
func DerivePushURL(server string) string {
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server URL is required (CONSOLE_SERVER_URL or --server)"))
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid server URL %q", c.ServerURL))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick interval must be positive"))
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, errors.New("refresh interval must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, errors.New("reconnect backoff bounds are invalid"))
	}
	if c.BatchRate < 0 || c.BatchBurst < 1 {
		errs = append(errs, errors.New("batch rate must be >= 0 and burst >= 1"))
	}
	return errors.Join(errs...)
}
