// Package config loads process configuration from a YAML file, an optional
// .env file and environment variables, in that order of precedence (later
// wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Sync        SyncConfig        `yaml:"sync"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Auth        AuthConfig        `yaml:"auth"`
	Broker      BrokerConfig      `yaml:"broker"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Router      RouterConfig      `yaml:"router"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// NodeID identifies this process on the broker. Empty means generated.
	NodeID          string        `yaml:"node_id"`
	TrustProxy      bool          `yaml:"trust_proxy"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SyncConfig struct {
	Debounce       time.Duration `yaml:"debounce"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	InboxSize      int           `yaml:"inbox_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
	AwarenessTTL   time.Duration `yaml:"awareness_ttl"`
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	// SeedText is the content of documents that were never stored.
	SeedText string `yaml:"seed_text"`
}

type AdmissionConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Window        time.Duration `yaml:"window"`
	Ban           time.Duration `yaml:"ban"`
	GlobalRate    float64       `yaml:"global_rate"`
	GlobalBurst   int           `yaml:"global_burst"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type AuthConfig struct {
	// Secret is the HS256 key. Empty disables authentication.
	Secret string        `yaml:"secret"`
	Leeway time.Duration `yaml:"leeway"`
	// PublicPrefixes lists document id prefixes readable without a token.
	PublicPrefixes []string `yaml:"public_prefixes"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BrokerConfig struct {
	// Driver is memory (single process) or redis.
	Driver string `yaml:"driver"`
	// Required refuses a single-process broker.
	Required       bool          `yaml:"required"`
	Redis          RedisConfig   `yaml:"redis"`
	QueueSize      int           `yaml:"queue_size"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

type BadgerConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type PersistenceConfig struct {
	// Driver is badger, mongo or postgres.
	Driver   string         `yaml:"driver"`
	Badger   BadgerConfig   `yaml:"badger"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type BackendConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

type RouterConfig struct {
	Addr     string          `yaml:"addr"`
	Method   string          `yaml:"method"`
	Cookie   string          `yaml:"cookie"`
	Cooldown time.Duration   `yaml:"cooldown"`
	Backends []BackendConfig `yaml:"backends"`
}

// Default returns a configuration that runs a single process with an
// embedded store under ./data.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Sync: SyncConfig{
			Debounce:       500 * time.Millisecond,
			IdleTimeout:    30 * time.Minute,
			InboxSize:      256,
			SendBuffer:     256,
			EnqueueTimeout: 5 * time.Second,
			AwarenessTTL:   30 * time.Second,
			StoreTimeout:   10 * time.Second,
			MaxMessageSize: 1 << 20,
		},
		Admission: AdmissionConfig{
			MaxAttempts:   15,
			Window:        time.Minute,
			Ban:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Auth: AuthConfig{Leeway: 30 * time.Second},
		Broker: BrokerConfig{
			Driver:         "memory",
			QueueSize:      4096,
			HealthInterval: 5 * time.Second,
		},
		Persistence: PersistenceConfig{
			Driver: "badger",
			Badger: BadgerConfig{
				Path:       "./data",
				SyncWrites: true,
				GCInterval: 5 * time.Minute,
			},
			Mongo: MongoConfig{Database: "crdt_editor"},
		},
		Router: RouterConfig{
			Addr:     ":8000",
			Method:   "round_robin",
			Cookie:   "crdt_route",
			Cooldown: 10 * time.Second,
		},
	}
}

// Load reads path (optional), then .env files (optional), then the
// environment, and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads the given files, or ./.env when none are given. Missing
// files are skipped; variables already set in the environment win.
func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	str("CRDT_ADDR", &c.Server.Addr)
	str("CRDT_NODE_ID", &c.Server.NodeID)
	flag("CRDT_TRUST_PROXY", &c.Server.TrustProxy)
	list("CRDT_ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	str("CRDT_LOG_LEVEL", &c.Log.Level)
	str("CRDT_LOG_FORMAT", &c.Log.Format)

	dur("CRDT_DEBOUNCE", &c.Sync.Debounce)
	dur("CRDT_IDLE_TIMEOUT", &c.Sync.IdleTimeout)
	num("CRDT_INBOX_SIZE", &c.Sync.InboxSize)
	num("CRDT_SEND_BUFFER", &c.Sync.SendBuffer)
	dur("CRDT_AWARENESS_TTL", &c.Sync.AwarenessTTL)
	dur("CRDT_ENQUEUE_TIMEOUT", &c.Sync.EnqueueTimeout)
	dur("CRDT_STORE_TIMEOUT", &c.Sync.StoreTimeout)
	str("CRDT_SEED_TEXT", &c.Sync.SeedText)

	num("CRDT_ADMISSION_MAX_ATTEMPTS", &c.Admission.MaxAttempts)
	dur("CRDT_ADMISSION_WINDOW", &c.Admission.Window)
	dur("CRDT_ADMISSION_BAN", &c.Admission.Ban)

	str("CRDT_JWT_SECRET", &c.Auth.Secret)
	list("CRDT_PUBLIC_PREFIXES", &c.Auth.PublicPrefixes)

	str("CRDT_BROKER_DRIVER", &c.Broker.Driver)
	flag("CRDT_BROKER_REQUIRED", &c.Broker.Required)
	str("REDIS_ADDR", &c.Broker.Redis.Addr)
	str("REDIS_PASSWORD", &c.Broker.Redis.Password)
	num("REDIS_DB", &c.Broker.Redis.DB)
	num("CRDT_BROKER_QUEUE_SIZE", &c.Broker.QueueSize)
	dur("CRDT_BROKER_HEALTH_INTERVAL", &c.Broker.HealthInterval)

	str("CRDT_PERSISTENCE_DRIVER", &c.Persistence.Driver)
	str("CRDT_BADGER_PATH", &c.Persistence.Badger.Path)
	str("MONGO_URI", &c.Persistence.Mongo.URI)
	str("CRDT_MONGO_DATABASE", &c.Persistence.Mongo.Database)
	str("DATABASE_URL", &c.Persistence.Postgres.DSN)

	str("CRDT_ROUTER_ADDR", &c.Router.Addr)
	str("CRDT_ROUTER_METHOD", &c.Router.Method)
	if v, ok := lookup("CRDT_ROUTER_BACKENDS"); ok {
		backends, err := parseBackends(v)
		if err != nil {
			errs = append(errs, err)
		} else {
			c.Router.Backends = backends
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseBackends reads "id=url,id=url".
func parseBackends(v string) ([]BackendConfig, error) {
	var out []BackendConfig
	for _, item := range splitList(v) {
		id, url, ok := strings.Cut(item, "=")
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("CRDT_ROUTER_BACKENDS: want id=url, got %q", item)
		}
		out = append(out, BackendConfig{ID: id, URL: url})
	}
	return out, nil
}

// Validate checks the settings needed by the sync server.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		bad("server.addr is required")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		bad("log.format must be json or text, got %q", c.Log.Format)
	}

	if c.Sync.Debounce <= 0 {
		bad("sync.debounce must be positive")
	}
	if c.Sync.IdleTimeout <= 0 {
		bad("sync.idle_timeout must be positive")
	}
	if c.Sync.InboxSize <= 0 || c.Sync.SendBuffer <= 0 {
		bad("sync.inbox_size and sync.send_buffer must be positive")
	}

	if c.Admission.MaxAttempts <= 0 || c.Admission.Window <= 0 {
		bad("admission.max_attempts and admission.window must be positive")
	}
	if c.Admission.Ban < 0 {
		bad("admission.ban must not be negative")
	}

	switch c.Broker.Driver {
	case "memory":
		if c.Broker.Required {
			bad("broker.required is set but broker.driver is memory; configure redis")
		}
	case "redis":
		if c.Broker.Redis.Addr == "" {
			bad("broker.redis.addr (REDIS_ADDR) is required for the redis broker")
		}
	default:
		bad("broker.driver must be memory or redis, got %q", c.Broker.Driver)
	}

	switch c.Persistence.Driver {
	case "badger":
		if c.Persistence.Badger.Path == "" && !c.Persistence.Badger.InMemory {
			bad("persistence.badger.path is required unless in_memory is set")
		}
	case "mongo":
		if c.Persistence.Mongo.URI == "" || c.Persistence.Mongo.Database == "" {
			bad("persistence.mongo.uri (MONGO_URI) and database are required")
		}
	case "postgres":
		if c.Persistence.Postgres.DSN == "" {
			bad("persistence.postgres.dsn (DATABASE_URL) is required")
		}
	default:
		bad("persistence.driver must be badger, mongo or postgres, got %q", c.Persistence.Driver)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateRouter checks the settings needed by the routing layer.
func (c *Config) ValidateRouter() error {
	var errs []error
	if c.Router.Addr == "" {
		errs = append(errs, errors.New("router.addr is required"))
	}
	if len(c.Router.Backends) == 0 {
		errs = append(errs, errors.New("router.backends (CRDT_ROUTER_BACKENDS) is empty"))
	}
	if c.Router.Method != "round_robin" && c.Router.Method != "least_connections" {
		errs = append(errs, fmt.Errorf("router.method must be round_robin or least_connections, got %q", c.Router.Method))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps the configured level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
