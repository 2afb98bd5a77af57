package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "COORD"

type Config struct {
	Server    ServerConfig    `mapstructure:"SERVER"`
	Redis     RedisConfig     `mapstructure:"REDIS"`
	Snowflake SnowflakeConfig `mapstructure:"SNOWFLAKE"`
	RateLimit RateLimitConfig `mapstructure:"RATE_LIMIT"`
	Lock      LockConfig      `mapstructure:"LOCK"`
	Cache     CacheConfig     `mapstructure:"CACHE"`
	Metrics   MetricsConfig   `mapstructure:"METRICS"`
}

type ServerConfig struct {
	Port int64  `mapstructure:"PORT"`
	Mode string `mapstructure:"MODE"`
	// JWT_SECRET enables bearer auth on the lock and cache routes when set.
	JWTSecret string `mapstructure:"JWT_SECRET"`
}

type RedisConfig struct {
	Addr           string `mapstructure:"ADDR"`
	DB             int64  `mapstructure:"DB"`
	Password       string `mapstructure:"PASSWORD"`
	PoolSize       int    `mapstructure:"POOL_SIZE"`
	ConnectTimeout int64  `mapstructure:"CONNECT_TIMEOUT"` // seconds
}

type SnowflakeConfig struct {
	WorkerID       int64         `mapstructure:"WORKER_ID"`
	WorkerIDSource string        `mapstructure:"WORKER_ID_SOURCE"` // static | lease | k8s
	Epoch          string        `mapstructure:"EPOCH"`            // RFC3339
	MaxClockDrift  time.Duration `mapstructure:"MAX_CLOCK_DRIFT"`
	LeaseTTL       time.Duration `mapstructure:"LEASE_TTL"`
	ServiceName    string        `mapstructure:"SERVICE_NAME"`
	Namespace      string        `mapstructure:"NAMESPACE"` // k8s
	PodName        string        `mapstructure:"POD_NAME"`  // k8s
}

type RateLimitConfig struct {
	Backend        string        `mapstructure:"BACKEND"` // local | redis
	DefaultPermits float64       `mapstructure:"DEFAULT_PERMITS"`
	MaxKeys        int           `mapstructure:"MAX_KEYS"`
	KeyTTL         time.Duration `mapstructure:"KEY_TTL"`
}

type LockConfig struct {
	RetryDelay   time.Duration `mapstructure:"RETRY_DELAY"`
	DefaultWait  time.Duration `mapstructure:"DEFAULT_WAIT"`
	DefaultLease time.Duration `mapstructure:"DEFAULT_LEASE"`
	MaxHeld      int           `mapstructure:"MAX_HELD"`
}

type CacheConfig struct {
	Backend    string `mapstructure:"BACKEND"` // redis | memory
	MemorySize int    `mapstructure:"MEMORY_SIZE"`
}

type MetricsConfig struct {
	Backend          string `mapstructure:"BACKEND"` // prometheus | otlp | none
	OTLPEndpoint     string `mapstructure:"OTLP_ENDPOINT"`
	OTLPGRPCEndpoint string `mapstructure:"OTLP_GRPC_ENDPOINT"`
	ServiceName      string `mapstructure:"SERVICE_NAME"`
	Environment      string `mapstructure:"ENVIRONMENT"`
}

var defaults = map[string]any{
	"SERVER.PORT":       8080,
	"SERVER.MODE":       "release",
	"SERVER.JWT_SECRET": "",

	"REDIS.ADDR":            "localhost:6379",
	"REDIS.DB":              0,
	"REDIS.PASSWORD":        "",
	"REDIS.POOL_SIZE":       0,
	"REDIS.CONNECT_TIMEOUT": 5,

	"SNOWFLAKE.WORKER_ID":        0,
	"SNOWFLAKE.WORKER_ID_SOURCE": "static",
	"SNOWFLAKE.EPOCH":            "2024-01-01T00:00:00Z",
	"SNOWFLAKE.MAX_CLOCK_DRIFT":  "0s",
	"SNOWFLAKE.LEASE_TTL":        "30s",
	"SNOWFLAKE.SERVICE_NAME":     "coordd",
	"SNOWFLAKE.NAMESPACE":        "default",
	"SNOWFLAKE.POD_NAME":         "",

	"RATE_LIMIT.BACKEND":         "local",
	"RATE_LIMIT.DEFAULT_PERMITS": 100.0,
	"RATE_LIMIT.MAX_KEYS":        1000,
	"RATE_LIMIT.KEY_TTL":         "1h",

	"LOCK.RETRY_DELAY":   "50ms",
	"LOCK.DEFAULT_WAIT":  "0s",
	"LOCK.DEFAULT_LEASE": "30s",
	"LOCK.MAX_HELD":      10000,

	"CACHE.BACKEND":     "redis",
	"CACHE.MEMORY_SIZE": 100 * 1024 * 1024,

	"METRICS.BACKEND":            "prometheus",
	"METRICS.OTLP_ENDPOINT":      "localhost:4318",
	"METRICS.OTLP_GRPC_ENDPOINT": "",
	"METRICS.SERVICE_NAME":       "coordd",
	"METRICS.ENVIRONMENT":        "development",
}

// Load reads configuration from the optional file at path and from COORD_* environment
// variables, e.g. COORD_SNOWFLAKE_WORKER_ID. Environment values override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Snowflake.WorkerIDSource {
	case "static", "lease", "k8s":
	default:
		invalid("SNOWFLAKE.WORKER_ID_SOURCE %q", c.Snowflake.WorkerIDSource)
	}
	if c.Snowflake.WorkerID < 0 || c.Snowflake.WorkerID > 1023 {
		invalid("SNOWFLAKE.WORKER_ID %d out of range [0, 1023]", c.Snowflake.WorkerID)
	}
	if _, err := c.Snowflake.EpochTime(); err != nil {
		invalid("SNOWFLAKE.EPOCH: %v", err)
	}
	if c.Snowflake.MaxClockDrift < 0 {
		invalid("SNOWFLAKE.MAX_CLOCK_DRIFT must not be negative")
	}

	switch c.RateLimit.Backend {
	case "local", "redis":
	default:
		invalid("RATE_LIMIT.BACKEND %q", c.RateLimit.Backend)
	}
	if c.RateLimit.DefaultPermits <= 0 {
		invalid("RATE_LIMIT.DEFAULT_PERMITS must be positive")
	}

	if c.Lock.DefaultLease <= 0 {
		invalid("LOCK.DEFAULT_LEASE must be positive")
	}
	if c.Lock.DefaultWait < 0 {
		invalid("LOCK.DEFAULT_WAIT must not be negative")
	}
	if c.Lock.MaxHeld <= 0 {
		invalid("LOCK.MAX_HELD must be positive")
	}

	switch c.Cache.Backend {
	case "redis", "memory":
	default:
		invalid("CACHE.BACKEND %q", c.Cache.Backend)
	}

	switch c.Metrics.Backend {
	case "prometheus", "otlp", "none":
	default:
		invalid("METRICS.BACKEND %q", c.Metrics.Backend)
	}

	return errors.Join(errs...)
}

// EpochTime parses the configured snowflake epoch.
func (s SnowflakeConfig) EpochTime() (time.Time, error) {
	return time.Parse(time.RFC3339, s.Epoch)
}
