package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/turtacn/jwksverify/pkg/constants"
)

// Config holds the application's configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Verifier VerifierConfig `mapstructure:"verifier"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	GRPCPort     int           `mapstructure:"grpc_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PprofEnabled bool          `mapstructure:"pprof_enabled"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
	AutoMaxProcs bool          `mapstructure:"auto_max_procs"`
}

// VerifierConfig is the static verification configuration: where the key set
// lives and which issuer and audience a token must carry.
type VerifierConfig struct {
	JWKSURL  string `mapstructure:"jwks_url"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	CacheKey string `mapstructure:"cache_key"`

	// InvalidateOnUnknownKid drops the cached key set when a token names a kid
	// it does not contain.
	InvalidateOnUnknownKid bool `mapstructure:"invalidate_on_unknown_kid"`
}

// HTTPConfig configures the client that fetches the key set.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
}

type CacheConfig struct {
	Backend         constants.CacheBackend `mapstructure:"backend"`
	TTL             time.Duration          `mapstructure:"ttl"`
	CleanupInterval time.Duration          `mapstructure:"cleanup_interval"`
}

// RedisConfig configures the shared key set cache. Addr takes a comma
// separated list; more than one address selects cluster mode.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	if err := c.Verifier.Validate(); err != nil {
		return err
	}

	switch c.Cache.Backend {
	case constants.CacheBackendNone, constants.CacheBackendMemory:
	case constants.CacheBackendRedis, constants.CacheBackendLayered:
		if c.Redis.Addr == "" {
			return fmt.Errorf("cache backend %q requires redis.addr", c.Cache.Backend)
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.HTTP.RetryMax < 0 {
		return fmt.Errorf("http.retry_max must not be negative")
	}
	return nil
}

// Validate checks that the key set URL, issuer and audience are present.
func (c *VerifierConfig) Validate() error {
	if c.JWKSURL == "" {
		return fmt.Errorf("verifier.jwks_url is required")
	}
	if u, err := url.Parse(c.JWKSURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("verifier.jwks_url %q is not an absolute URL", c.JWKSURL)
	}
	if c.Issuer == "" {
		return fmt.Errorf("verifier.issuer is required")
	}
	if c.Audience == "" {
		return fmt.Errorf("verifier.audience is required")
	}
	return nil
}
