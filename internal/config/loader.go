package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/logger"
)

const envPrefix = "JWKSVERIFY"

// EnvFileVar names an optional dotenv file loaded before the environment is
// read. Variables already set in the process environment win.
const EnvFileVar = "JWKSVERIFY_ENV_FILE"

// LoadOption adjusts how LoadConfig builds the configuration.
type LoadOption func(*loadOptions)

type loadOptions struct {
	flags          map[string]*pflag.Flag
	skipValidation bool
}

// WithFlag binds a command-line flag to a config key; a flag set by the user
// wins over file and environment.
func WithFlag(key string, flag *pflag.Flag) LoadOption {
	return func(o *loadOptions) {
		if flag != nil {
			o.flags[key] = flag
		}
	}
}

// SkipValidation returns the configuration without calling Validate, for
// callers that only need part of it.
func SkipValidation() LoadOption {
	return func(o *loadOptions) {
		o.skipValidation = true
	}
}

// LoadConfig loads the configuration from file and environment variables.
// An explicit path wins over the default search locations.
func LoadConfig(path string, log logger.Logger, opts ...LoadOption) (*Config, error) {
	o := &loadOptions{flags: make(map[string]*pflag.Flag)}
	for _, opt := range opts {
		opt(o)
	}

	if envFile := os.Getenv(EnvFileVar); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	v := newViper()
	for key, flag := range o.flags {
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/jwksverify/")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Info(context.Background(), "no config file found, using defaults and environment")
	}

	cfg, err := unmarshal(v, !o.skipValidation)
	if err != nil {
		return nil, err
	}

	if used := v.ConfigFileUsed(); used != "" {
		log.Info(context.Background(), "configuration loaded", logger.String("file", used))
	}
	return cfg, nil
}

// WatchConfig logs every change of the loaded config file. Verifier settings are
// fixed for the lifetime of a process, so a change only takes effect on restart.
func WatchConfig(path string, log logger.Logger) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		log.Warn(context.Background(), "config watch disabled", logger.Error(err))
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Warn(context.Background(), "config file changed, restart to apply",
			logger.String("file", e.Name),
			logger.String("op", e.Op.String()),
		)
	})
	v.WatchConfig()
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.pprof_enabled", false)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.auto_max_procs", true)

	v.SetDefault("verifier.jwks_url", "")
	v.SetDefault("verifier.issuer", "")
	v.SetDefault("verifier.audience", "")
	v.SetDefault("verifier.cache_key", constants.DefaultJWKSCacheKey)
	v.SetDefault("verifier.invalidate_on_unknown_kid", false)

	v.SetDefault("http.timeout", constants.DefaultJWKSFetchTimeout.String())
	v.SetDefault("http.retry_max", 0)
	v.SetDefault("http.retry_wait_min", "1s")
	v.SetDefault("http.retry_wait_max", "10s")

	v.SetDefault("cache.backend", string(constants.CacheBackendMemory))
	v.SetDefault("cache.ttl", constants.DefaultCacheTTL.String())
	v.SetDefault("cache.cleanup_interval", constants.DefaultCacheCleanupInterval.String())

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", constants.DefaultRedisKeyPrefix)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("log.level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.service_name", "jwksverify")
	v.SetDefault("tracing.sampling_rate", 1.0)
}

func unmarshal(v *viper.Viper, validate bool) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
