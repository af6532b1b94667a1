// Package config loads service configuration from an optional YAML file
// and MANGACACHE_* environment variables on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/Sternrassler/manga-cache/pkg/client"
	"github.com/Sternrassler/manga-cache/pkg/logging"
	"github.com/Sternrassler/manga-cache/pkg/mediator"
	"github.com/Sternrassler/manga-cache/pkg/quota"
)

// EnvPrefix prefixes every environment override, e.g.
// MANGACACHE_REDIS_ADDR or MANGACACHE_QUOTA_STANDARD_DAILY.
const EnvPrefix = "MANGACACHE"

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig        `mapstructure:"server"`
	Redis    RedisConfig         `mapstructure:"redis"`
	Upstream UpstreamConfig      `mapstructure:"upstream"`
	Retry    client.Config       `mapstructure:"retry"`
	BanLog   client.BanLogConfig `mapstructure:"ban_log"`
	Quota    quota.Config        `mapstructure:"quota"`
	Cache    mediator.Config     `mapstructure:"cache"`
	Blob     BlobConfig          `mapstructure:"blob"`
	Log      logging.Config      `mapstructure:"log"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig configures the durable store connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// UpstreamConfig configures the catalogue endpoint.
type UpstreamConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Identities []string      `mapstructure:"identities"`
}

// BlobConfig configures the cold tier.
type BlobConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	retry := client.DefaultConfig()
	limits := quota.DefaultConfig()
	cache := mediator.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("upstream.base_url", "https://desu.shikimori.one/manga/api")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.identities", client.DefaultIdentities)

	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.throttle_cooldown", retry.ThrottleCooldown.String())
	v.SetDefault("retry.ban_backoff", retry.BanBackoff.String())
	v.SetDefault("retry.transport_backoff", retry.TransportBackoff.String())

	v.SetDefault("ban_log.path", "logs/ban_alerts.log")
	v.SetDefault("ban_log.max_size_mb", 10)
	v.SetDefault("ban_log.max_backups", 5)
	v.SetDefault("ban_log.max_age_days", 90)

	v.SetDefault("quota.standard.daily", limits.Standard.Daily)
	v.SetDefault("quota.standard.monthly", limits.Standard.Monthly)
	v.SetDefault("quota.elevated.daily", limits.Elevated.Daily)
	v.SetDefault("quota.elevated.monthly", limits.Elevated.Monthly)

	v.SetDefault("cache.metadata_ttl", cache.MetadataTTL.String())
	v.SetDefault("cache.search_ttl", cache.SearchTTL.String())
	v.SetDefault("cache.cleanup_interval", cache.CleanupInterval.String())
	v.SetDefault("cache.pages.max_concurrency", cache.Pages.MaxConcurrency)

	v.SetDefault("blob.path", "./storage/parts")

	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 10)
	v.SetDefault("log.file.compress", true)
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if len(c.Upstream.Identities) < client.MinIdentities {
		errs = append(errs, fmt.Errorf("upstream.identities needs at least %d entries (got %d)",
			client.MinIdentities, len(c.Upstream.Identities)))
	}
	if c.Blob.Path == "" {
		errs = append(errs, errors.New("blob.path is required"))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if err := c.Quota.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("quota: %w", err))
	}
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	return errors.Join(errs...)
}
