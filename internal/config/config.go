// Package config loads Kestrel configuration.
//
// Values are layered, later layers winning:
//
//	domain.DefaultConfig() or domain.ProConfig(), picked by "tier"
//	a YAML file (kestrel.yaml in the working directory, or an explicit path)
//	KESTREL_* environment variables, e.g. KESTREL_REPOSITORY_DRIVER=postgres
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "KESTREL"

// Load builds the configuration. v may carry flag bindings; nil uses a fresh viper.
// An empty configFile searches for ./kestrel.yaml and tolerates its absence.
func Load(v *viper.Viper, configFile string) (*domain.Config, error) {
	if v == nil {
		v = viper.New()
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("kestrel")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	cfg := &domain.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so env overrides reach Unmarshal.
func setDefaults(v *viper.Viper, c *domain.Config) {
	defaults := map[string]any{
		"tier": string(c.Tier),

		"server.host":          c.Server.Host,
		"server.port":          c.Server.Port,
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,

		"repository.driver":            c.Repository.Driver,
		"repository.sqlite_path":       c.Repository.SQLitePath,
		"repository.postgres_host":     c.Repository.PostgresHost,
		"repository.postgres_port":     c.Repository.PostgresPort,
		"repository.postgres_user":     c.Repository.PostgresUser,
		"repository.postgres_password": c.Repository.PostgresPassword,
		"repository.postgres_db":       c.Repository.PostgresDB,
		"repository.postgres_sslmode":  c.Repository.PostgresSSLMode,
		"repository.max_open_conns":    c.Repository.MaxOpenConns,
		"repository.max_idle_conns":    c.Repository.MaxIdleConns,
		"repository.conn_max_lifetime": c.Repository.ConnMaxLifetime,

		"cache.type":             c.Cache.Type,
		"cache.local_max_size":   c.Cache.LocalMaxSize,
		"cache.local_ttl":        c.Cache.LocalTTL,
		"cache.redis_addr":       c.Cache.RedisAddr,
		"cache.redis_password":   c.Cache.RedisPassword,
		"cache.redis_db":         c.Cache.RedisDB,
		"cache.enable_two_phase": c.Cache.EnableTwoPhase,

		"eventbus.type":                c.EventBus.Type,
		"eventbus.channel_buffer_size": c.EventBus.ChannelBufferSize,
		"eventbus.nats_url":            c.EventBus.NATSUrl,
		"eventbus.nats_token":          c.EventBus.NATSToken,
		"eventbus.nats_max_reconnects": c.EventBus.NATSMaxReconnects,
		"eventbus.nats_reconnect_wait": c.EventBus.NATSReconnectWait,

		"session.ttl":                c.Session.TTL,
		"session.cookie_name":        c.Session.CookieName,
		"session.secure_cookie":      c.Session.SecureCookie,
		"session.max_login_attempts": c.Session.MaxLoginAttempts,
		"session.login_window":       c.Session.LoginWindow,

		"idempotency.path": c.Idempotency.Path,
		"idempotency.ttl":  c.Idempotency.TTL,

		"logging.level":  c.Logging.Level,
		"logging.format": c.Logging.Format,

		"tracing.enabled":      c.Tracing.Enabled,
		"tracing.service_name": c.Tracing.ServiceName,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate rejects configurations the service cannot start with.
func Validate(c *domain.Config) error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch c.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		errs = append(errs, fmt.Errorf("unknown tier %q", c.Tier))
	}

	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository.driver %q", c.Repository.Driver))
	}

	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache.type %q", c.Cache.Type))
	}

	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported eventbus.type %q", c.EventBus.Type))
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Session.CookieName == "" {
		errs = append(errs, errors.New("session.cookie_name is required"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid logging.format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
