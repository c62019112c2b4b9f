package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "DOCSYNC"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "docsync.db"
	defaultLogLevel     = "info"
	defaultRemoteDriver = "memory"
	defaultRedisAddr    = "127.0.0.1:6379"
	defaultTenantDemoID = "demo_tenant"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthTokenTTL      time.Duration

	TenantProvisionedID string
	TenantSharedDemo    bool
	TenantDemoID        string

	RemoteDriver  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	RemoteOnly       bool
	PreserveUnsynced bool
	DedupTTL         time.Duration
	QuotaCooldown    time.Duration
	RetryAttempts    int
	RetryInterval    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("auth.issuer", "docsync")
	configViper.SetDefault("auth.audience", "docsync-api")
	configViper.SetDefault("auth.token_ttl", "24h")

	configViper.SetDefault("tenant.shared_demo", false)
	configViper.SetDefault("tenant.demo_id", defaultTenantDemoID)

	configViper.SetDefault("remote.driver", defaultRemoteDriver)
	configViper.SetDefault("remote.redis_addr", defaultRedisAddr)
	configViper.SetDefault("remote.redis_db", 0)

	configViper.SetDefault("sync.remote_only", false)
	configViper.SetDefault("sync.preserve_unsynced", false)
	configViper.SetDefault("sync.dedup_ttl", "5m")
	configViper.SetDefault("sync.quota_cooldown", "5m")
	configViper.SetDefault("sync.retry_attempts", 10)
	configViper.SetDefault("sync.retry_interval", "500ms")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),

		TenantProvisionedID: configViper.GetString("tenant.provisioned_id"),
		TenantSharedDemo:    configViper.GetBool("tenant.shared_demo"),
		TenantDemoID:        configViper.GetString("tenant.demo_id"),

		RemoteDriver:  configViper.GetString("remote.driver"),
		RedisAddr:     configViper.GetString("remote.redis_addr"),
		RedisPassword: configViper.GetString("remote.redis_password"),
		RedisDB:       configViper.GetInt("remote.redis_db"),
		PostgresDSN:   configViper.GetString("remote.postgres_dsn"),

		RemoteOnly:       configViper.GetBool("sync.remote_only"),
		PreserveUnsynced: configViper.GetBool("sync.preserve_unsynced"),
		DedupTTL:         configViper.GetDuration("sync.dedup_ttl"),
		QuotaCooldown:    configViper.GetDuration("sync.quota_cooldown"),
		RetryAttempts:    configViper.GetInt("sync.retry_attempts"),
		RetryInterval:    configViper.GetDuration("sync.retry_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.RemoteDriver {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("remote.driver must be one of memory, redis, postgres")
	}
	if c.RemoteDriver == "redis" && strings.TrimSpace(c.RedisAddr) == "" {
		return fmt.Errorf("remote.redis_addr is required for the redis driver")
	}
	if c.RemoteDriver == "postgres" && strings.TrimSpace(c.PostgresDSN) == "" {
		return fmt.Errorf("remote.postgres_dsn is required for the postgres driver")
	}
	return nil
}
