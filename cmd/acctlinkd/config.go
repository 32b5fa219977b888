package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	acctlink "github.com/chimerakang/acctlink-go"
	"github.com/chimerakang/acctlink-go/management"
	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon.
type Config struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"` // console or json
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
	AuditBuffer     int           `mapstructure:"audit_buffer"`
	AuditStdout     bool          `mapstructure:"audit_stdout"` // also write audit events as JSON lines to stdout

	Domain                  string        `mapstructure:"domain"`
	ClientID                string        `mapstructure:"client_id"`
	ClientSecret            string        `mapstructure:"client_secret"`
	Issuer                  string        `mapstructure:"issuer"`
	InteractiveProtocol     string        `mapstructure:"interactive_protocol"`
	LinkingResourceServer   string        `mapstructure:"linking_resource_server"`
	ContinueURL             string        `mapstructure:"continue_url"`
	DefaultConnectionScopes string        `mapstructure:"default_connection_scopes"`
	Prompt                  string        `mapstructure:"prompt"`
	ManagementAudience      string        `mapstructure:"management_audience"`
	HTTPTimeout             time.Duration `mapstructure:"http_timeout"`
	TokenRefreshBuffer      time.Duration `mapstructure:"token_refresh_buffer"`
	RequireMatchingEmail    bool          `mapstructure:"require_matching_email"`
	LinkFailurePolicy       string        `mapstructure:"link_failure_policy"` // ignore or surface

	Cache CacheConfig `mapstructure:"cache"`
}

// CacheConfig selects the shared cache substrate.
type CacheConfig struct {
	Backend       string `mapstructure:"backend"` // memory or redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// LoadConfig reads configuration from file (path, or the default search
// paths when empty) and ACCTLINK_* environment variables.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(appName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/" + appName + "/")
	}

	// ACCTLINK_CLIENT_ID, ACCTLINK_CACHE_REDIS_ADDR, ...
	v.SetEnvPrefix("ACCTLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv can override it on Unmarshal.
	v.SetDefault("http_addr", "0.0.0.0:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("webhook_secret", "")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("audit_buffer", 1000)
	v.SetDefault("audit_stdout", false)
	v.SetDefault("domain", "")
	v.SetDefault("client_id", "")
	v.SetDefault("client_secret", "")
	v.SetDefault("issuer", "")
	v.SetDefault("interactive_protocol", acctlink.DefaultInteractiveProtocol)
	v.SetDefault("linking_resource_server", acctlink.DefaultLinkingResourceServer)
	v.SetDefault("continue_url", "")
	v.SetDefault("default_connection_scopes", acctlink.DefaultConnectionScopes)
	v.SetDefault("prompt", acctlink.DefaultPrompt)
	v.SetDefault("management_audience", "")
	v.SetDefault("http_timeout", acctlink.DefaultHTTPTimeout.String())
	v.SetDefault("token_refresh_buffer", "0s")
	v.SetDefault("require_matching_email", false)
	v.SetDefault("link_failure_policy", "ignore")
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_prefix", appName)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the fields NewClient cannot default.
func (c Config) Validate() error {
	if c.Domain == "" {
		return errors.New("config: domain is required")
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("config: client_id and client_secret are required")
	}
	if _, err := c.failurePolicy(); err != nil {
		return err
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

func (c Config) failurePolicy() (acctlink.FailurePolicy, error) {
	switch strings.ToLower(c.LinkFailurePolicy) {
	case "", "ignore":
		return acctlink.FailureIgnore, nil
	case "surface":
		return acctlink.FailureSurface, nil
	default:
		return 0, fmt.Errorf("config: unknown link_failure_policy %q", c.LinkFailurePolicy)
	}
}

// managementAudience is the audience of the client-credentials grant.
// Default: "https://<domain>/api/v2/".
func (c Config) managementAudience() string {
	if c.ManagementAudience != "" {
		return c.ManagementAudience
	}
	return management.APIURL(c.Domain) + "/"
}

// ClientConfig maps the daemon configuration onto the engine's.
func (c Config) ClientConfig() acctlink.Config {
	policy, _ := c.failurePolicy()
	return acctlink.Config{
		Domain:                  c.Domain,
		ClientID:                c.ClientID,
		ClientSecret:            c.ClientSecret,
		Issuer:                  c.Issuer,
		InteractiveProtocol:     c.InteractiveProtocol,
		LinkingResourceServer:   c.LinkingResourceServer,
		ContinueURL:             c.ContinueURL,
		DefaultConnectionScopes: c.DefaultConnectionScopes,
		Prompt:                  c.Prompt,
		HTTPTimeout:             c.HTTPTimeout,
		RequireMatchingEmail:    c.RequireMatchingEmail,
		LinkFailurePolicy:       policy,
	}
}
