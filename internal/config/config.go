package config

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/credit-broker/internal/ledger"
	"github.com/sells-group/credit-broker/internal/provider"
	"github.com/sells-group/credit-broker/internal/ratelimit"
	"github.com/sells-group/credit-broker/internal/resilience"
	"github.com/sells-group/credit-broker/internal/secrets"
	"github.com/sells-group/credit-broker/internal/store"
)

const redacted = "[redacted]"

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig               `yaml:"store" mapstructure:"store"`
	Log       LogConfig                 `yaml:"log" mapstructure:"log"`
	Server    ServerConfig              `yaml:"server" mapstructure:"server"`
	Secrets   SecretsConfig             `yaml:"secrets" mapstructure:"secrets"`
	Broker    BrokerConfig              `yaml:"broker" mapstructure:"broker"`
	Gateway   GatewayConfig             `yaml:"gateway" mapstructure:"gateway"`
	Ledger    LedgerConfig              `yaml:"ledger" mapstructure:"ledger"`
	Providers map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Plans     map[string]int            `yaml:"plans" mapstructure:"plans"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AdminToken     string   `yaml:"admin_token" mapstructure:"admin_token"`
}

// SecretsConfig holds the master keys that protect stored credentials.
// Keys are base64 encoded and at least 32 bytes once decoded.
type SecretsConfig struct {
	KeyID             string `yaml:"key_id" mapstructure:"key_id"`
	MasterKey         string `yaml:"master_key" mapstructure:"master_key"`
	PreviousKeyID     string `yaml:"previous_key_id" mapstructure:"previous_key_id"`
	PreviousMasterKey string `yaml:"previous_master_key" mapstructure:"previous_master_key"`
}

// BrokerConfig configures token refresh.
type BrokerConfig struct {
	RefreshSkewSecs    int `yaml:"refresh_skew_secs" mapstructure:"refresh_skew_secs"`
	RefreshTimeoutSecs int `yaml:"refresh_timeout_secs" mapstructure:"refresh_timeout_secs"`
}

// GatewayConfig configures provider resource calls.
type GatewayConfig struct {
	TimeoutSecs int                        `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Breaker     resilience.BreakerSettings `yaml:"breaker" mapstructure:"breaker"`
}

// LedgerConfig configures credit pricing and refund handling.
type LedgerConfig struct {
	Pricing           ledger.Pricing           `yaml:"pricing" mapstructure:"pricing"`
	RefundRetry       resilience.RetrySettings `yaml:"refund_retry" mapstructure:"refund_retry"`
	RefundTimeoutSecs int                      `yaml:"refund_timeout_secs" mapstructure:"refund_timeout_secs"`
}

// ProviderConfig is the config-file form of provider.Config.
type ProviderConfig struct {
	ClientID            string          `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret        string          `yaml:"client_secret" mapstructure:"client_secret"`
	TokenURL            string          `yaml:"token_url" mapstructure:"token_url"`
	SandboxTokenURL     string          `yaml:"sandbox_token_url" mapstructure:"sandbox_token_url"`
	BaseURL             string          `yaml:"base_url" mapstructure:"base_url"`
	SandboxBaseURL      string          `yaml:"sandbox_base_url" mapstructure:"sandbox_base_url"`
	APIVersion          string          `yaml:"api_version" mapstructure:"api_version"`
	RateLimit           RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	SessionLifetimeSecs int             `yaml:"session_lifetime_secs" mapstructure:"session_lifetime_secs"`
}

// RateLimitConfig is a call budget of Count calls per WindowMs milliseconds.
type RateLimitConfig struct {
	Count    int   `yaml:"count" mapstructure:"count"`
	WindowMs int64 `yaml:"window_ms" mapstructure:"window_ms"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.admin_token", "")
	v.SetDefault("secrets.key_id", "k1")
	v.SetDefault("secrets.master_key", "")
	v.SetDefault("secrets.previous_key_id", "")
	v.SetDefault("secrets.previous_master_key", "")
	v.SetDefault("broker.refresh_skew_secs", 300)
	v.SetDefault("broker.refresh_timeout_secs", 30)
	v.SetDefault("gateway.timeout_secs", 20)
	v.SetDefault("gateway.breaker.failure_threshold", 5)
	v.SetDefault("gateway.breaker.reset_timeout_secs", 30)
	v.SetDefault("ledger.pricing.advanced_surcharge", 1)
	v.SetDefault("ledger.refund_retry.max_attempts", 3)
	v.SetDefault("ledger.refund_retry.initial_backoff_ms", 200)
	v.SetDefault("ledger.refund_retry.max_backoff_ms", 5000)
	v.SetDefault("ledger.refund_timeout_secs", 30)
	v.SetDefault("plans", map[string]int{"starter": 50, "professional": 200, "enterprise": 1000})
	// Credentials are not listed so they never end up in an unset default;
	// they come from the file or BROKER_PROVIDERS_<NAME>_CLIENT_ID.
	for _, name := range []string{"quickbooks", "salesforce", "microsoft", "notion"} {
		v.SetDefault("providers."+name+".client_id", "")
		v.SetDefault("providers."+name+".client_secret", "")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if len(cfg.Ledger.Pricing.Base) == 0 {
		cfg.Ledger.Pricing.Base = ledger.DefaultPricing().Base
	}

	return &cfg, nil
}

// Validate checks the settings the given mode depends on. Modes are
// "migrate", "credits", "integrations" and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	checkStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for postgres")
			}
		case "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q is not postgres or sqlite", c.Store.Driver))
		}
	}
	checkSecrets := func() {
		if c.Secrets.MasterKey == "" {
			errs = append(errs, "secrets.master_key is required")
		}
		if c.Secrets.PreviousMasterKey != "" && c.Secrets.PreviousKeyID == "" {
			errs = append(errs, "secrets.previous_key_id is required with a previous master key")
		}
	}

	switch mode {
	case "migrate":
		checkStore()
	case "credits":
		checkStore()
		for tier, credits := range c.Plans {
			if credits < 0 {
				errs = append(errs, fmt.Sprintf("plans.%s must be >= 0", tier))
			}
		}
	case "integrations":
		checkStore()
		checkSecrets()
	case "serve":
		checkStore()
		checkSecrets()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Server.AdminToken == "" {
			errs = append(errs, "server.admin_token is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// SQLitePath returns the database file for the sqlite driver.
func (c *Config) SQLitePath() string {
	if c.Store.DatabaseURL != "" {
		return c.Store.DatabaseURL
	}
	return "broker.db"
}

// Codec builds the settings codec from the configured master keys.
func (c *Config) Codec() (*secrets.Codec, error) {
	if c.Secrets.MasterKey == "" {
		return nil, eris.New("config: secrets.master_key is required")
	}
	key, err := secrets.ParseKey(c.Secrets.MasterKey)
	if err != nil {
		return nil, err
	}
	var opts []secrets.Option
	if c.Secrets.PreviousMasterKey != "" {
		prev, err := secrets.ParseKey(c.Secrets.PreviousMasterKey)
		if err != nil {
			return nil, eris.Wrap(err, "config: previous master key")
		}
		opts = append(opts, secrets.WithPreviousKey(c.Secrets.PreviousKeyID, prev))
	}
	return secrets.NewCodec(c.Secrets.KeyID, key, opts...)
}

// ProviderConfigs converts the providers section for provider.DefaultRegistry.
func (c *Config) ProviderConfigs() map[string]provider.Config {
	out := make(map[string]provider.Config, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = p.Provider()
	}
	return out
}

// Provider converts p to provider.Config.
func (p ProviderConfig) Provider() provider.Config {
	return provider.Config{
		ClientID:        p.ClientID,
		ClientSecret:    p.ClientSecret,
		TokenURL:        p.TokenURL,
		SandboxTokenURL: p.SandboxTokenURL,
		BaseURL:         p.BaseURL,
		SandboxBaseURL:  p.SandboxBaseURL,
		APIVersion:      p.APIVersion,
		RateLimit:       ratelimit.PerWindow(p.RateLimit.Count, p.RateLimit.WindowMs),
		SessionLifetime: time.Duration(p.SessionLifetimeSecs) * time.Second,
	}
}

// PlanCredits returns the monthly allotment for a plan tier.
func (c *Config) PlanCredits(tier string) (int, bool) {
	n, ok := c.Plans[tier]
	return n, ok
}

// Redacted returns a copy of c with secret values masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	out.Store.DatabaseURL = redactURL(c.Store.DatabaseURL)
	out.Server.AdminToken = mask(c.Server.AdminToken)
	out.Secrets.MasterKey = mask(c.Secrets.MasterKey)
	out.Secrets.PreviousMasterKey = mask(c.Secrets.PreviousMasterKey)
	out.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		p.ClientSecret = mask(p.ClientSecret)
		out.Providers[name] = p
	}
	out.Plans = maps.Clone(c.Plans)
	return out
}

// redactURL masks the password in a connection URL.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, hasPass := strings.Cut(userinfo, ":")
	if !hasPass {
		return raw
	}
	return scheme + "://" + user + ":" + redacted + "@" + host
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
