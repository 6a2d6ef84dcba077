package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/ordersync/internal/pricing"
	"github.com/xenking/ordersync/internal/session"
	"github.com/xenking/ordersync/internal/target"
)

var _ session.Settings = (*Config)(nil)

// Config holds the complete application configuration, loadable from
// environment variables (ORDERSYNC_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (ORDERSYNC_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (ORDERSYNC_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Storefront   StorefrontConfig
	Target       TargetConfig
	Session      SessionConfig
	Fees         FeesConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// StorefrontConfig points at the storefront order API.
type StorefrontConfig struct {
	URL      string        `usage:"Storefront API base URL"`
	Token    string        `usage:"Storefront API bearer token"`
	PageSize int           `default:"20" usage:"Orders per page"`
	Timeout  time.Duration `default:"15s" usage:"Storefront request timeout"`
}

// TargetConfig points at the automation bridge of the target system and
// holds the session credentials.
type TargetConfig struct {
	URL      string        `usage:"Automation bridge base URL"`
	Operator string        `usage:"Target system operator"`
	Password string        `usage:"Target system operator password"`
	Database string        `usage:"Target system database name"`
	Timeout  time.Duration `default:"60s" usage:"Bridge request timeout (session creation is slow)"`
}

// SessionConfig controls the idle watchdog.
type SessionConfig struct {
	IdleTimeout   int           `default:"15" usage:"Idle minutes before the session is released, 0 disables" flag:"idle-timeout"`
	CheckInterval time.Duration `default:"1m" usage:"Idle watchdog period"`
}

// FeesConfig holds the reserved catalog ids of the surcharge lines.
type FeesConfig struct {
	Handling       int64 `default:"9001"`
	Shipping       int64 `default:"9002"`
	CodFee         int64 `default:"9003"`
	GlsFlat        int64 `default:"9004"`
	GlsWeightBased int64 `default:"9005"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// IdleTimeoutMinutes implements session.Settings.
func (c *Config) IdleTimeoutMinutes() int { return c.Session.IdleTimeout }

// SessionCredentials implements session.Settings.
func (c *Config) SessionCredentials() target.Credentials {
	return target.Credentials{
		Operator: c.Target.Operator,
		Password: c.Target.Password,
		Database: c.Target.Database,
	}
}

// FeeCatalog returns the configured surcharge catalog ids.
func (c *Config) FeeCatalog() pricing.FeeCatalog {
	return pricing.FeeCatalog{
		Handling:       c.Fees.Handling,
		Shipping:       c.Fees.Shipping,
		CodFee:         c.Fees.CodFee,
		GlsFlat:        c.Fees.GlsFlat,
		GlsWeightBased: c.Fees.GlsWeightBased,
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set ORDERSYNC_DATABASE_URL or DATABASE_URL")
	case c.Target.URL == "":
		return errors.New("target bridge URL is required: set ORDERSYNC_TARGET_URL")
	case c.Storefront.URL == "":
		return errors.New("storefront URL is required: set ORDERSYNC_STOREFRONT_URL")
	case c.Session.IdleTimeout < 0:
		return errors.Errorf("idle timeout must not be negative, got %d", c.Session.IdleTimeout)
	case c.Session.CheckInterval <= 0:
		return errors.Errorf("session check interval must be positive, got %s", c.Session.CheckInterval)
	}
	return nil
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "ORDERSYNC",
		Files:     []string{"config.yaml", "/etc/ordersync/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's ORDERSYNC_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
