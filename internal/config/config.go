package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable the service reads.
const EnvPrefix = "ENTITLEMENT_"

// Config holds all configuration for the entitlement service.
type Config struct {
	DataDir   string `env:"DATA_DIR" envDefault:"./data"`
	AccountID string `env:"ACCOUNT_ID"`
	DeviceID  string `env:"DEVICE_ID"`

	LedgerPath string `env:"LEDGER_PATH"`

	ValidationURL       string        `env:"VALIDATION_URL"`
	ValidationToken     string        `env:"VALIDATION_TOKEN"`
	ValidationPublicKey string        `env:"VALIDATION_PUBLIC_KEY"`
	ValidationTimeout   time.Duration `env:"VALIDATION_TIMEOUT" envDefault:"15s"`

	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"15m"`
	StaleAfter      time.Duration `env:"STALE_AFTER" envDefault:"15m"`
	AccessCacheTTL  time.Duration `env:"ACCESS_CACHE_TTL" envDefault:"5m"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"entitlements"`

	HTTPAddr            string `env:"HTTP_ADDR" envDefault:"127.0.0.1:7660"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	WebhookSecret       string `env:"WEBHOOK_SECRET"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"auto"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`

	PremiumProducts []string `env:"PREMIUM_PRODUCTS" envSeparator:","`
}

// Load reads configuration from the environment. A .env file is loaded if
// present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.trim()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate entitlement config: %w", err)
	}
	return cfg, nil
}

func (c *Config) trim() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.AccountID = strings.TrimSpace(c.AccountID)
	c.DeviceID = strings.TrimSpace(c.DeviceID)
	c.LedgerPath = strings.TrimSpace(c.LedgerPath)
	c.ValidationURL = strings.TrimSpace(c.ValidationURL)
	c.ValidationToken = strings.TrimSpace(c.ValidationToken)
	c.ValidationPublicKey = strings.TrimSpace(c.ValidationPublicKey)
	c.MongoURI = strings.TrimSpace(c.MongoURI)
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
}

// Validate checks field values and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, EnvPrefix+"DATA_DIR must not be empty")
	}
	if c.HTTPAddr == "" {
		problems = append(problems, EnvPrefix+"HTTP_ADDR must not be empty")
	}
	for name, d := range map[string]time.Duration{
		"VALIDATION_TIMEOUT": c.ValidationTimeout,
		"REFRESH_INTERVAL":   c.RefreshInterval,
		"STALE_AFTER":        c.StaleAfter,
		"ACCESS_CACHE_TTL":   c.AccessCacheTTL,
	} {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s%s must be greater than 0, got %s", EnvPrefix, name, d))
		}
	}
	if c.ValidationURL != "" {
		parsed, err := url.Parse(c.ValidationURL)
		switch {
		case err != nil:
			problems = append(problems, EnvPrefix+"VALIDATION_URL must be a valid URL")
		case parsed.Scheme != "http" && parsed.Scheme != "https":
			problems = append(problems, EnvPrefix+"VALIDATION_URL must use http or https scheme")
		case parsed.Host == "":
			problems = append(problems, EnvPrefix+"VALIDATION_URL must include a host")
		}
	}
	if _, err := c.PublicKey(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireAccount is the additional check for running the daemon.
func (c *Config) RequireAccount() error {
	if c.AccountID == "" {
		return fmt.Errorf("missing required environment variables: %sACCOUNT_ID", EnvPrefix)
	}
	return nil
}

// PublicKey decodes the optional Ed25519 key used to verify signed validation
// responses. It returns nil when none is configured.
func (c *Config) PublicKey() (ed25519.PublicKey, error) {
	if c.ValidationPublicKey == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(c.ValidationPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%sVALIDATION_PUBLIC_KEY must be base64: %w", EnvPrefix, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%sVALIDATION_PUBLIC_KEY must be %d bytes, got %d", EnvPrefix, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// StorePath returns the SQLite database location.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "entitlements.db")
}

// ResolvedLedgerPath returns the ledger file, defaulting to one inside DataDir.
func (c *Config) ResolvedLedgerPath() string {
	if c.LedgerPath != "" {
		return c.LedgerPath
	}
	return filepath.Join(c.DataDir, "ledger.json")
}
