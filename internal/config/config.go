package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	BaseURL   string `env:"BASE_URL"`
	DBPath    string `env:"DB_PATH" envDefault:"vouch.db"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	FreeQuota int    `env:"FREE_QUOTA" envDefault:"5"`

	// AllowedOrigins are host patterns accepted on WebSocket upgrades.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	Auth   AuthConfig   `envPrefix:"AUTH_"`
	Stripe StripeConfig `envPrefix:"STRIPE_"`
	Sweep  SweepConfig  `envPrefix:"SWEEP_"`
}

type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET,required"`
	Issuer    string `env:"ISSUER"`
	Audience  string `env:"AUDIENCE"`
}

type StripeConfig struct {
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	PriceID       string `env:"PRICE_ID"`
	Mode          string `env:"MODE" envDefault:"payment"`
}

// Enabled reports whether checkout and webhook routes should be served.
func (s StripeConfig) Enabled() bool {
	return s.SecretKey != ""
}

type SweepConfig struct {
	Schedule  string        `env:"SCHEDULE" envDefault:"@every 5m"`
	Lookback  time.Duration `env:"LOOKBACK" envDefault:"24h"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"50"`
}

// Load reads a .env file if one exists, then the process environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return parse(env.Options{})
}

// FromMap builds a Config from the given variables only.
func FromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

func (c Config) validate() error {
	if c.FreeQuota <= 0 {
		return fmt.Errorf("FREE_QUOTA must be positive, got %d", c.FreeQuota)
	}
	switch c.Stripe.Mode {
	case "payment", "subscription":
	default:
		return fmt.Errorf("STRIPE_MODE must be payment or subscription, got %q", c.Stripe.Mode)
	}
	if c.Stripe.Enabled() && c.Stripe.WebhookSecret == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive, got %d", c.Sweep.BatchSize)
	}
	return nil
}
