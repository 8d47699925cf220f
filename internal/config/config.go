// Package config loads gateway configuration from the environment.
//
// The settings layer that owns these values lives outside this service; the
// core consumes them read-only. A local .env file is honoured in development.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config aggregates every tunable the request pipeline consumes.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logging  LoggingConfig
	Provider ProviderConfig
	Images   ImageConfig
	Credits  CreditConfig
}

// ServerConfig controls the inbound HTTP listener.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `env:"SERVER_PORT,default=8090"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT,default=30s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT,default=120s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT,default=10s"`
	RatePerUser     float64       `env:"SERVER_RATE_PER_USER,default=1"`
	RateBurst       int           `env:"SERVER_RATE_BURST,default=3"`
}

// DatabaseConfig configures the persistence layer. When DSN is empty the
// application falls back to the in-memory stores.
type DatabaseConfig struct {
	Driver          string `env:"DB_DRIVER,default=postgres"`
	DSN             string `env:"DB_DSN"`
	MaxOpenConns    int    `env:"DB_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `env:"DB_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `env:"DB_CONN_MAX_LIFETIME_SECONDS,default=300"`
}

// LoggingConfig mirrors pkg/logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL,default=info"`
	Format     string `env:"LOG_FORMAT,default=json"`
	Output     string `env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `env:"LOG_FILE_PREFIX"`
}

// ProviderConfig describes the external generative-image provider.
type ProviderConfig struct {
	// ImageEndpoint receives the try-on generation calls.
	ImageEndpoint string `env:"PROVIDER_IMAGE_ENDPOINT"`
	// TextEndpoint receives the lightweight connectivity probes.
	TextEndpoint string `env:"PROVIDER_TEXT_ENDPOINT"`
	// EncryptedAPIKey is the base64 ciphertext produced by the vault; the
	// plaintext key never appears in the environment.
	EncryptedAPIKey string `env:"PROVIDER_API_KEY_CIPHERTEXT"`
	// VaultKey is the 16/24/32-byte AES key (raw, hex or base64 encoded).
	VaultKey string `env:"VAULT_ENCRYPTION_KEY"`

	MaxAttempts    int           `env:"PROVIDER_MAX_ATTEMPTS,default=3"`
	AttemptTimeout time.Duration `env:"PROVIDER_ATTEMPT_TIMEOUT,default=60s"`
	BackoffBase    time.Duration `env:"PROVIDER_BACKOFF_BASE,default=2s"`
	AspectRatio    string        `env:"PROVIDER_ASPECT_RATIO,default=3:4"`
	ImageSize      string        `env:"PROVIDER_IMAGE_SIZE,default=1K"`
}

// ImageConfig bounds the inputs accepted from the pre-processing collaborator.
type ImageConfig struct {
	AllowedMIMETypes []string `env:"IMAGE_ALLOWED_MIME_TYPES,default=image/jpeg;image/png;image/webp"`
	MaxBytes         int64    `env:"IMAGE_MAX_BYTES,default=8388608"`
}

// CreditConfig controls credit accounting defaults.
type CreditConfig struct {
	SignupBonus  int64  `env:"CREDITS_SIGNUP_BONUS,default=3"`
	FittingCost  int64  `env:"CREDITS_FITTING_COST,default=1"`
	PackagesPath string `env:"CREDITS_PACKAGES_PATH"`
}

// Package is one purchasable credit bundle.
type Package struct {
	ID      string  `yaml:"id" json:"id"`
	Credits int64   `yaml:"credits" json:"credits"`
	Price   float64 `yaml:"price" json:"price"`
}

// Load reads configuration from the environment, honouring a .env file when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	for i, mt := range cfg.Images.AllowedMIMETypes {
		cfg.Images.AllowedMIMETypes[i] = strings.ToLower(strings.TrimSpace(mt))
	}

	return &cfg, nil
}

// LoadPackages reads the purchasable credit packages from the configured YAML
// file, falling back to the defaults when no file is configured or readable.
func (c *Config) LoadPackages() []Package {
	if c.Credits.PackagesPath == "" {
		return DefaultPackages()
	}

	data, err := os.ReadFile(c.Credits.PackagesPath)
	if err != nil {
		return DefaultPackages()
	}

	var doc struct {
		Packages []Package `yaml:"packages"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Packages) == 0 {
		return DefaultPackages()
	}
	return doc.Packages
}

// DefaultPackages returns the built-in credit bundles.
func DefaultPackages() []Package {
	return []Package{
		{ID: "starter", Credits: 10, Price: 4.99},
		{ID: "standard", Credits: 30, Price: 12.99},
		{ID: "studio", Credits: 100, Price: 39.99},
	}
}
