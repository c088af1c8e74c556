// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTP   HTTP   `envPrefix:"HTTP_"`
	DB     DB     `envPrefix:"DB_"`
	Redis  Redis  `envPrefix:"REDIS_"`
	Stripe Stripe `envPrefix:"STRIPE_"`
	Auth   Auth   `envPrefix:"AUTH_"`
	Log    Log    `envPrefix:"LOG_"`
}

type HTTP struct {
	Addr            string        `env:"ADDR" envDefault:":8080" validate:"required"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:","`
}

type DB struct {
	URL         string `env:"URL" validate:"required"`
	MaxConns    int32  `env:"MAX_CONNS" envDefault:"10" validate:"gte=1"`
	MinConns    int32  `env:"MIN_CONNS" envDefault:"2" validate:"gte=0"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	// LegacyProfiles also writes entitlements to user_profiles when the
	// primary write fails.
	LegacyProfiles bool `env:"LEGACY_PROFILES" envDefault:"true"`
}

// Redis is optional: an empty Addr keeps the plan cache in process.
type Redis struct {
	Addr      string `env:"ADDR"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB" envDefault:"0" validate:"gte=0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"subsync:"`
}

type Stripe struct {
	SecretKey       string        `env:"SECRET_KEY" validate:"required"`
	WebhookSecret   string        `env:"WEBHOOK_SECRET" validate:"required"`
	PortalReturnURL string        `env:"PORTAL_RETURN_URL" validate:"omitempty,url"`
	CatalogTTL      time.Duration `env:"CATALOG_TTL" envDefault:"15m"`
	WebhookRate     int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"100" validate:"gte=1"`
}

type Auth struct {
	JWTSecret string `env:"JWT_SECRET" validate:"required,min=16"`
}

type Log struct {
	Level  string `env:"LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Format string `env:"FORMAT" envDefault:"json" validate:"oneof=json console"`
}

// Load reads the given .env files (default ".env") into the process
// environment, then parses it. A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks everything the server needs.
func (c *Config) Validate() error {
	return validateSections(
		section{"HTTP_", &c.HTTP},
		section{"DB_", &c.DB},
		section{"REDIS_", &c.Redis},
		section{"STRIPE_", &c.Stripe},
		section{"AUTH_", &c.Auth},
		section{"LOG_", &c.Log},
	)
}

// ValidateCLI checks what the operator CLI needs: no HTTP or auth settings.
func (c *Config) ValidateCLI() error {
	return validateSections(
		section{"DB_", &c.DB},
		section{"STRIPE_", &c.Stripe},
		section{"LOG_", &c.Log},
	)
}

// ValidateDB checks only database settings, for migrations.
func (c *Config) ValidateDB() error {
	return validateSections(
		section{"DB_", &c.DB},
		section{"LOG_", &c.Log},
	)
}

type section struct {
	prefix string
	value  interface{}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := f.Tag.Get("env")
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func validateSections(sections ...section) error {
	v := newValidator()
	var problems []string
	for _, s := range sections {
		err := v.Struct(s.value)
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(s.prefix, fe))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(prefix string, fe validator.FieldError) string {
	name := prefix + fe.Field()
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", name, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", name, fe.Param())
	case "url":
		return name + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s=%s", name, fe.Tag(), fe.Param())
	}
}
