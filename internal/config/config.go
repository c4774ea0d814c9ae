// Package config handles configuration loading and validation for filehaven.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/filehaven/filehaven/internal/tenant"
	"github.com/filehaven/filehaven/pkg/bytesize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the file.
const (
	EnvSecret      = "FILEHAVEN_SECRET"
	EnvTokenSecret = "FILEHAVEN_TOKEN_SECRET"
)

// Tenant store drivers.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

// StorageConfig configures the encrypted file store.
type StorageConfig struct {
	Root          string        `yaml:"root" validate:"required"`
	Secret        string        `yaml:"secret" validate:"required,min=16"`
	LegacyDecrypt bool          `yaml:"legacy_decrypt"` // read blobs written with the old AES-ECB format
	MaxUpload     bytesize.Size `yaml:"max_upload" validate:"gte=0"`
}

// AuthConfig configures bearer tokens.
type AuthConfig struct {
	TokenSecret string        `yaml:"token_secret" validate:"required,min=32"`
	TokenTTL    time.Duration `yaml:"token_ttl" validate:"gte=0"` // 0 = never expires
}

// TenantsConfig selects the tenant store.
type TenantsConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite badger memory"`
	DSN    string `yaml:"dsn"` // file for sqlite, directory for badger
}

// PlanConfig defines a storage plan.
type PlanConfig struct {
	Name        string         `yaml:"name" validate:"required"`
	Description string         `yaml:"description"`
	Limit       *bytesize.Size `yaml:"limit" validate:"omitempty,gte=0"` // nil falls back to the plan name default
	Price       int            `yaml:"price" validate:"gte=0"`           // cents
}

// LoggingConfig configures log shipping.
type LoggingConfig struct {
	LokiURL string `yaml:"loki_url" validate:"omitempty,url"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the server configuration.
type Config struct {
	Listen   string        `yaml:"listen" validate:"required"`
	LogLevel string        `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	Storage  StorageConfig `yaml:"storage"`
	Auth     AuthConfig    `yaml:"auth"`
	Tenants  TenantsConfig `yaml:"tenants"`
	Plans    []PlanConfig  `yaml:"plans" validate:"dive"`
	Logging  LoggingConfig `yaml:"logging"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Storage: StorageConfig{
			Root:      "/var/lib/filehaven/storage",
			MaxUpload: bytesize.Size(512 * bytesize.MB),
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Tenants: TenantsConfig{
			Driver: DriverSQLite,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv(EnvSecret); v != "" {
		cfg.Storage.Secret = v
	}
	if v := os.Getenv(EnvTokenSecret); v != "" {
		cfg.Auth.TokenSecret = v
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.Tenants.Driver = strings.ToLower(cfg.Tenants.Driver)
	cfg.Storage.Root = expandHome(cfg.Storage.Root)
	if cfg.Tenants.DSN == "" {
		switch cfg.Tenants.Driver {
		case DriverSQLite:
			cfg.Tenants.DSN = filepath.Join(filepath.Dir(cfg.Storage.Root), "tenants.db")
		case DriverBadger:
			cfg.Tenants.DSN = filepath.Join(filepath.Dir(cfg.Storage.Root), "tenants")
		}
	}
	cfg.Tenants.DSN = expandHome(cfg.Tenants.DSN)

	return cfg, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// TenantPlans converts configured plans to tenant plans. It returns nil
// when no plans are configured so the store seeds its defaults.
func (c *Config) TenantPlans() []tenant.Plan {
	if len(c.Plans) == 0 {
		return nil
	}
	out := make([]tenant.Plan, 0, len(c.Plans))
	for _, p := range c.Plans {
		plan := tenant.Plan{
			Name:        tenant.NormalizePlanName(p.Name),
			Description: p.Description,
			Price:       p.Price,
		}
		if p.Limit != nil {
			limit := p.Limit.Bytes()
			plan.LimitBytes = &limit
		}
		out = append(out, plan)
	}
	return out
}

// validate is the singleton validator instance. Field names in errors use
// the yaml tags.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks struct tags and the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	seen := make(map[string]bool)
	for i, p := range c.Plans {
		name := tenant.NormalizePlanName(p.Name)
		if seen[name] {
			return fmt.Errorf("plans[%d]: duplicate plan name %q", i, name)
		}
		seen[name] = true
	}

	if c.Tenants.Driver != DriverMemory && c.Tenants.DSN == "" {
		return fmt.Errorf("tenants.dsn is required for driver %q", c.Tenants.Driver)
	}
	return nil
}

// formatValidationError turns the first validator failure into a readable
// message naming the YAML-facing field.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		if e.Param() != "" {
			return fmt.Errorf("%s: failed %s=%s", field, e.Tag(), e.Param())
		}
		return fmt.Errorf("%s: failed %s", field, e.Tag())
	}
	return err
}
