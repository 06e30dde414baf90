// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Engine        EngineConfig        `yaml:"engine"`
	Authz         AuthzConfig         `yaml:"authz"`
	Audit         AuditConfig         `yaml:"audit"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"             validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"         validate:"required"`
	Audience     string            `yaml:"audience"       validate:"required"`
	JWKSURL      string            `yaml:"jwks_url"       validate:"required,url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"     validate:"min=1"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories" validate:"min=1"`
}

// StoreConfig describes workflow, authorization and audit persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"            validate:"oneof=memory postgres"`
	DSNEnv          string        `yaml:"dsn_env"           validate:"required_if=Driver postgres"`
	MaxOpenConns    int           `yaml:"max_open_conns"    validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// EngineConfig tunes the marking and firing engine.
type EngineConfig struct {
	// ChainLimit caps the number of automatic firings triggered by a
	// single external operation.
	ChainLimit int `yaml:"chain_limit" validate:"min=1"`
	// HandlerBreaker trips system task handlers that keep failing. A zero
	// failure threshold disables it.
	HandlerBreaker BreakerConfig `yaml:"handler_breaker"`
}

// BreakerConfig describes a consecutive-failure circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"min=0"`
	SuccessThreshold int           `yaml:"success_threshold" validate:"min=0"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// AuthzConfig describes the authorization resolver.
type AuthzConfig struct {
	SeedFile string `yaml:"seed_file"`
	// CacheTTL bounds how long resolved scopes are reused. Invalidation is
	// process-local, so with a shared postgres store it is also the window
	// in which a revocation made on another node may still be honored.
	// Zero disables the cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// QueuePolicy decides what listing a work queue returns to a user
	// without the required scope: "forbid" or "empty".
	QueuePolicy string `yaml:"queue_policy" validate:"oneof=forbid empty"`
	// StartScope is required to initialize a workflow. AdminScope is
	// required to cancel or fail workflows and tasks, to list users by
	// scope, and to read traces. An empty value leaves the routes open to
	// any authenticated caller.
	StartScope string `yaml:"start_scope"`
	AdminScope string `yaml:"admin_scope"`
}

// AuditConfig describes the trace recorder.
type AuditConfig struct {
	SnapshotSchedule string `yaml:"snapshot_schedule"`
	RecentTraceLimit int    `yaml:"recent_trace_limit" validate:"min=1"`
	MirrorToOTel     bool   `yaml:"mirror_to_otel"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"      validate:"omitempty,oneof=memory redis"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	// ForceSampleFailures always samples fail and cancel operations.
	ForceSampleFailures bool `yaml:"force_sample_failures"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "TASQUENCER_DATABASE_URL",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Engine: EngineConfig{
			ChainLimit: 100,
			HandlerBreaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				OpenTimeout:      30 * time.Second,
			},
		},
		Authz: AuthzConfig{
			CacheTTL:    30 * time.Second,
			QueuePolicy: "forbid",
			StartScope:  "workflow:start",
			AdminScope:  "workflow:admin",
		},
		Audit: AuditConfig{
			SnapshotSchedule: "@every 5m",
			RecentTraceLimit: 50,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "TASQUENCER_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var validate = newValidator()

// newValidator reports field paths by their yaml names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that all required fields are present and valid. Every
// failing field is reported, joined by "; ".
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, describe(fe))
	}
	return fmt.Errorf("%s", strings.Join(errs, "; "))
}

// describe renders a field error using the yaml path, e.g.
// "server.port must be between 1 and 65535".
func describe(fe validator.FieldError) string {
	path := yamlPath(fe.Namespace())
	switch fe.Tag() {
	case "required", "required_if":
		return path + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", path, fe.Param())
	case "min", "max":
		if path == "server.port" {
			return path + " must be between 1 and 65535"
		}
		if fe.Tag() == "min" {
			return fmt.Sprintf("%s must be at least %s", path, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", path, fe.Param())
	case "url":
		return path + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s", path, fe.Tag())
	}
}

// yamlPath drops the root type name from a validator namespace.
func yamlPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// applyEnvOverrides reads TASQUENCER_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASQUENCER_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TASQUENCER_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("TASQUENCER_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("TASQUENCER_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("TASQUENCER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TASQUENCER_AUTHZ_QUEUE_POLICY"); v != "" {
		cfg.Authz.QueuePolicy = v
	}
	if v := os.Getenv("TASQUENCER_AUTHZ_SEED_FILE"); v != "" {
		cfg.Authz.SeedFile = v
	}
	if v := os.Getenv("TASQUENCER_AUDIT_SNAPSHOT_SCHEDULE"); v != "" {
		cfg.Audit.SnapshotSchedule = v
	}
	if v := os.Getenv("TASQUENCER_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
