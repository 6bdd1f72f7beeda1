// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Policy backends selectable with POLICY_BACKEND.
const (
	PolicyBackendStatic = "static"
	PolicyBackendRego   = "rego"
	PolicyBackendCasbin = "casbin"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty selects in-memory stores outside production.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// MigrateOnStart applies pending migrations before the server starts.
	MigrateOnStart bool `mapstructure:"MIGRATE_ON_START"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file. Only needed by cmd/seed to mint tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file. Empty disables bearer tokens.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31) for API key secrets; default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// ServiceKey is the trusted-service marker. Empty disables the service tier.
	ServiceKey string `mapstructure:"SERVICE_KEY"`
	// ActorTable is the table whose rows are actors (each row owns itself), e.g. "auth.users".
	ActorTable string `mapstructure:"ACTOR_TABLE"`

	// PolicyBackend selects the RuleSet: static, rego or casbin.
	PolicyBackend string `mapstructure:"POLICY_BACKEND"`
	// PolicyAnonRules is the static anon allow-list, e.g. "public.profiles:INSERT".
	PolicyAnonRules string `mapstructure:"POLICY_ANON_RULES"`
	// PolicyAdminExclusions lists table ops admins may not perform (static backend).
	PolicyAdminExclusions string `mapstructure:"POLICY_ADMIN_EXCLUSIONS"`
	PolicyCasbinModel     string `mapstructure:"POLICY_CASBIN_MODEL"`
	PolicyCasbinPolicy    string `mapstructure:"POLICY_CASBIN_POLICY"`

	AuditBufferSize    int    `mapstructure:"AUDIT_BUFFER_SIZE"`
	AuditFlushInterval string `mapstructure:"AUDIT_FLUSH_INTERVAL"`
	// AuditReadSampleRate is the fraction (0..1) of audited SELECT allows that are written.
	AuditReadSampleRate float64 `mapstructure:"AUDIT_READ_SAMPLE_RATE"`

	DeliveryWorkers       int    `mapstructure:"DELIVERY_WORKERS"`
	DeliveryPollInterval  string `mapstructure:"DELIVERY_POLL_INTERVAL"`
	DeliveryTimeout       string `mapstructure:"DELIVERY_TIMEOUT"`
	DeliveryLease         string `mapstructure:"DELIVERY_LEASE"`
	DeliveryShutdownGrace string `mapstructure:"DELIVERY_SHUTDOWN_GRACE"`

	// Webhook defaults applied when a webhook leaves them unset.
	WebhookMaxRetries        int `mapstructure:"WEBHOOK_MAX_RETRIES"`
	WebhookBackoffSeconds    int `mapstructure:"WEBHOOK_BACKOFF_SECONDS"`
	WebhookMaxBackoffSeconds int `mapstructure:"WEBHOOK_MAX_BACKOFF_SECONDS"`

	// NATSURL enables the NATS wake-up bus. Empty uses an in-process bus.
	NATSURL           string `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`

	// OTel (optional). Empty endpoint records locally without exporting.
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("MIGRATE_ON_START", false)
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "fluxbase-auth")
	v.SetDefault("JWT_AUDIENCE", "fluxbase-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("SERVICE_KEY", "")
	v.SetDefault("ACTOR_TABLE", "auth.users")
	v.SetDefault("POLICY_BACKEND", PolicyBackendStatic)
	v.SetDefault("POLICY_ANON_RULES", "")
	v.SetDefault("POLICY_ADMIN_EXCLUSIONS", "")
	v.SetDefault("POLICY_CASBIN_MODEL", "")
	v.SetDefault("POLICY_CASBIN_POLICY", "")
	v.SetDefault("AUDIT_BUFFER_SIZE", 1024)
	v.SetDefault("AUDIT_FLUSH_INTERVAL", "1s")
	v.SetDefault("AUDIT_READ_SAMPLE_RATE", 0.0)
	v.SetDefault("DELIVERY_WORKERS", 8)
	v.SetDefault("DELIVERY_POLL_INTERVAL", "2s")
	v.SetDefault("DELIVERY_TIMEOUT", "30s")
	v.SetDefault("DELIVERY_LEASE", "5m")
	v.SetDefault("DELIVERY_SHUTDOWN_GRACE", "10s")
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("WEBHOOK_BACKOFF_SECONDS", 5)
	v.SetDefault("WEBHOOK_MAX_BACKOFF_SECONDS", 3600)
	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT_PREFIX", "fluxbase.webhooks")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "fluxbase")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.GRPCAddr == "" {
		return nil, errors.New("config: GRPC_ADDR must be set")
	}

	if cfg.IsProduction() && cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL must be set when APP_ENV=production")
	}
	if cfg.IsProduction() && cfg.ServiceKey == "" {
		return nil, errors.New("config: SERVICE_KEY must be set when APP_ENV=production")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	cfg.PolicyBackend = strings.ToLower(strings.TrimSpace(cfg.PolicyBackend))
	switch cfg.PolicyBackend {
	case "":
		cfg.PolicyBackend = PolicyBackendStatic
	case PolicyBackendStatic, PolicyBackendRego, PolicyBackendCasbin:
	default:
		return nil, errors.New("config: POLICY_BACKEND must be one of static, rego, casbin")
	}
	if cfg.PolicyBackend == PolicyBackendRego && cfg.DatabaseURL == "" {
		return nil, errors.New("config: POLICY_BACKEND=rego requires DATABASE_URL")
	}

	if cfg.AuditReadSampleRate < 0 || cfg.AuditReadSampleRate > 1 {
		return nil, errors.New("config: AUDIT_READ_SAMPLE_RATE must be between 0 and 1")
	}
	if cfg.DeliveryWorkers < 0 {
		return nil, errors.New("config: DELIVERY_WORKERS must not be negative")
	}
	if cfg.WebhookMaxRetries < 0 {
		return nil, errors.New("config: WEBHOOK_MAX_RETRIES must not be negative")
	}
	if cfg.DeliveryTimeoutDuration() >= cfg.LeaseDuration() {
		return nil, errors.New("config: DELIVERY_TIMEOUT must be shorter than DELIVERY_LEASE")
	}

	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return durationOr(c.JWTAccessTTL, 15*time.Minute)
}

// AuditFlush returns the audit buffer flush interval (1s when unset or invalid).
func (c *Config) AuditFlush() time.Duration {
	return durationOr(c.AuditFlushInterval, time.Second)
}

func (c *Config) PollInterval() time.Duration {
	return durationOr(c.DeliveryPollInterval, 2*time.Second)
}

func (c *Config) DeliveryTimeoutDuration() time.Duration {
	return durationOr(c.DeliveryTimeout, 30*time.Second)
}

func (c *Config) LeaseDuration() time.Duration {
	return durationOr(c.DeliveryLease, 5*time.Minute)
}

func (c *Config) ShutdownGrace() time.Duration {
	return durationOr(c.DeliveryShutdownGrace, 10*time.Second)
}

// DeliveryTimeoutSeconds is the default per-webhook timeout in whole seconds (at least 1).
func (c *Config) DeliveryTimeoutSeconds() int {
	return max(int(c.DeliveryTimeoutDuration()/time.Second), 1)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
