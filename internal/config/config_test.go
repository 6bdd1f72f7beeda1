package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("GRPC_ADDR", ":8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.GRPCAddr != ":8080" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":8080")
	}
	if cfg.JWTIssuer != "fluxbase-auth" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "fluxbase-auth")
	}
	if cfg.JWTAudience != "fluxbase-api" {
		t.Errorf("JWTAudience = %q, want %q", cfg.JWTAudience, "fluxbase-api")
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
	if cfg.ActorTable != "auth.users" {
		t.Errorf("ActorTable = %q, want auth.users", cfg.ActorTable)
	}
	if cfg.PolicyBackend != PolicyBackendStatic {
		t.Errorf("PolicyBackend = %q, want static", cfg.PolicyBackend)
	}
	if cfg.AuditBufferSize != 1024 {
		t.Errorf("AuditBufferSize = %d, want 1024", cfg.AuditBufferSize)
	}
	if cfg.DeliveryWorkers != 8 {
		t.Errorf("DeliveryWorkers = %d, want 8", cfg.DeliveryWorkers)
	}
	if cfg.WebhookMaxRetries != 3 || cfg.WebhookBackoffSeconds != 5 || cfg.WebhookMaxBackoffSeconds != 3600 {
		t.Errorf("webhook defaults = %d/%d/%d", cfg.WebhookMaxRetries, cfg.WebhookBackoffSeconds, cfg.WebhookMaxBackoffSeconds)
	}
	if cfg.NATSSubjectPrefix != "fluxbase.webhooks" {
		t.Errorf("NATSSubjectPrefix = %q", cfg.NATSSubjectPrefix)
	}
	if cfg.MigrateOnStart {
		t.Error("MigrateOnStart should default to false")
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval())
	}
	if cfg.LeaseDuration() != 5*time.Minute {
		t.Errorf("LeaseDuration = %v, want 5m", cfg.LeaseDuration())
	}
	if cfg.DeliveryTimeoutSeconds() != 30 {
		t.Errorf("DeliveryTimeoutSeconds = %d, want 30", cfg.DeliveryTimeoutSeconds())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("GRPC_ADDR", ":9090")
	os.Setenv("JWT_ISSUER", "custom-issuer")
	os.Setenv("BCRYPT_COST", "14")
	os.Setenv("POLICY_BACKEND", "CASBIN")
	os.Setenv("AUDIT_READ_SAMPLE_RATE", "0.25")
	os.Setenv("DELIVERY_WORKERS", "2")
	os.Setenv("MIGRATE_ON_START", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCAddr != ":9090" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":9090")
	}
	if cfg.JWTIssuer != "custom-issuer" {
		t.Errorf("JWTIssuer = %q, want %q", cfg.JWTIssuer, "custom-issuer")
	}
	if cfg.BcryptCost != 14 {
		t.Errorf("BcryptCost = %d, want 14", cfg.BcryptCost)
	}
	if cfg.PolicyBackend != PolicyBackendCasbin {
		t.Errorf("PolicyBackend = %q, want casbin", cfg.PolicyBackend)
	}
	if cfg.AuditReadSampleRate != 0.25 {
		t.Errorf("AuditReadSampleRate = %v, want 0.25", cfg.AuditReadSampleRate)
	}
	if cfg.DeliveryWorkers != 2 {
		t.Errorf("DeliveryWorkers = %d, want 2", cfg.DeliveryWorkers)
	}
	if !cfg.MigrateOnStart {
		t.Error("MigrateOnStart should be true")
	}
}

func TestLoad_BCRYPT_COSTRange(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  int
		err   bool
	}{
		{"valid min", "4", 4, false},
		{"valid max", "31", 31, false},
		{"too low", "3", 0, true},
		{"too high", "32", 0, true},
		{"zero", "0", 12, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("BCRYPT_COST", tc.value)

			cfg, err := Load()
			if tc.err {
				if err == nil {
					t.Fatal("Load should return error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.BcryptCost != tc.want {
				t.Errorf("BcryptCost = %d, want %d", cfg.BcryptCost, tc.want)
			}
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			"unknown policy backend",
			map[string]string{"POLICY_BACKEND": "acl"},
			"config: POLICY_BACKEND must be one of static, rego, casbin",
		},
		{
			"rego without database",
			map[string]string{"POLICY_BACKEND": "rego"},
			"config: POLICY_BACKEND=rego requires DATABASE_URL",
		},
		{
			"sample rate above one",
			map[string]string{"AUDIT_READ_SAMPLE_RATE": "1.5"},
			"config: AUDIT_READ_SAMPLE_RATE must be between 0 and 1",
		},
		{
			"production without database",
			map[string]string{"APP_ENV": "production"},
			"config: DATABASE_URL must be set when APP_ENV=production",
		},
		{
			"production without service key",
			map[string]string{"APP_ENV": "production", "DATABASE_URL": "postgres://localhost/fluxbase"},
			"config: SERVICE_KEY must be set when APP_ENV=production",
		},
		{
			"timeout not under lease",
			map[string]string{"DELIVERY_TIMEOUT": "10m", "DELIVERY_LEASE": "5m"},
			"config: DELIVERY_TIMEOUT must be shorter than DELIVERY_LEASE",
		},
		{
			"negative retries",
			map[string]string{"WEBHOOK_MAX_RETRIES": "-1"},
			"config: WEBHOOK_MAX_RETRIES must not be negative",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tc.env {
				os.Setenv(k, v)
			}
			cfg, err := Load()
			if err == nil {
				t.Fatal("Load should return error")
			}
			if cfg != nil {
				t.Error("Load should return nil config on error")
			}
			if err.Error() != tc.want {
				t.Errorf("error = %q, want %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoad_ProductionWithDatabase(t *testing.T) {
	os.Clearenv()
	os.Setenv("APP_ENV", "Production")
	os.Setenv("DATABASE_URL", "postgres://localhost/fluxbase")
	os.Setenv("SERVICE_KEY", "svc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction should be true")
	}
}

func TestAccessTTL_ValidDuration(t *testing.T) {
	os.Clearenv()
	os.Setenv("JWT_ACCESS_TTL", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ttl := cfg.AccessTTL(); ttl != 30*time.Minute {
		t.Errorf("AccessTTL = %v, want %v", ttl, 30*time.Minute)
	}
}

func TestDurations_FallBackWhenInvalid(t *testing.T) {
	for _, value := range []string{"invalid", "0", "-5m"} {
		t.Run(value, func(t *testing.T) {
			os.Clearenv()
			os.Setenv("JWT_ACCESS_TTL", value)
			os.Setenv("AUDIT_FLUSH_INTERVAL", value)
			os.Setenv("DELIVERY_POLL_INTERVAL", value)
			os.Setenv("DELIVERY_TIMEOUT", value)
			os.Setenv("DELIVERY_LEASE", value)
			os.Setenv("DELIVERY_SHUTDOWN_GRACE", value)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			checks := []struct {
				name string
				got  time.Duration
				want time.Duration
			}{
				{"AccessTTL", cfg.AccessTTL(), 15 * time.Minute},
				{"AuditFlush", cfg.AuditFlush(), time.Second},
				{"PollInterval", cfg.PollInterval(), 2 * time.Second},
				{"DeliveryTimeoutDuration", cfg.DeliveryTimeoutDuration(), 30 * time.Second},
				{"LeaseDuration", cfg.LeaseDuration(), 5 * time.Minute},
				{"ShutdownGrace", cfg.ShutdownGrace(), 10 * time.Second},
			}
			for _, c := range checks {
				if c.got != c.want {
					t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
				}
			}
		})
	}
}

func TestDeliveryTimeoutSeconds_AtLeastOne(t *testing.T) {
	cfg := &Config{DeliveryTimeout: "200ms"}
	if got := cfg.DeliveryTimeoutSeconds(); got != 1 {
		t.Errorf("DeliveryTimeoutSeconds = %d, want 1", got)
	}
}
