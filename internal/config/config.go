package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends understood by STORE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	LogLevel              string        `mapstructure:"LOG_LEVEL"`
	StoreBackend          string        `mapstructure:"STORE_BACKEND"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	MongoURI              string        `mapstructure:"MONGO_URI"`
	MongoDatabase         string        `mapstructure:"MONGO_DATABASE"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	ElevatedRoles         []string      `mapstructure:"ELEVATED_ROLES"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit             string        `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit       string        `mapstructure:"UPLOAD_BODY_LIMIT"`
	AuditRetentionDays    int           `mapstructure:"AUDIT_RETENTION_DAYS"`
	AuditExportMaxRecords int           `mapstructure:"AUDIT_EXPORT_MAX_RECORDS"`
	ChainVerifyBatchSize  int           `mapstructure:"CHAIN_VERIFY_BATCH_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_BACKEND",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MONGO_URI", "MONGO_DATABASE",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "ELEVATED_ROLES",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"BODY_LIMIT", "UPLOAD_BODY_LIMIT",
	"AUDIT_RETENTION_DAYS", "AUDIT_EXPORT_MAX_RECORDS", "CHAIN_VERIFY_BATCH_SIZE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MONGO_DATABASE", "hashaudit")
	v.SetDefault("ELEVATED_ROLES", "admin,auditor,compliance_officer")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "64M")
	v.SetDefault("AUDIT_RETENTION_DAYS", 2555)
	v.SetDefault("AUDIT_EXPORT_MAX_RECORDS", 10000)
	v.SetDefault("CHAIN_VERIFY_BATCH_SIZE", 1000)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.ElevatedRoles = splitList(cfg.ElevatedRoles, v.GetString("ELEVATED_ROLES"))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList normalises a list value that may arrive either already split by
// viper or as a single comma separated string.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		parsed = nil
	}
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(parsed))
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a token verification key source must be configured.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when STORE_BACKEND is %q", BackendMongo)
		}
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_BACKEND %q is not allowed in production", BackendMemory)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q, %q or %q, got %q",
			BackendPostgres, BackendMongo, BackendMemory, c.StoreBackend)
	}

	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if len(c.ElevatedRoles) == 0 {
		return fmt.Errorf("ELEVATED_ROLES must name at least one role")
	}
	if c.AuditRetentionDays < 1 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be at least 1, got %d", c.AuditRetentionDays)
	}
	if c.AuditExportMaxRecords < 1 {
		return fmt.Errorf("AUDIT_EXPORT_MAX_RECORDS must be at least 1, got %d", c.AuditExportMaxRecords)
	}
	if c.ChainVerifyBatchSize < 1 {
		return fmt.Errorf("CHAIN_VERIFY_BATCH_SIZE must be at least 1, got %d", c.ChainVerifyBatchSize)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	return nil
}
