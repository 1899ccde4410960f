package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageLocal  = "local"
	StorageRemote = "remote"

	HashStoreMemory   = "memory"
	HashStorePostgres = "postgres"
	HashStoreSQLite   = "sqlite"
)

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	StorageMode             string        `mapstructure:"STORAGE_MODE"`
	HashStore               string        `mapstructure:"HASH_STORE"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath              string        `mapstructure:"SQLITE_PATH"`
	DocstoreURL             string        `mapstructure:"DOCSTORE_URL"`
	DocstoreToken           string        `mapstructure:"DOCSTORE_TOKEN"`
	DocstoreTimeout         time.Duration `mapstructure:"DOCSTORE_TIMEOUT"`
	DocstoreGzip            bool          `mapstructure:"DOCSTORE_GZIP"`
	KafkaBrokers            []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicPrefix        string        `mapstructure:"KAFKA_TOPIC_PREFIX"`
	KafkaClientID           string        `mapstructure:"KAFKA_CLIENT_ID"`
	ValidationTrackerURL    string        `mapstructure:"VALIDATION_TRACKER_URL"`
	ValidationTrackerSecret string        `mapstructure:"VALIDATION_TRACKER_SECRET"`
	TenantIdentifierSystem  string        `mapstructure:"TENANT_IDENTIFIER_SYSTEM"`
	ChunkSize               int           `mapstructure:"CHUNK_SIZE"`
	ChunkConcurrency        int           `mapstructure:"CHUNK_CONCURRENCY"`
	AuthIssuer              string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience            string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL             string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey          string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "STORAGE_MODE", "HASH_STORE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"DOCSTORE_URL", "DOCSTORE_TOKEN", "DOCSTORE_TIMEOUT", "DOCSTORE_GZIP",
	"KAFKA_BROKERS", "KAFKA_TOPIC_PREFIX", "KAFKA_CLIENT_ID",
	"VALIDATION_TRACKER_URL", "VALIDATION_TRACKER_SECRET",
	"TENANT_IDENTIFIER_SYSTEM", "CHUNK_SIZE", "CHUNK_CONCURRENCY",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; call Validate before starting the server.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_MODE", StorageLocal)
	v.SetDefault("HASH_STORE", HashStoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "authority.db")
	v.SetDefault("DOCSTORE_TIMEOUT", "30s")
	v.SetDefault("KAFKA_TOPIC_PREFIX", "ehr")
	v.SetDefault("KAFKA_CLIENT_ID", "resource-authority")
	v.SetDefault("TENANT_IDENTIFIER_SYSTEM", "urn:ehr:tenant")
	v.SetDefault("CHUNK_SIZE", 25)
	v.SetDefault("CHUNK_CONCURRENCY", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	return cfg, nil
}

// splitList trims the entries of a comma separated env value.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
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

// Validated reports whether writes run through validation and event
// publication. Only the remote deployment does.
func (c *Config) Validated() bool {
	return c.StorageMode == StorageRemote
}

// Validate checks that the configuration names a runnable combination of
// backends and that production deployments enforce authentication.
func (c *Config) Validate() error {
	switch c.StorageMode {
	case StorageLocal:
	case StorageRemote:
		if c.DocstoreURL == "" {
			return fmt.Errorf("DOCSTORE_URL is required when STORAGE_MODE is %q", StorageRemote)
		}
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when STORAGE_MODE is %q", StorageRemote)
		}
	default:
		return fmt.Errorf("STORAGE_MODE must be %q or %q, got %q", StorageLocal, StorageRemote, c.StorageMode)
	}

	switch c.HashStore {
	case HashStoreMemory:
	case HashStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when HASH_STORE is %q", HashStorePostgres)
		}
	case HashStoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when HASH_STORE is %q", HashStoreSQLite)
		}
	default:
		return fmt.Errorf("HASH_STORE must be memory, postgres, or sqlite, got %q", c.HashStore)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkConcurrency <= 0 {
		return fmt.Errorf("CHUNK_CONCURRENCY must be positive, got %d", c.ChunkConcurrency)
	}
	if c.TenantIdentifierSystem == "" {
		return fmt.Errorf("TENANT_IDENTIFIER_SYSTEM must not be empty")
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"one of AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER must be set outside development (current ENV=%q)",
			c.Env)
	}
	if c.ValidationTrackerURL != "" && c.ValidationTrackerSecret == "" {
		return fmt.Errorf("VALIDATION_TRACKER_SECRET is required when VALIDATION_TRACKER_URL is set")
	}
	return nil
}
